package upstream

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProxyFile(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "proxies.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRegistry_MergesEnvAndFileDedupsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := writeProxyFile(t, dir,
		"http://a.example.com:8080",
		"# comment",
		"",
		"not-a-valid-url-at-all",
		"http://b.example.com:8080",
	)

	reg := NewRegistry([]string{"http://a.example.com:8080", "http://c.example.com:8080"}, path, nil)
	urls := make([]string, 0)
	for _, d := range reg.Snapshot() {
		urls = append(urls, d.URL)
	}

	assert.ElementsMatch(t, []string{"http://a.example.com:8080", "http://b.example.com:8080", "http://c.example.com:8080"}, urls)
}

func TestReloadIfChanged_PreservesIdentityForUnchangedURLs(t *testing.T) {
	dir := t.TempDir()
	path := writeProxyFile(t, dir, "http://a.example.com:8080", "http://b.example.com:8080")

	reg := NewRegistry(nil, path, nil)
	before := reg.Snapshot()
	require.Len(t, before, 2)
	before[0].RecordFailure()
	before[0].RecordFailure()

	// advance mtime so ReloadIfChanged actually re-reads
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	writeProxyFile(t, dir, "http://a.example.com:8080", "http://b.example.com:8080")
	require.NoError(t, os.Chtimes(path, future, future))

	reg.ReloadIfChanged()
	after := reg.Snapshot()
	require.Len(t, after, 2)

	byURL := make(map[string]*Descriptor)
	for _, d := range after {
		byURL[d.URL] = d
	}
	// the descriptor for a.example.com must be the SAME object, carrying its
	// failure count forward rather than being reset by the reload.
	assert.Same(t, before[0], byURL["http://a.example.com:8080"])
	assert.Equal(t, int64(2), byURL["http://a.example.com:8080"].ConsecutiveFailures())
}

func TestReloadIfChanged_AddAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := writeProxyFile(t, dir, "http://a.example.com:8080", "http://b.example.com:8080")

	reg := NewRegistry(nil, path, nil)
	require.Len(t, reg.Snapshot(), 2)

	future := time.Now().Add(time.Second)
	writeProxyFile(t, dir, "http://a.example.com:8080", "http://c.example.com:8080")
	require.NoError(t, os.Chtimes(path, future, future))

	reg.ReloadIfChanged()
	urls := make([]string, 0)
	for _, d := range reg.Snapshot() {
		urls = append(urls, d.URL)
	}
	assert.ElementsMatch(t, []string{"http://a.example.com:8080", "http://c.example.com:8080"}, urls)
}

func TestReloadIfChanged_EnvURLsSurviveFileRemoval(t *testing.T) {
	dir := t.TempDir()
	path := writeProxyFile(t, dir, "http://a.example.com:8080", "http://env.example.com:8080")

	reg := NewRegistry([]string{"http://env.example.com:8080"}, path, nil)
	require.Len(t, reg.Snapshot(), 2)

	future := time.Now().Add(time.Second)
	writeProxyFile(t, dir, "http://a.example.com:8080")
	// the rewritten file drops 'env'; being env-sourced, it must survive
	require.NoError(t, os.Chtimes(path, future, future))

	reg.ReloadIfChanged()
	urls := make([]string, 0)
	for _, d := range reg.Snapshot() {
		urls = append(urls, d.URL)
	}
	assert.ElementsMatch(t, []string{"http://a.example.com:8080", "http://env.example.com:8080"}, urls)
}

func TestReloadIfChanged_NoopWhenMtimeUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := writeProxyFile(t, dir, "http://a.example.com:8080")

	reg := NewRegistry(nil, path, nil)
	before := reg.Snapshot()

	reg.ReloadIfChanged()
	after := reg.Snapshot()

	require.Len(t, after, 1)
	assert.Same(t, before[0], after[0])
}
