package upstream

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry owns the set of upstream descriptors, loading from an env-sourced
// list and an optional file, and hot-reloading the file on mtime advance
// while preserving descriptor identity for unchanged URLs (spec.md §4.2).
type Registry struct {
	log *zap.Logger

	filePath string

	mu        sync.RWMutex
	proxies   []*Descriptor
	fileMtime time.Time
	envURLs   map[string]struct{}
}

// NewRegistry constructs a Registry from an env-sourced URL list and an
// optional file path, deduplicating by exact URL string and silently
// dropping malformed entries.
func NewRegistry(envList []string, filePath string, log *zap.Logger) *Registry {
	r := &Registry{
		log:      log,
		filePath: filePath,
		envURLs:  make(map[string]struct{}),
	}

	seen := make(map[string]struct{})
	var candidates []string

	for _, raw := range envList {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		r.envURLs[raw] = struct{}{}
		candidates = append(candidates, raw)
	}

	if filePath != "" {
		fileURLs := readURLFile(filePath, log)
		candidates = append(candidates, fileURLs...)
		if stat, err := os.Stat(filePath); err == nil {
			r.fileMtime = stat.ModTime()
		}
	}

	for _, raw := range candidates {
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}

		d, err := NewDescriptor(raw)
		if err != nil {
			if log != nil {
				log.Warn("dropping malformed upstream url", zap.String("url", raw), zap.Error(err))
			}
			continue
		}
		r.proxies = append(r.proxies, d)
	}

	if log != nil {
		log.Info("upstream registry initialized", zap.Int("count", len(r.proxies)))
	}

	return r
}

// NewRegistryFromDescriptors builds a Registry directly from already-built
// descriptors, bypassing URL parsing. Used by tests that need to pre-seed
// health/latency state before the selector or handler sees the pool.
func NewRegistryFromDescriptors(descriptors ...*Descriptor) *Registry {
	return &Registry{
		envURLs: make(map[string]struct{}),
		proxies: descriptors,
	}
}

// readURLFile reads one URL per line, ignoring blank lines and lines
// starting with '#' (spec.md §6.5). Any I/O error is swallowed and yields an
// empty list.
func readURLFile(path string, log *zap.Logger) []string {
	f, err := os.Open(path)
	if err != nil {
		if log != nil {
			log.Debug("upstream file not readable", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls
}

// Snapshot returns the current descriptor slice. Callers must not mutate the
// returned slice; descriptors themselves are safe for concurrent use.
func (r *Registry) Snapshot() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, len(r.proxies))
	copy(out, r.proxies)
	return out
}

// SnapshotViews renders the public, serializable view of every descriptor
// (used by the operator HTTP API's /api/proxies route).
func (r *Registry) SnapshotViews() []Snapshot {
	proxies := r.Snapshot()
	out := make([]Snapshot, len(proxies))
	for i, p := range proxies {
		out[i] = p.Snapshot()
	}
	return out
}

// ReloadIfChanged re-reads the upstream file if its mtime has strictly
// advanced since the last read, reusing existing descriptor objects (and
// therefore their health state and counters) for URLs that are still
// present, and re-appending any env-sourced descriptor the file no longer
// mentions. Any I/O error leaves the previous set active.
func (r *Registry) ReloadIfChanged() {
	if r.filePath == "" {
		return
	}

	stat, err := os.Stat(r.filePath)
	if err != nil {
		return
	}

	r.mu.RLock()
	unchanged := !stat.ModTime().After(r.fileMtime)
	r.mu.RUnlock()
	if unchanged {
		return
	}

	urls := readURLFile(r.filePath, r.log)

	r.mu.Lock()
	defer r.mu.Unlock()

	existingByURL := make(map[string]*Descriptor, len(r.proxies))
	for _, p := range r.proxies {
		existingByURL[p.URL] = p
	}

	seen := make(map[string]struct{})
	var next []*Descriptor

	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}

		if existing, ok := existingByURL[u]; ok {
			next = append(next, existing)
			continue
		}
		d, err := NewDescriptor(u)
		if err != nil {
			if r.log != nil {
				r.log.Warn("dropping malformed upstream url on reload", zap.String("url", u), zap.Error(err))
			}
			continue
		}
		next = append(next, d)
	}

	// env-sourced entries are never removed by file edits
	for _, p := range r.proxies {
		if _, fromEnv := r.envURLs[p.URL]; fromEnv {
			if _, stillSeen := seen[p.URL]; !stillSeen {
				next = append(next, p)
				seen[p.URL] = struct{}{}
			}
		}
	}

	delta := len(next) - len(r.proxies)
	r.proxies = next
	r.fileMtime = stat.ModTime()

	if r.log != nil {
		r.log.Info("upstream registry reloaded",
			zap.Int("count", len(r.proxies)),
			zap.Int("delta", delta),
		)
	}
}
