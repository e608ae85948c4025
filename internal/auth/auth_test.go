package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_XPGAuthHeader(t *testing.T) {
	a := New("secret")
	block := []byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\nx-pg-auth: client1:1700000000:abcdef\r\n\r\n")

	val, ok := a.Parse(block)
	require.True(t, ok)
	assert.Equal(t, "client1:1700000000:abcdef", val)
}

func TestParse_ProxyAuthorizationBasic(t *testing.T) {
	a := New("secret")
	encoded := base64.StdEncoding.EncodeToString([]byte("client1:1700000000:abcdef"))
	block := []byte("CONNECT example.com:443 HTTP/1.1\r\nProxy-Authorization: Basic " + encoded + "\r\n\r\n")

	val, ok := a.Parse(block)
	require.True(t, ok)
	assert.Equal(t, "client1:1700000000:abcdef", val)
}

func TestParse_Missing(t *testing.T) {
	a := New("secret")
	_, ok := a.Parse([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	assert.False(t, ok)
}

func TestVerify_RoundTrip(t *testing.T) {
	a := New("secret")
	a.now = func() time.Time { return time.Unix(1700000000, 0) }

	header := BuildHeader("secret", "client1", 1700000000)
	valid, cid := a.Verify(header)

	assert.True(t, valid)
	assert.Equal(t, "client1", cid)
}

func TestVerify_DegenerateBasicForm(t *testing.T) {
	a := New("secret")
	a.now = func() time.Time { return time.Unix(1700000000, 0) }

	// A Basic credential with user=cid and pass="ts:sig" decodes to
	// "cid:ts:sig" (two colons in total); Verify must accept that shape.
	sig := sign([]byte("secret"), "client1", "1700000000")
	valid, cid := a.Verify("client1:1700000000:" + sig)
	assert.True(t, valid)
	assert.Equal(t, "client1", cid)
}

func TestVerify_WrongSignature(t *testing.T) {
	a := New("secret")
	a.now = func() time.Time { return time.Unix(1700000000, 0) }

	valid, _ := a.Verify("client1:1700000000:deadbeef")
	assert.False(t, valid)
}

func TestVerify_ClockSkewBoundary(t *testing.T) {
	a := New("secret")
	a.now = func() time.Time { return time.Unix(1700000000, 0) }

	// exactly at the 300s boundary: still valid
	atBoundary := BuildHeader("secret", "client1", 1700000000-300)
	valid, _ := a.Verify(atBoundary)
	assert.True(t, valid)

	// one second past the boundary: rejected
	pastBoundary := BuildHeader("secret", "client1", 1700000000-301)
	valid, _ = a.Verify(pastBoundary)
	assert.False(t, valid)
}

func TestParseConnectTarget(t *testing.T) {
	target, ok := ParseConnectTarget([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.True(t, ok)
	assert.Equal(t, "example.com:443", target)

	_, ok = ParseConnectTarget([]byte("GET / HTTP/1.1\r\n\r\n"))
	assert.False(t, ok)
}

func TestParseUserAgent(t *testing.T) {
	ua, ok := ParseUserAgent([]byte("CONNECT x:443 HTTP/1.1\r\nUser-Agent: curl/8.0\r\n\r\n"))
	require.True(t, ok)
	assert.Equal(t, "curl/8.0", ua)
}

func TestHasDelimiter(t *testing.T) {
	assert.True(t, HasDelimiter([]byte("a\r\n\r\n")))
	assert.False(t, HasDelimiter([]byte("a\r\n")))
}
