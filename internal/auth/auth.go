// Package auth implements ProxyGuard's HMAC-based client authentication
// (spec.md §4.1): parsing either of two header envelopes from a raw CONNECT
// request block, then verifying a time-bounded HMAC-SHA256 signature.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxClockSkew is the widest tolerated gap between the server's wall clock
// and the client-supplied timestamp (spec.md §4.1).
const maxClockSkew = 300 * time.Second

var (
	reAuthHeader      = regexp.MustCompile(`(?i)x-pg-auth:\s*([^\r\n]+)`)
	reProxyAuthHeader = regexp.MustCompile(`(?i)Proxy-Authorization:\s*Basic\s+([^\r\n\s]+)`)
)

// Authenticator verifies ProxyGuard's signed client identity envelope.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// New constructs an Authenticator bound to the given HMAC key.
func New(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Parse scans a raw CONNECT request header block for either the x-pg-auth
// header or a Proxy-Authorization: Basic header, decoding the latter from
// base64. It returns ("", false) if neither is present or well-formed.
func (a *Authenticator) Parse(headerBlock []byte) (string, bool) {
	if m := reAuthHeader.FindSubmatch(headerBlock); m != nil {
		return strings.TrimSpace(string(m[1])), true
	}

	if m := reProxyAuthHeader.FindSubmatch(headerBlock); m != nil {
		decoded, err := base64.StdEncoding.DecodeString(string(m[1]))
		if err != nil {
			return "", false
		}
		return string(decoded), true
	}

	return "", false
}

// Verify checks the canonical "cid:ts:sig" envelope (or the degenerate
// two-colon Basic-auth shape "cid:ts:sig" split as user=cid, pass=ts:sig) and
// returns whether the signature is valid together with the client id, when
// known, even on failure.
func (a *Authenticator) Verify(authVal string) (valid bool, clientID string) {
	cid, ts, sig, ok := splitEnvelope(authVal)
	if !ok {
		return false, cid
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, cid
	}

	skew := a.now().Unix() - tsInt
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > maxClockSkew {
		return false, cid
	}

	expected := sign(a.secret, cid, ts)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return false, cid
	}

	return true, cid
}

// splitEnvelope splits the "cid:ts:sig" envelope. A Basic "user:pass"
// credential with user=cid and pass="ts:sig" decodes to the same three
// colon-separated fields and takes the same path. A value with a single colon
// has no separator between ts and sig and is rejected, still reporting cid.
func splitEnvelope(authVal string) (cid, ts, sig string, ok bool) {
	parts := strings.Split(authVal, ":")
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2], true
	case 2:
		cid = parts[0]
		tsSig := strings.SplitN(parts[1], ":", 2)
		if len(tsSig) != 2 {
			return cid, "", "", false
		}
		return cid, tsSig[0], tsSig[1], true
	default:
		return "", "", "", false
	}
}

// sign computes the lowercase hex HMAC-SHA256 over cid||ts using the service
// secret. The comparison against a client-supplied signature in Verify must
// remain constant-time.
func sign(secret []byte, cid, ts string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(cid))
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// BuildHeader constructs the x-pg-auth header value for a client identity and
// timestamp, used by tests and by any first-party client library.
func BuildHeader(secret, cid string, ts int64) string {
	tsStr := strconv.FormatInt(ts, 10)
	return cid + ":" + tsStr + ":" + sign([]byte(secret), cid, tsStr)
}

// requestLine matches "CONNECT <target> HTTP/1.1" at the start of a header
// block (spec.md §4.5 step 2).
var requestLine = regexp.MustCompile(`^CONNECT\s+(\S+)\s+HTTP/1\.1`)

// ParseConnectTarget extracts the CONNECT target from a raw header block, or
// ok=false if the block does not start with a CONNECT request line.
func ParseConnectTarget(headerBlock []byte) (target string, ok bool) {
	m := requestLine.FindSubmatch(headerBlock)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

var userAgentHeader = regexp.MustCompile(`(?i)User-Agent:\s*([^\r\n]+)`)

// ParseUserAgent extracts an optional User-Agent header value for forwarding
// to the upstream (spec.md §4.5 step 2).
func ParseUserAgent(headerBlock []byte) (string, bool) {
	m := userAgentHeader.FindSubmatch(headerBlock)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(string(m[1])), true
}

// HeaderDelimiter is the CRLFCRLF sequence terminating a header block.
var HeaderDelimiter = []byte("\r\n\r\n")

// HasDelimiter reports whether buf contains the header-block terminator.
func HasDelimiter(buf []byte) bool {
	return bytes.Contains(buf, HeaderDelimiter)
}
