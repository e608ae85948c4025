// Package handler implements the per-client connection state machine
// (spec.md §4.5): read headers, authenticate, select/dial/handshake with
// retries, reply 200, then relay bytes bidirectionally until either side
// closes.
package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/proxyguard/proxyguard/internal/auth"
	"github.com/proxyguard/proxyguard/internal/metrics"
	"github.com/proxyguard/proxyguard/internal/selector"
	"github.com/proxyguard/proxyguard/internal/upstream"
)

const (
	maxHeaderSize   = 16 * 1024
	readChunkSize   = 8 * 1024
	maxUpstreamResp = 16 * 1024
)

// Config bundles the runtime tunables the handler needs on every connection.
type Config struct {
	EnableAuth     bool
	MaxRetries     int
	ConnectTimeout time.Duration
	BufferSize     int
	LogSampleRate  int
}

// Handler services one accepted client connection at a time. A single
// Handler value is shared by every goroutine handling a connection; all of
// its mutable state is either immutable config or already-synchronized
// collaborators.
type Handler struct {
	cfg      Config
	authn    *auth.Authenticator
	selector *selector.Selector
	metrics  *metrics.Registry
	log      *zap.Logger

	activeConnections atomic.Int64
	logCounter        atomic.Uint64
}

// New constructs a Handler.
func New(cfg Config, authn *auth.Authenticator, sel *selector.Selector, reg *metrics.Registry, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, authn: authn, selector: sel, metrics: reg, log: log}
}

// ActiveConnections returns the number of client connections currently being
// handled, established tunnels and connections still before the 200 reply
// alike (spec.md §5).
func (h *Handler) ActiveConnections() int64 { return h.activeConnections.Load() }

// Handle drives one client connection through the full state machine. It
// never panics or propagates an error past this call; every error path
// converges on a reply (when possible) followed by closing conn.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	setFastSocket(conn)

	tunnelID := uuid.NewString()
	log := h.log.With(zap.String("tunnel", tunnelID))

	h.activeConnections.Add(1)
	h.metrics.SetGauge(metrics.MetricActiveConnections, "current active client connections", nil, float64(h.activeConnections.Load()))

	var chosen *upstream.Descriptor
	var upstreamConn net.Conn
	defer func() {
		h.activeConnections.Add(-1)
		h.metrics.SetGauge(metrics.MetricActiveConnections, "current active client connections", nil, float64(h.activeConnections.Load()))
		if chosen != nil {
			chosen.ReleaseConnection()
		}
		var closeErr error
		closeErr = multierr.Append(closeErr, conn.Close())
		if upstreamConn != nil {
			closeErr = multierr.Append(closeErr, upstreamConn.Close())
		}
		if closeErr != nil {
			log.Debug("teardown close error", zap.Error(closeErr))
		}
	}()

	headerBlock, ok := h.readHeaders(conn, log)
	if !ok {
		return
	}

	target, ok := auth.ParseConnectTarget(headerBlock)
	if !ok {
		writeStatus(conn, "405 Method Not Allowed")
		return
	}
	userAgent, _ := auth.ParseUserAgent(headerBlock)

	clientID := "unknown"
	if h.cfg.EnableAuth {
		cid, authed := h.authenticate(headerBlock, log)
		if cid != "" {
			clientID = cid
		}
		if !authed {
			writeProxyAuthRequired(conn)
			return
		}
	}

	chosen, upstreamConn = h.selectDialHandshake(ctx, clientID, target, userAgent, conn, log)
	if upstreamConn == nil {
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		log.Debug("failed writing 200 to client", zap.Error(err))
		return
	}

	h.metrics.Inc(metrics.MetricTunnels, "established tunnels", prometheus.Labels{"client": clientID})
	if h.shouldSampleLog() {
		log.Info("tunnel sample", zap.String("client", clientID), zap.String("dst", target), zap.String("proxy", chosen.Host))
	}

	h.relay(ctx, conn, upstreamConn, chosen, log)
}

// readHeaders accumulates bytes until the CRLFCRLF delimiter appears,
// replying 413 and returning ok=false if the buffer grows past 16 KiB first,
// and silently closing on EOF before the delimiter (spec.md §4.5 step 1).
func (h *Handler) readHeaders(conn net.Conn, log *zap.Logger) ([]byte, bool) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)

	for !auth.HasDelimiter(buf.Bytes()) {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if buf.Len() > maxHeaderSize && !auth.HasDelimiter(buf.Bytes()) {
			writeStatus(conn, "413 Payload Too Large")
			return nil, false
		}
		if err != nil {
			return nil, false
		}
	}

	return buf.Bytes(), true
}

func (h *Handler) authenticate(headerBlock []byte, log *zap.Logger) (clientID string, ok bool) {
	authVal, found := h.authn.Parse(headerBlock)
	if !found {
		log.Warn("auth header missing")
		return "", false
	}
	valid, cid := h.authn.Verify(authVal)
	if !valid {
		log.Warn("auth verification failed", zap.String("client", cid))
		return cid, false
	}
	return cid, true
}

// selectDialHandshake drives the select/dial/handshake retry loop (spec.md
// §4.5 step 4). On total failure it writes the appropriate error status to
// conn and returns a nil upstreamConn.
func (h *Handler) selectDialHandshake(ctx context.Context, clientID, target, userAgent string, conn net.Conn, log *zap.Logger) (*upstream.Descriptor, net.Conn) {
	var tried []*upstream.Descriptor
	var lastErr error
	firstAttempt := true

	for attempt := 0; attempt < h.cfg.MaxRetries; attempt++ {
		chosen := h.selector.Select(int(h.activeConnections.Load()), clientID, tried)
		if chosen == nil {
			if firstAttempt {
				writeStatus(conn, "503 Service Unavailable")
			} else if isTimeout(lastErr) {
				writeStatus(conn, "504 Gateway Timeout")
			} else {
				writeStatus(conn, "502 Bad Gateway")
			}
			return nil, nil
		}
		firstAttempt = false

		chosen.OnSelected()

		usConn, err := h.tryUpstream(ctx, chosen, target, userAgent)
		if err == nil {
			chosen.RecordSuccess()
			return chosen, usConn
		}

		lastErr = err
		log.Error("upstream connection failed",
			zap.String("proxy", chosen.Host),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", h.cfg.MaxRetries),
			zap.Error(err),
		)
		chosen.ReleaseConnection()
		chosen.RecordFailure()
		h.metrics.Inc(metrics.MetricUpstreamFailuresTotal, "failed upstream dial/handshake attempts", prometheus.Labels{"proxy": chosen.Host})
		tried = append(tried, chosen)
	}

	if isTimeout(lastErr) {
		writeStatus(conn, "504 Gateway Timeout")
	} else {
		writeStatus(conn, "502 Bad Gateway")
	}
	return nil, nil
}

func isTimeout(err error) bool {
	var dialErr *upstream.DialError
	return errors.As(err, &dialErr) && dialErr.Timeout
}

// tryUpstream performs the upstream CONNECT handshake (spec.md §4.5 step 4,
// §6.2). Success requires the substring "200" in the first response line —
// deliberately lenient, kept exactly per spec.md §9.
func (h *Handler) tryUpstream(ctx context.Context, node *upstream.Descriptor, target, userAgent string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: h.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", node.Host, node.Port))
	if err != nil {
		if isNetTimeout(err) {
			return nil, upstream.NewTimeoutError(err)
		}
		return nil, upstream.NewDialError(err)
	}
	setFastSocket(conn)

	req := "CONNECT " + target + " HTTP/1.1\r\n" +
		"Host: " + target + "\r\n"
	if userAgent != "" {
		req += "User-Agent: " + userAgent + "\r\n"
	}
	req += "Proxy-Connection: Keep-Alive\r\n"
	if node.BasicCredential != "" {
		req += "Proxy-Authorization: Basic " + node.BasicCredential + "\r\n"
	}
	req += "\r\n"

	if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.ConnectTimeout)); err != nil {
		conn.Close()
		return nil, upstream.NewDialError(err)
	}
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		if isNetTimeout(err) {
			return nil, upstream.NewTimeoutError(err)
		}
		return nil, upstream.NewDialError(err)
	}

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for !bytes.Contains(buf.Bytes(), []byte("\r\n\r\n")) {
		if err := conn.SetReadDeadline(time.Now().Add(h.cfg.ConnectTimeout)); err != nil {
			conn.Close()
			return nil, upstream.NewDialError(err)
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			conn.Close()
			if errors.Is(err, io.EOF) {
				return nil, upstream.NewDialError(errors.New("upstream closed connection"))
			}
			if isNetTimeout(err) {
				return nil, upstream.NewTimeoutError(err)
			}
			return nil, upstream.NewDialError(err)
		}
		if buf.Len() > maxUpstreamResp {
			conn.Close()
			return nil, upstream.NewDialError(errors.New("upstream response headers too large"))
		}
	}

	firstLine := buf.Bytes()
	if idx := bytes.IndexAny(firstLine, "\r\n"); idx >= 0 {
		firstLine = firstLine[:idx]
	}
	if !bytes.Contains(firstLine, []byte("200")) {
		conn.Close()
		return nil, upstream.NewDialError(fmt.Errorf("upstream refused: %s", firstLine))
	}

	// Clear deadlines; the relay phase manages its own cancellation.
	_ = conn.SetDeadline(time.Time{})

	return conn, nil
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// relay launches the two byte pumps and tears both down as soon as either
// finishes (spec.md §4.5 step 7, §5 cancellation).
func (h *Handler) relay(ctx context.Context, client, up net.Conn, chosen *upstream.Descriptor, log *zap.Logger) {
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)

	go func() {
		h.pump(relayCtx, up, client, func(n int64) {
			chosen.AddBytesSent(n)
			h.metrics.IncBy(metrics.MetricBytesTotal, "bytes relayed through tunnels", prometheus.Labels{"direction": "up"}, float64(n))
		})
		done <- struct{}{}
	}()

	go func() {
		h.pump(relayCtx, client, up, func(n int64) {
			chosen.AddBytesReceived(n)
			h.metrics.IncBy(metrics.MetricBytesTotal, "bytes relayed through tunnels", prometheus.Labels{"direction": "down"}, float64(n))
		})
		done <- struct{}{}
	}()

	<-done // first finisher
	cancel()
	forceDeadline(client)
	forceDeadline(up)
	<-done // await the loser's termination
}

// pump copies from src to dst in BufferSize chunks until EOF, error, or
// ctx cancellation forces the underlying deadline into the past.
func (h *Handler) pump(ctx context.Context, dst io.Writer, src net.Conn, onData func(int64)) {
	buf := make([]byte, h.cfg.BufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			onData(int64(n))
		}
		if err != nil {
			return
		}
	}
}

// forceDeadline nudges a net.Conn's deadline into the past so a blocking
// Read/Write returns promptly — the idiomatic substitute for cancelling a
// goroutine blocked on a syscall (spec.md §5).
func forceDeadline(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(-time.Second))
}

func setFastSocket(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)
	_ = tcpConn.SetKeepAlive(true)
}

func writeStatus(conn net.Conn, statusLine string) {
	_, _ = conn.Write([]byte("HTTP/1.1 " + statusLine + "\r\n\r\n"))
}

func writeProxyAuthRequired(conn net.Conn) {
	_, _ = conn.Write([]byte(
		"HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Proxy-Authenticate: Basic realm=\"ProxyGuard\"\r\n\r\n",
	))
}

// shouldSampleLog is a deterministic modulo sampler over an atomic counter
// (spec.md §9's "_LOG_COUNTER as a global modulo counter").
func (h *Handler) shouldSampleLog() bool {
	if h.cfg.LogSampleRate <= 0 {
		return false
	}
	n := h.logCounter.Add(1)
	return n%uint64(h.cfg.LogSampleRate) == 0
}

