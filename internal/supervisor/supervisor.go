// Package supervisor starts the CONNECT listener and the background health
// loop, and drains in-flight tunnels on shutdown (spec.md §4.6).
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/proxyguard/proxyguard/internal/config"
	"github.com/proxyguard/proxyguard/internal/handler"
)

// acceptBacklogLimit is a generous backstop on concurrently-accepted client
// connections, a concrete resource bound for spec.md §5's "task count is
// bounded by pool_size" model.
const acceptBacklogLimit = 8192

// drainTimeout is how long shutdown waits for active_client_count to reach 0
// (spec.md §4.6).
const drainTimeout = 30 * time.Second

// Supervisor owns the proxy listener, the operator HTTP server, and the
// background health loop, and coordinates their shutdown.
type Supervisor struct {
	ProxyPort    int
	ConnHandler  *handler.Handler
	OperatorAddr string
	OperatorMux  http.Handler
	HealthLoop   func(ctx context.Context)
	Log          *zap.Logger
}

// Run starts the listener, the operator HTTP server, and the health loop,
// and blocks until ctx is cancelled or a terminate/interrupt signal arrives,
// at which point it stops accepting and drains in-flight tunnels for up to
// drainTimeout before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.ProxyPort))
	if err != nil {
		return fmt.Errorf("listen on proxy port %d: %w", s.ProxyPort, err)
	}
	listener = netutil.LimitListener(listener, acceptBacklogLimit)

	operatorServer := &http.Server{Addr: s.OperatorAddr, Handler: s.OperatorMux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.acceptLoop(gctx, listener)
	})

	g.Go(func() error {
		s.HealthLoop(gctx)
		return nil
	})

	g.Go(func() error {
		s.Log.Info("starting operator API", zap.String("addr", s.OperatorAddr))
		err := operatorServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("operator server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.Log.Info("shutdown signal received, draining connections...")
		_ = listener.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = operatorServer.Shutdown(shutdownCtx)

		s.drain()
		return nil
	})

	<-ctx.Done()
	s.drain()

	return g.Wait()
}

// acceptLoop accepts client connections and hands each to the handler in its
// own goroutine until the listener is closed or ctx is cancelled. Handlers
// get a context that shutdown does not cancel, so in-flight tunnels keep
// relaying while Run drains them.
func (s *Supervisor) acceptLoop(ctx context.Context, listener net.Listener) error {
	s.Log.Info("proxy listener started", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if isClosedErr(err) {
				return nil
			}
			s.Log.Warn("accept error", zap.Error(err))
			continue
		}

		go s.ConnHandler.Handle(context.WithoutCancel(ctx), conn)
	}
}

// drain waits until active connections reach zero or drainTimeout elapses.
func (s *Supervisor) drain() {
	s.Log.Info("waiting for active connections to drain...")
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if s.ConnHandler.ActiveConnections() <= 0 {
			break
		}
		time.Sleep(1 * time.Second)
	}
	s.Log.Info("shutdown complete")
}

func isClosedErr(err error) bool {
	return err != nil && (err.Error() == "use of closed network connection" ||
		os.IsTimeout(err))
}

// CircuitBreakerThreshold re-exports config.CircuitBreakerThreshold for
// callers that only import supervisor; kept as a thin alias rather than a
// second source of truth.
const CircuitBreakerThreshold = config.CircuitBreakerThreshold
