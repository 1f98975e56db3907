// Package server manages the lifecycle of the bulkupsert HTTP server: signal
// handling, draining in-flight upserts, and closing resources in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ErrShuttingDown is returned by readiness checks once shutdown has started.
var ErrShuttingDown = errors.New("server is shutting down")

const drainPoll = 20 * time.Millisecond

// ShutdownManager admits upserts until shutdown starts, then waits for the
// admitted ones to commit or roll back before closing the registered
// resources in reverse registration order.
type ShutdownManager struct {
	timeout      time.Duration
	drainTimeout time.Duration
	logger       *zap.Logger

	stopping atomic.Bool
	inFlight atomic.Int64
	stopCh   chan struct{}

	once sync.Once
	err  error

	mu      sync.Mutex
	closers []io.Closer
}

// ShutdownConfig bounds the phases of shutdown.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight upserts. Default: 15 seconds
	DrainTimeout time.Duration
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig, logger *zap.Logger) *ShutdownManager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &ShutdownManager{
		timeout:      cfg.ShutdownTimeout,
		drainTimeout: cfg.DrainTimeout,
		logger:       logger.Named("shutdown"),
		stopCh:       make(chan struct{}),
	}
}

// RegisterCloser adds c to the resources closed on shutdown. The last
// registered closer is closed first.
func (sm *ShutdownManager) RegisterCloser(c io.Closer) {
	sm.mu.Lock()
	sm.closers = append(sm.closers, c)
	sm.mu.Unlock()
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx is done, or
// shutdown is started elsewhere, and then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var reason string
	select {
	case sig := <-sigCh:
		reason = "signal " + sig.String()
	case <-ctx.Done():
		reason = "context done"
	case <-sm.stopCh:
	}
	return sm.Shutdown(context.Background(), reason)
}

// Shutdown stops admitting upserts, drains the admitted ones and closes all
// registered resources. Later calls wait for nothing and return the result
// of the first.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.once.Do(func() {
		sm.stopping.Store(true)
		close(sm.stopCh)
		sm.logger.Info("shutting down",
			zap.String("reason", reason), zap.Int64("in_flight", sm.InFlight()))

		ctx, cancel := context.WithTimeout(ctx, sm.timeout)
		defer cancel()

		var errs []error
		if err := sm.drain(ctx); err != nil {
			errs = append(errs, err)
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				errs = append(errs, fmt.Errorf("close failed: %w", err))
			}
		}

		sm.err = errors.Join(errs...)
		if sm.err != nil {
			sm.logger.Warn("shutdown finished with errors", zap.Error(sm.err))
		} else {
			sm.logger.Info("shutdown complete")
		}
	})
	return sm.err
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for sm.InFlight() > 0 {
		select {
		case <-ctx.Done():
			if n := sm.InFlight(); n > 0 {
				return fmt.Errorf("drain failed: %d upserts still in flight", n)
			}
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Admit counts one more in-flight upsert. It reports false once shutdown has
// started; the caller must then reject the upsert. Every admitted upsert
// must call Release.
func (sm *ShutdownManager) Admit() bool {
	sm.inFlight.Add(1)
	if sm.stopping.Load() {
		sm.inFlight.Add(-1)
		return false
	}
	return true
}

// Release ends an upsert admitted by Admit.
func (sm *ShutdownManager) Release() { sm.inFlight.Add(-1) }

// InFlight returns the number of admitted upserts that have not been released.
func (sm *ShutdownManager) InFlight() int64 { return sm.inFlight.Load() }

// Stopping reports whether shutdown has started.
func (sm *ShutdownManager) Stopping() bool { return sm.stopping.Load() }

// Done is closed when shutdown starts.
func (sm *ShutdownManager) Done() <-chan struct{} { return sm.stopCh }

// ReadinessCheck fails once shutdown has started, so that load balancers
// stop routing upserts here.
func (sm *ShutdownManager) ReadinessCheck() error {
	if sm.Stopping() {
		return ErrShuttingDown
	}
	return nil
}

// AdmitUpserts rejects requests with 503 once shutdown has started and holds
// shutdown back until admitted requests finish.
func AdmitUpserts(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.Admit() {
				w.Header().Set("Connection", "close")
				w.Header().Set("Retry-After", "5")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"error":    ErrShuttingDown.Error(),
					"category": "UNAVAILABLE",
				})
				return
			}
			defer sm.Release()
			next.ServeHTTP(w, r)
		})
	}
}

// HTTPServer serves an http.Server until the shutdown manager closes it.
type HTTPServer struct {
	srv *http.Server
}

// NewHTTPServer registers srv with sm. On shutdown srv stops accepting
// connections and waits for active ones up to the shutdown timeout.
func NewHTTPServer(srv *http.Server, sm *ShutdownManager) *HTTPServer {
	sm.RegisterCloser(CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}))
	return &HTTPServer{srv: srv}
}

// Serve accepts connections on l. It returns nil when the server was shut
// down.
func (s *HTTPServer) Serve(l net.Listener) error {
	if err := s.srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }
