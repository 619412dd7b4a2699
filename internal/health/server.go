// Package health runs the optional liveness listener.
//
// Some hosts only keep a process alive while it answers HTTP; the listener
// exists for them and for scraping metrics. It never touches poller state
// other than through the Status snapshot function.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "canvasbot/internal/runtime/supervisor"
	logx "canvasbot/pkg/logx"
)

const defaultAddr = ":8080"

type Config struct {
	Enabled bool
	Addr    string
	// Metrics mounts /metrics when a handler is provided.
	Metrics bool
}

// StatusFunc returns a JSON-encodable snapshot for /healthz.
type StatusFunc func() any

type Server struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	status StatusFunc
	recent StatusFunc
	prom   http.Handler

	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, log logx.Logger, status StatusFunc, metrics http.Handler) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log.With(logx.String("comp", "health")), status: status, prom: metrics}
}

// SetRecent adds a "recent" entry to /healthz, typically the latest deliveries.
func (s *Server) SetRecent(fn StatusFunc) {
	s.mu.Lock()
	s.recent = fn
	s.mu.Unlock()
}

// Handler builds the mux; exposed for tests.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	withMetrics := s.cfg.Metrics && s.prom != nil
	recent := s.recent
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok", "time": time.Now().UTC()}
		if s.status != nil {
			body["poller"] = s.status()
		}
		if recent != nil {
			body["recent"] = recent()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	if withMetrics {
		mux.Handle("/metrics", s.prom)
	}
	return mux
}

// Start serves in the background until ctx is done or Stop is called.
// Listen failures are retried with backoff. Start is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("health.serve", s.serve, 500*time.Millisecond, 10*time.Second)
}

// Addr is the bound listen address, empty until serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
	s.log.Info("health listener stopped")
}

func (s *Server) serve(ctx context.Context) error {
	s.mu.Lock()
	addr := strings.TrimSpace(s.cfg.Addr)
	s.mu.Unlock()
	if addr == "" {
		addr = defaultAddr
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("health listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("health listener started", logx.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err = srv.Serve(ln)
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("health server exited unexpectedly")
	}
	return err
}
