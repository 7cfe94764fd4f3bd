// Package debug serves the optional diagnostics endpoint: liveness, a JSON
// status document and the net/http/pprof handlers.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"relaycast/internal/runtime/supervisor"
	logx "relaycast/pkg/logx"
)

// Config controls the diagnostics server.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
}

var ErrInsecureBind = errors.New("debug: non-loopback addr requires token or allow_insecure")

// StatusFunc returns the document served at /status. It must be safe to call
// from any goroutine.
type StatusFunc func() any

type Server struct {
	cfg    Config
	status StatusFunc
	log    logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
	sup *supervisor.Supervisor
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, status: status, log: log.With(logx.String("comp", "debug"))}
}

// Handler returns the routed handler with auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", wrap(func(w http.ResponseWriter, r *http.Request) {
		var doc any
		if s.status != nil {
			doc = s.status()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(doc)
	}))
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

// Start binds the listener and serves until Stop or ctx is done. It is a
// no-op when Addr is empty.
func (s *Server) Start(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		return nil
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			return fmt.Errorf("%w: %s", ErrInsecureBind, addr)
		}
		s.log.Warn("debug endpoint running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))

	s.mu.Lock()
	s.srv, s.ln, s.sup = srv, ln, sup
	s.mu.Unlock()

	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if c.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	sup.Go0("http.shutdown", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	s.log.Info("debug endpoint started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Addr returns the bound address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	sup.Cancel()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	return err
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
