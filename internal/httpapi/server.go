package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
)

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AllowInsecure permits a non-loopback bind without a cron token.
	AllowInsecure bool
}

const DefaultAddr = "127.0.0.1:8080"

// Server owns the listener for one handler. Serve is meant to run under
// supervisor.GoRestart so a crashed listener comes back.
type Server struct {
	cfg     ServerConfig
	handler http.Handler
	secured bool
	log     logx.Logger

	mu   sync.Mutex
	addr string
}

// NewServer builds a server for h. secured reports whether the sensitive
// routes require a token.
func NewServer(cfg ServerConfig, h http.Handler, secured bool, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, handler: h, secured: secured, log: log.With(logx.String("comp", "http"))}
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens until ctx ends. It returns context.Canceled on a requested stop.
func (s *Server) Serve(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if !s.secured && !s.cfg.AllowInsecure && !isLoopbackAddr(addr) {
		s.log.Error("http refused to start: non-loopback addr requires a cron token or allow_insecure", logx.String("addr", addr))
		return errors.New("http refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return errors.Wrapf(err, "listen %s", addr)
	}
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-serveCtx.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(cctx); err != nil {
			_ = srv.Close()
		}
	}()

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.secured))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		s.log.Info("http stopped")
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		// ":8080" binds every interface.
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
