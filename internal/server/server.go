// Package server owns the process: the gateway listener, the admin
// listener, background DNS refresh and the config watcher. Everything it
// starts is torn down when the context given to Run is cancelled.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/fabian4/lfs-gateway/internal/accesslog"
	"github.com/fabian4/lfs-gateway/internal/config"
	fwd "github.com/fabian4/lfs-gateway/internal/forward"
	"github.com/fabian4/lfs-gateway/internal/handler"
	"github.com/fabian4/lfs-gateway/internal/metrics"
	"github.com/fabian4/lfs-gateway/internal/ratelimit"
	"github.com/fabian4/lfs-gateway/internal/resolver"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultDebounce        = 500 * time.Millisecond
)

type Options struct {
	Config *config.Config
	// ConfigPath enables hot reload when set.
	ConfigPath string
	// Resolver overrides the resolver built from the dns block.
	Resolver  resolver.Resolver
	Transport fwd.Options
	// AccessLog overrides the destination named by access_log.path.
	AccessLog       io.WriteCloser
	Logger          *slog.Logger
	Debounce        time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	opts    Options
	log     *slog.Logger
	cfg     atomic.Pointer[config.Config]
	metrics *metrics.Registry
	limiter *ratelimit.Limiter
	gw      *handler.Gateway
	al      *accesslog.Logger
	alOut   io.WriteCloser

	httpSrv  *http.Server
	adminSrv *http.Server

	mu       sync.Mutex
	ln       net.Listener
	adminLn  net.Listener
	runCtx   context.Context
	reloadMu sync.Mutex
}

// New builds the initial runtime and both HTTP servers without listening.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == (fwd.Options{}) {
		opts.Transport = fwd.DefaultOptions()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg := opts.Config

	s := &Server{
		opts:    opts,
		log:     opts.Logger,
		metrics: metrics.NewRegistry(),
		limiter: ratelimit.NewLimiter(),
		runCtx:  context.Background(),
	}
	s.cfg.Store(cfg)

	s.alOut = opts.AccessLog
	if s.alOut == nil {
		out, err := accesslog.Open(cfg.AccessLog.Path)
		if err != nil {
			return nil, err
		}
		s.alOut = out
	}
	s.al = accesslog.New(s.alOut, accesslog.Options{
		Sampling: cfg.AccessLog.Sampling,
		Fields:   cfg.AccessLog.Fields,
		Buffer:   cfg.AccessLog.Buffer,
		Metrics:  s.metrics,
		Logger:   s.log,
	})

	rt, err := s.newRuntime(cfg)
	if err != nil {
		_ = s.al.Close()
		_ = s.alOut.Close()
		return nil, err
	}
	s.gw = handler.NewGateway(rt, s.al, s.metrics, s.log)

	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.gw,
		ReadTimeout:       cfg.Timeouts.Read,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader,
		WriteTimeout:      cfg.Timeouts.Write,
		IdleTimeout:       cfg.Timeouts.Idle,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	if cfg.TLS.Enabled {
		tc, err := serverTLSConfig(cfg.TLS)
		if err != nil {
			_ = s.al.Close()
			_ = s.alOut.Close()
			return nil, err
		}
		s.httpSrv.TLSConfig = tc
	}
	if cfg.Admin.Address != "" {
		s.adminSrv = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

func (s *Server) newRuntime(cfg *config.Config) (*handler.Runtime, error) {
	return handler.NewRuntime(cfg, handler.RuntimeOptions{
		Resolver:  s.opts.Resolver,
		Transport: s.opts.Transport,
		Limiter:   s.limiter,
		Metrics:   s.metrics,
		Logger:    s.log,
	})
}

func serverTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	for _, kp := range c.Certificates {
		cert, err := tls.LoadX509KeyPair(kp.CertFile, kp.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load %s: %w", kp.CertFile, err)
		}
		tc.Certificates = append(tc.Certificates, cert)
	}
	return tc, nil
}

// Gateway returns the request handler.
func (s *Server) Gateway() *handler.Gateway { return s.gw }

// Metrics returns the process metrics registry.
func (s *Server) Metrics() *metrics.Registry { return s.metrics }

// Config returns the configuration currently in effect.
func (s *Server) Config() *config.Config { return s.cfg.Load() }

// Listen binds the gateway and admin listeners. Run calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpSrv.Addr, err)
	}
	if s.adminSrv != nil {
		aln, err := net.Listen("tcp", s.adminSrv.Addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("admin listen %s: %w", s.adminSrv.Addr, err)
		}
		s.adminLn = aln
	}
	s.ln = ln
	return nil
}

// Addr is the bound gateway address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// AdminAddr is the bound admin address, nil when disabled or before Listen.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Run serves until ctx is cancelled or a listener fails, then shuts
// everything down and returns the combined errors.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.gw.Runtime().Start(ctx)

	errCh := make(chan error, 2)
	go func() {
		var err error
		if s.httpSrv.TLSConfig != nil {
			err = s.httpSrv.ServeTLS(s.ln, "", "")
		} else {
			err = s.httpSrv.Serve(s.ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	if s.adminSrv != nil {
		go func() {
			if err := s.adminSrv.Serve(s.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin: %w", err)
			}
		}()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	var watchWG sync.WaitGroup
	if s.opts.ConfigPath != "" {
		watchWG.Add(1)
		go func() {
			defer watchWG.Done()
			s.watchWithRestart(watchCtx)
		}()
	}

	cfg := s.cfg.Load()
	s.log.Info("gateway listening",
		"address", s.ln.Addr().String(), "tls", cfg.TLS.Enabled,
		"routes", len(cfg.Routes), "clusters", len(cfg.Clusters))
	if s.adminLn != nil {
		s.log.Info("admin listening", "address", s.adminLn.Addr().String())
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		s.log.Error("server failed", "error", runErr)
	}

	stopWatch()
	watchWG.Wait()
	return multierr.Append(runErr, s.shutdown())
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	var err error
	err = multierr.Append(err, s.httpSrv.Shutdown(ctx))
	if s.adminSrv != nil {
		err = multierr.Append(err, s.adminSrv.Shutdown(ctx))
	}
	s.gw.Runtime().Stop()
	err = multierr.Append(err, s.al.Close())
	err = multierr.Append(err, s.alOut.Close())
	return err
}

// Reload loads ConfigPath and swaps in a runtime built from it. On any error
// the current runtime stays in place.
func (s *Server) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	err := s.reload()
	s.metrics.IncReload(err == nil)
	if err != nil {
		s.log.Error("config reload failed, keeping current configuration", "path", s.opts.ConfigPath, "error", err)
		return err
	}
	return nil
}

func (s *Server) reload() error {
	cfg, err := config.Load(s.opts.ConfigPath)
	if err != nil {
		return err
	}
	rt, err := s.newRuntime(cfg)
	if err != nil {
		return err
	}
	old := s.cfg.Load()
	if cfg.Listen != old.Listen || cfg.Admin.Address != old.Admin.Address || cfg.TLS.Enabled != old.TLS.Enabled {
		s.log.Warn("listener settings changed; restart to apply",
			"listen", cfg.Listen, "admin", cfg.Admin.Address, "tls", cfg.TLS.Enabled)
	}

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	rt.Start(runCtx)

	prev := s.gw.Swap(rt)
	prev.Stop()
	s.al.Configure(cfg.AccessLog.Sampling, cfg.AccessLog.Fields)
	s.cfg.Store(cfg)
	s.log.Info("configuration reloaded", "routes", len(cfg.Routes), "clusters", len(cfg.Clusters))
	return nil
}
