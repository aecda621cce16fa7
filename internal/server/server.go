package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"vigil/internal/config"
	"vigil/internal/governance"
	"vigil/internal/logging"
)

// Server owns the transports over one governance service.
type Server struct {
	cfg *config.Config
	svc *governance.Service
	reg *Registry
	sem *semaphore.Weighted

	listener net.Listener
}

// New wires the registry and transports. Call Listen before Run so bind
// failures surface before the process reports ready.
func New(cfg *config.Config, svc *governance.Service) *Server {
	reg := NewRegistry()
	registerAll(reg, svc)

	max := int64(cfg.Server.MaxConcurrent)
	if max < 1 {
		max = 1
	}
	return &Server{
		cfg: cfg,
		svc: svc,
		reg: reg,
		sem: semaphore.NewWeighted(max),
	}
}

// Registry exposes the dispatch table; the stdio transport and tests share it.
func (s *Server) Registry() *Registry { return s.reg }

// Listen binds the configured address. Kept separate from Run so the caller
// can map a bind failure onto its own exit code.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.listener = ln
	logging.Server("Listening on %s", ln.Addr())
	return nil
}

// Addr reports the bound address; empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run serves HTTP until the context ends, then drains in-flight requests.
// Listen must have succeeded first.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server: Run called before Listen")
	}

	httpSrv := &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logging.Server("Shutting down, draining in-flight requests")
		return httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}
