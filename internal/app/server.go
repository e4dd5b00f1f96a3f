package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"reflect"

	"golang.org/x/sync/errgroup"

	"frontdoor/internal/autoscaler"
	"frontdoor/internal/config"
	"frontdoor/internal/health"
	"frontdoor/internal/management"
	"frontdoor/internal/orchestrator"
	"frontdoor/internal/registry"
	"frontdoor/internal/telemetry"
)

// Server owns every long-running component of the frontdoor
type Server struct {
	config    *config.Config
	logger    *slog.Logger
	telemetry *telemetry.Telemetry

	registry     *registry.Registry
	prober       *health.Prober
	orchestrator *orchestrator.Orchestrator
	autoscaler   *autoscaler.Autoscaler
	admin        *management.API
	watcher      *config.Watcher

	http *http.Server
}

// NewServer validates cfg and builds a server without hot reload
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	return NewBuilder(cfg, logger).Build(ctx)
}

// Registry returns the replica registry
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Handler returns the traffic entry point with its middleware
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Autoscaler returns the autoscaler, or nil when it is disabled
func (s *Server) Autoscaler() *autoscaler.Autoscaler {
	return s.autoscaler
}

// Run starts every component and blocks until ctx is canceled or one of
// them fails. HTTP servers are shut down gracefully within
// listen.shutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	defer func() {
		if err := s.orchestrator.Close(); err != nil {
			s.logger.Warn("Failed to close orchestrator client", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	shutdownTimeout := s.config.Frontdoor.Listen.ShutdownTimeout

	g.Go(func() error { return s.orchestrator.Source.Run(ctx) })
	g.Go(func() error { return s.prober.Run(ctx) })
	if s.autoscaler != nil {
		g.Go(func() error { return s.autoscaler.Run(ctx) })
	}
	if s.admin != nil {
		g.Go(func() error { return s.admin.Run(ctx, shutdownTimeout) })
	}
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Run(ctx) })
	}

	g.Go(func() error {
		s.logger.Info("Frontdoor listening", "address", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.http.Shutdown(shutdownCtx)
		if terr := s.telemetry.Shutdown(shutdownCtx); terr != nil {
			s.logger.Warn("Failed to flush traces", "error", terr)
		}
		return err
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Frontdoor stopped with error", "error", err)
		return err
	}
	s.logger.Info("Frontdoor stopped")
	return nil
}

// applyConfig is the hot-reload hook. Only the autoscaler policy is applied
// live; other sections take effect on restart.
func (s *Server) applyConfig(next *config.Config) error {
	cur, upd := s.config.Frontdoor, next.Frontdoor

	if s.autoscaler != nil && upd.Autoscaler.Policy != cur.Autoscaler.Policy {
		if err := s.autoscaler.UpdatePolicy(upd.Autoscaler.Policy); err != nil {
			return err
		}
		s.config.Frontdoor.Autoscaler.Policy = upd.Autoscaler.Policy
	}

	cur.Autoscaler.Policy = upd.Autoscaler.Policy
	if !reflect.DeepEqual(cur, upd) {
		s.logger.Warn("Configuration changes outside autoscaler.policy require a restart")
	}
	return nil
}
