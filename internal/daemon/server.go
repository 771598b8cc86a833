package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tasbih-app/tasbih/internal/api"
	"github.com/tasbih-app/tasbih/internal/app/progress"
	"github.com/tasbih-app/tasbih/internal/app/tier"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
	"github.com/tasbih-app/tasbih/internal/infra/sqlite"
)

// ─── Progress Service Process ───────────────────────────────────────────────

// Server is the assembled Remote Progress Service: storage, tier cache,
// progress service and HTTP API.
type Server struct {
	cfg     Config
	db      *sqlite.DB
	api     *api.Server
	loggers *Loggers
}

// NewServer opens storage under cfg.ServerDataDir() and builds the API.
func NewServer(cfg Config, loggers *Loggers) (*Server, error) {
	if loggers == nil {
		loggers = NewLoggers(nil)
	}
	db, err := sqlite.Open(cfg.ServerDataDir())
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}

	tiers := tier.NewCache(db, cfg.TierTTL())
	tiers.FreeGoalLimit = cfg.Tier.FreeGoalLimit

	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	hub := api.NewHub()
	svc := progress.New(db, tiers,
		progress.WithPublisher(hub),
		progress.WithLogger(loggers.For("progress")),
		progress.WithTracer(tracer),
	)

	srv := api.NewServer(svc, cfg.API.Token)
	srv.SetLogger(loggers.For("api"))
	srv.SetHub(hub)
	srv.SetTracer(tracer)
	srv.SetEngagement(&api.EngagementAPI{
		Progress:      svc,
		Tiers:         tiers,
		Subscriptions: db,
		Logger:        loggers.For("api"),
	})
	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}

	return &Server{cfg: cfg, db: db, api: srv, loggers: loggers}, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.api.Handler() }

// Serve listens on cfg.Addr() until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	logger := s.loggers.For("serve")
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Live feeds end with the parent context instead of holding
		// Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("progress service listening on %s", ln.Addr())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Printf("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases storage.
func (s *Server) Close() error {
	return s.db.Close()
}
