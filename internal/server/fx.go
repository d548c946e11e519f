// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/procevents/internal/api"
	"github.com/JakeFAU/procevents/internal/clock/system"
	"github.com/JakeFAU/procevents/internal/config"
	"github.com/JakeFAU/procevents/internal/id/uuid"
	"github.com/JakeFAU/procevents/internal/metrics"
	"github.com/JakeFAU/procevents/internal/notify"
	"github.com/JakeFAU/procevents/internal/stream"
	"github.com/JakeFAU/procevents/internal/transport"
	pgtransport "github.com/JakeFAU/procevents/internal/transport/postgres"
	redistransport "github.com/JakeFAU/procevents/internal/transport/redis"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	mode           transport.Mode
	instanceID     string
	registry       *stream.Registry
	notifier       *notify.Notifier
	apiServer      *api.Server
	sessions       context.Context
	cancelSessions context.CancelFunc
}

// Build creates the application's dependencies. The transport mode is
// resolved once here and fixed for the life of the process.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	collectors, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}

	ids := uuid.NewUUIDGenerator()
	instanceID, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("instance id: %w", err)
	}

	mode := transport.Resolve(cfg.TransportSettings(), logger.Named("transport"))
	publisher, subscriber, err := openTransport(ctx, mode, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("transport selected",
		zap.String("mode", mode.Name()),
		zap.String("instance_id", instanceID),
	)

	users, err := api.NewUserResolver(cfg.Auth)
	if err != nil {
		if publisher != nil {
			_ = publisher.Close()
		}
		return nil, fmt.Errorf("auth init failed: %w", err)
	}

	clock := system.New()
	registry := stream.NewRegistry(logger.Named("registry"), collectors)
	notifier := notify.New(notify.Config{
		BufferSize:       cfg.Publisher.BufferSize,
		PublishTimeout:   cfg.Publisher.Timeout,
		FailureThreshold: cfg.Publisher.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Publisher.Breaker.OpenTimeout,
		Transport:        mode.Name(),
		Logger:           logger.Named("notify"),
		Metrics:          collectors,
		Clock:            clock,
	}, registry, publisher, instanceID)

	sessions, cancelSessions := context.WithCancel(context.Background())
	app := &App{
		cfg:            cfg,
		logger:         logger,
		mode:           mode,
		instanceID:     instanceID,
		registry:       registry,
		notifier:       notifier,
		sessions:       sessions,
		cancelSessions: cancelSessions,
	}
	app.apiServer = api.NewServer(api.Deps{
		Registry:   registry,
		Notifier:   notifier,
		Subscriber: subscriber,
		Mode:       mode,
		Users:      users,
		IDs:        ids,
		Clock:      clock,
		Metrics:    collectors,
		Logger:     logger.Named("api"),
		Sessions:   sessions,
		Stream: api.StreamConfig{
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
			WriteTimeout:      cfg.Stream.WriteTimeout,
			CloseTimeout:      cfg.Stream.CloseTimeout,
		},
		APIKey:     cfg.Auth.APIKey,
		UserHeader: cfg.Auth.UserHeader,
	})
	return app, nil
}

// openTransport connects the backend for mode. LocalOnly has none.
func openTransport(
	ctx context.Context,
	mode transport.Mode,
	cfg *config.Config,
	logger *zap.Logger,
) (transport.Publisher, transport.Subscriber, error) {
	switch m := mode.(type) {
	case transport.SharedBackend:
		t, err := redistransport.Open(ctx, m.URL, logger.Named("transport.redis"))
		if err != nil {
			return nil, nil, fmt.Errorf("shared backend init failed: %w", err)
		}
		return t, t, nil
	case transport.DatabaseNotify:
		t, err := pgtransport.Open(ctx, pgtransport.Config{
			DSN:      m.DSN,
			MaxConns: cfg.Database.MaxConns,
		}, logger.Named("transport.postgres"))
		if err != nil {
			return nil, nil, fmt.Errorf("database notify init failed: %w", err)
		}
		return t, t, nil
	case transport.LocalOnly:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported transport mode %T", mode)
	}
}

// Notifier exposes the publish API for in-process producers.
func (a *App) Notifier() *notify.Notifier { return a.notifier }

// Mode returns the transport mode resolved at startup.
func (a *App) Mode() transport.Mode { return a.mode }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run listens on the configured port and blocks until ctx is canceled or a
// termination signal arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is canceled. Open streams are closed
// before the HTTP server drains, then the backend publisher is released.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		a.cancelSessions()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return a.Close(shutdownCtx)
	})
	return g.Wait()
}

// Close ends every open stream and closes the backend publisher exactly once.
// Errors are logged, not returned, so shutdown always completes.
func (a *App) Close(ctx context.Context) error {
	a.cancelSessions()
	if err := a.notifier.Close(ctx); err != nil {
		a.logger.Warn("notifier close failed", zap.Error(err))
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
