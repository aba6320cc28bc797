package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/internal/config"
	"github.com/pitabwire/flowrun/internal/observability"
	"github.com/pitabwire/flowrun/internal/step"
	"github.com/pitabwire/flowrun/internal/workflow"
)

// app is the wired executor shared by every command.
type app struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	runner  *workflow.Runner
	engine  *workflow.Engine
	checks  map[string]observability.HealthChecker
	closers []func()
}

// buildApp connects the step collaborators selected by cfg and assembles the
// engine. On error everything opened so far is closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *app, err error) {
	a := &app{
		logger:  logger,
		metrics: observability.InitMetrics(reg),
		checks:  make(map[string]observability.HealthChecker),
	}
	defer func() {
		if err != nil {
			a.close(time.Second)
		}
	}()

	registry := step.NewRegistry(logger.Named("step"))
	registry.Register(step.NewAPIHandler(cfg.Steps.API, logger.Named("api"), a.metrics))
	registry.Register(step.NewCalculationHandler())
	registry.Register(step.NewValidationHandler())

	mover, err := a.dataMover(ctx, cfg.Steps.Data)
	if err != nil {
		return nil, err
	}
	registry.Register(step.NewDataHandler(mover, logger.Named("data")))

	gateway, err := a.gateway(cfg.Steps.Notification)
	if err != nil {
		return nil, err
	}
	registry.Register(step.NewNotificationHandler(gateway, logger.Named("notification")))

	purger, err := a.purger(ctx, cfg.Steps.Cleanup)
	if err != nil {
		return nil, err
	}
	registry.Register(step.NewCleanupHandler(purger, logger.Named("cleanup")))

	a.runner, err = workflow.NewRunner(cfg.Engine.MaxConcurrentExecutions, logger, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("run queue: %w", err)
	}
	a.engine = workflow.NewEngine(workflow.NewMemoryExecutionStore(), registry, a.runner, logger, a.metrics)

	logger.Info("step handlers registered",
		zap.Any("types", registry.Types()),
		zap.String("data_driver", cfg.Steps.Data.Driver),
		zap.String("notification_driver", cfg.Steps.Notification.Driver),
		zap.String("cleanup_driver", cfg.Steps.Cleanup.Driver),
	)
	return a, nil
}

func (a *app) dataMover(ctx context.Context, cfg config.DataStepConfig) (step.DataMover, error) {
	switch cfg.Driver {
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("data store: %s environment variable not set", cfg.DSNEnv)
		}
		pool, err := step.OpenPgPool(ctx, dsn, cfg)
		if err != nil {
			return nil, fmt.Errorf("data store: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		mover := step.NewPgDataMover(pool)
		a.checks["data_store"] = mover
		return mover, nil
	case "memory", "":
		a.logger.Info("using in-memory data store")
		return step.NewMemoryDataMover(), nil
	default:
		return nil, fmt.Errorf("unsupported data driver: %q", cfg.Driver)
	}
}

func (a *app) gateway(cfg config.NotificationStepConfig) (step.Gateway, error) {
	switch cfg.Driver {
	case "nats":
		conn, err := step.ConnectNATS(os.Getenv(cfg.URLEnv), a.logger.Named("nats"))
		if err != nil {
			return nil, fmt.Errorf("notification gateway: %w", err)
		}
		gw := step.NewNATSGateway(conn, cfg.SubjectPrefix)
		a.closers = append(a.closers, func() {
			if err := gw.Close(); err != nil {
				a.logger.Warn("nats drain failed", zap.Error(err))
			}
		})
		a.checks["notification_gateway"] = gw
		return gw, nil
	case "log", "":
		a.logger.Info("using log notification gateway")
		return step.NewLogGateway(a.logger.Named("notification")), nil
	default:
		return nil, fmt.Errorf("unsupported notification driver: %q", cfg.Driver)
	}
}

func (a *app) purger(ctx context.Context, cfg config.CleanupStepConfig) (step.Purger, error) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("cleanup store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		a.closers = append(a.closers, func() { _ = client.Close() })
		purger := step.NewRedisPurger(client)
		if err := purger.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("cleanup store: ping %s: %w", addr, err)
		}
		a.checks["cleanup_store"] = purger
		return purger, nil
	case "memory", "":
		a.logger.Info("using in-memory cleanup store")
		return step.NewMemoryPurger(), nil
	default:
		return nil, fmt.Errorf("unsupported cleanup driver: %q", cfg.Driver)
	}
}

// close drains the run queue, then releases collaborators in reverse order.
func (a *app) close(timeout time.Duration) {
	if a.runner != nil {
		if err := a.runner.Close(timeout); err != nil {
			a.logger.Warn("run queue did not drain", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
