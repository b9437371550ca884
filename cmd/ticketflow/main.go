package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/ticketflow/api"
	"github.com/songzhibin97/ticketflow/config"
	"github.com/songzhibin97/ticketflow/events"
	"github.com/songzhibin97/ticketflow/filestore"
	"github.com/songzhibin97/ticketflow/logger"
	"github.com/songzhibin97/ticketflow/notify"
	"github.com/songzhibin97/ticketflow/rbac"
	"github.com/songzhibin97/ticketflow/seed"
	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/workflow"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// epoch is the snowflake start time. Changing it can repeat IDs.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Fatalf("ticketflow stopped: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	store, closer, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	bus := events.NewEventBus(
		events.WithLogger(logger.Named("events")),
		events.WithBufferSize(cfg.Workflow.EventBuffer),
		events.WithHandlerTimeout(time.Duration(cfg.Workflow.EventTimeout)*time.Second),
	)
	defer bus.Stop()

	opts := []workflow.Option{
		workflow.WithEventBus(bus),
		workflow.WithLogger(logger.Named("engine")),
		workflow.WithCounterTimeout(cfg.Workflow.CounterTimeoutDuration()),
	}
	policy, err := workflow.ParseRejectPolicy(cfg.Workflow.RejectPolicy)
	if err != nil {
		return err
	}
	opts = append(opts, workflow.WithRejectPolicy(policy))

	if cfg.Workflow.Casbin {
		dir, err := rbac.NewCasbinDirectory(ctx, store, logger.Named("rbac"))
		if err != nil {
			return fmt.Errorf("failed to build casbin directory: %w", err)
		}
		opts = append(opts, workflow.WithDirectory(dir))
	}

	files, err := filestore.NewLocalStore(cfg.Files.Root)
	if err != nil {
		return fmt.Errorf("failed to open file store: %w", err)
	}
	opts = append(opts, workflow.WithFileStore(files))

	engine, err := workflow.NewEngine(snowflake(generator.NewSnowflake, cfg.Workflow.NodeID), store, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	var notifier notify.Notifier
	if cfg.Mail.Host != "" {
		notifier = notify.NewSMTPNotifier(cfg.Mail)
	} else {
		notifier = notify.NewLogNotifier(logger.Named("mail"))
	}
	sub := notify.NewSubscriber(notifier, store, cfg.Mail.DefaultTo, logger.Named("notify"))
	engine.SubscribeEvent(sub, sub.EventTypes()...)

	if cfg.Storage.Seed {
		res, err := seed.Apply(ctx, engine, logger.Named("seed"))
		if err != nil {
			return fmt.Errorf("failed to seed: %w", err)
		}
		logger.Infof("seed applied: %d roles, %d forms, %d templates", len(res.Roles), len(res.Forms), len(res.Templates))
	}

	gin.SetMode(cfg.Server.Mode)
	handler := api.NewHandler(engine, files, logger.Named("api"))
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewRouter(handler, []byte(cfg.Auth.JWTSecret)),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("ticketflow listening on %s (storage=%s)", cfg.Server.Addr, cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Infof("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server forced to shutdown: %v", err)
	}
	logger.Infof("ticketflow stopped gracefully")
	return nil
}

// snowflake builds the ID generator for node, converted to the constructor's machine ID type.
func snowflake[T ~int | ~int64 | ~uint16 | ~uint32 | ~uint64, G generator.Generator](newFn func(time.Time, T) G, node int64) generator.Generator {
	return newFn(epoch, T(node))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStorage builds the configured backend and the closer releasing it.
func openStorage(cfg *config.Config) (storage.Storage, io.Closer, error) {
	switch cfg.Storage.Driver {
	case "redis":
		s, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  time.Duration(cfg.Redis.IdleTimeout) * time.Second,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Logger.Info("using redis storage", zap.String("addr", cfg.Redis.Addr()))
		return s, s, nil
	case "database":
		s, err := storage.OpenGorm(storage.GormOptions{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN(),
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := s.AutoMigrate(); err != nil {
				s.Close()
				return nil, nil, fmt.Errorf("failed to migrate: %w", err)
			}
		}
		logger.Logger.Info("using database storage", zap.String("driver", cfg.Database.Driver))
		return s, s, nil
	}
	logger.Logger.Warn("using in-memory storage, data is lost on restart")
	return storage.NewMemoryStorage(), nopCloser{}, nil
}
