package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/parking-match/internal/auth"
	"github.com/example/parking-match/internal/broadcast"
	"github.com/example/parking-match/internal/config"
	httpapi "github.com/example/parking-match/internal/http"
	"github.com/example/parking-match/internal/ingest"
	"github.com/example/parking-match/internal/logging"
	"github.com/example/parking-match/internal/matching"
	"github.com/example/parking-match/internal/pricing"
	"github.com/example/parking-match/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "parking-match", os.Stdout)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	persister, health, err := openPersister(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer persister.Close()

	store := storage.NewStore(persister)
	if err := store.Load(ctx); err != nil {
		return err
	}

	pricer, err := pricing.ParseFlatRate(cfg.FlatPrice)
	if err != nil {
		return err
	}

	bopts := []broadcast.Option{broadcast.WithBuffer(cfg.SubscriberBuffer), broadcast.WithLogger(logger)}
	origin := uuid.NewString()

	var producer *ingest.EventProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer producer.Close()
		bopts = append(bopts, broadcast.WithForwarder("kafka", producer))
	}

	var relay *broadcast.RedisRelay
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		relay = broadcast.NewRedisRelay(rc, cfg.RedisChannel, origin, logger)
		bopts = append(bopts, broadcast.WithForwarder("redis", relay))
	}
	bopts = append(bopts, broadcast.WithOrigin(origin))

	events := broadcast.New(store, bopts...)
	defer events.Close()

	svc := matching.NewService(store, events, pricer, logger)

	if relay != nil {
		go func() {
			if err := relay.Run(ctx, events.Deliver); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
	}

	if len(cfg.KafkaBrokers) > 0 {
		consumer := ingest.NewLocationConsumer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaGroup, svc, logger)
		defer consumer.Close()
		go func() {
			logger.Info("location consumer started", "topic", cfg.KafkaLocationsTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
			_ = consumer.Run(ctx)
		}()
	}

	tokens := auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, 0)
	handler := httpapi.NewServer(svc, events, tokens, logger,
		httpapi.WithDefaultRadius(cfg.NearbyRadiusMeters),
		httpapi.WithHealthCheck(health),
	)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("parking-match listening", "addr", cfg.HTTPAddr, "storage", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openPersister(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Persister, func(context.Context) error, error) {
	switch cfg.StorageBackend {
	case config.BackendFile:
		p, err := storage.NewFilePersister(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case config.BackendPostgres:
		p, err := storage.NewPostgresPersister(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			path := filepath.Join("migrations", "001_create_reservations.sql")
			migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := p.ApplyMigration(migrateCtx, path); err != nil {
				_ = p.Close()
				return nil, nil, err
			}
			logger.Info("migration applied", "file", path)
		}
		return p, p.Ping, nil
	default:
		return storage.NopPersister{}, nil, nil
	}
}
