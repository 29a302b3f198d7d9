package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-rides/internal/bus"
	"github.com/example/campus-rides/internal/cache"
	"github.com/example/campus-rides/internal/config"
	"github.com/example/campus-rides/internal/directory"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/eta"
	"github.com/example/campus-rides/internal/geo"
	httpapi "github.com/example/campus-rides/internal/http"
	"github.com/example/campus-rides/internal/ingest"
	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/matcher"
	"github.com/example/campus-rides/internal/rating"
	"github.com/example/campus-rides/internal/rides"
	"github.com/example/campus-rides/internal/storage"
	"github.com/example/campus-rides/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "campus-rides")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, health, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store_close_failed", "error", err)
		}
	}()

	var (
		positions geo.Positions = geo.NewIndex(10 * time.Minute)
		profiles  cache.Cache   = cache.NewMemory()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		positions = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		profiles = cache.NewRedis(rc)
		storeHealth := health
		health = func(ctx context.Context) error {
			return errors.Join(storeHealth(ctx), rc.Ping(ctx).Err())
		}
		logger.Info("redis enabled", "addr", cfg.RedisAddr)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	// Reports go to Kafka when it is configured; the consumer persists them.
	var primary tracking.LocationSink = store
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		primary = kp
		logger.Info("kafka location ingest enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	drivers := &directory.Directory{Store: store, Positions: positions, Cache: profiles, TTL: cfg.ProfileCacheTTL}
	rideBus := bus.New(store, drivers, logger, bus.WithRides(store, estimator))
	defer rideBus.Cleanup()

	ws := dispatch.NewWSRegistry()
	var pusher dispatch.Pusher
	if cfg.PushEndpoint != "" {
		pusher = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Store:     store,
		Bus:       rideBus,
		Rides:     rides.NewService(store, logger),
		Ratings:   &rating.Service{Store: store, Cache: profiles, TTL: cfg.ProfileCacheTTL, Logger: logger},
		Drivers:   drivers,
		Pool:      &matcher.Service{Rides: store, Positions: positions, ETA: estimator, TopN: cfg.PoolSize},
		Locations: tracking.MultiSink{primary, tracking.PositionsSink{Positions: positions}},
		WS:        ws,
		Dispatch:  &dispatch.Dispatcher{WS: ws, Push: pusher, Logger: logger},
		Health:    health,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	srv.RegisterOnShutdown(api.CloseStreams)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("campus-rides listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	rideBus.Cleanup()
	return err
}

// openStore picks Postgres when PG_DSN is set and the in-memory store
// otherwise. The returned func backs /healthz.
func openStore(cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(context.Context) error, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func(context.Context) error { return nil }, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(ps.DB()); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	return ps, ps.DB().PingContext, nil
}
