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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/campus-rides/internal/config"
	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/ingest"
	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
	"github.com/example/campus-rides/internal/tracking"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	sinkWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_sink_writes_total",
		Help: "Successful location writes per sink",
	}, []string{"sink"})
	sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_sink_errors_total",
		Help: "Location writes that failed after retries per sink",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, sinkWrites, sinkErrors)
}

type namedSink struct {
	name string
	sink tracking.LocationSink
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "campus-rides-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	store, err := storage.NewPostgresStore(cfg.PGDSN, logger)
	if err != nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sinks := []namedSink{{name: "postgres", sink: store}}
	ready := func(ctx context.Context) error { return store.DB().PingContext(ctx) }

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rc.Close()
		sinks = append(sinks, namedSink{name: "redis_geo", sink: tracking.PositionsSink{Positions: geo.NewRedisGeo(rc, cfg.RedisGeoKey)}})
		ready = func(ctx context.Context) error {
			return errors.Join(store.DB().PingContext(ctx), rc.Ping(ctx).Err())
		}
	}

	go serveMetrics(cfg.MetricsAddr, ready, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, sinks, logger)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, sinks []namedSink, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		msgsConsumed.Inc()

		loc, err := ingest.DecodeLocation(m)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		apply(ctx, sinks, loc, logger)
	}
}

// apply writes loc to every sink independently so a Redis outage does not
// hold back persistence, and the other way round.
func apply(ctx context.Context, sinks []namedSink, loc models.DriverLocation, logger *slog.Logger) {
	for _, s := range sinks {
		if err := upsertWithRetry(ctx, s.sink, loc, 3, 200*time.Millisecond); err != nil {
			sinkErrors.WithLabelValues(s.name).Inc()
			logger.Error("location write failed", "sink", s.name, "driver_id", loc.DriverID, "ride_id", loc.RideID, "error", err)
			continue
		}
		sinkWrites.WithLabelValues(s.name).Inc()
	}
}

// upsertWithRetry writes loc with exponential backoff between attempts.
func upsertWithRetry(ctx context.Context, sink tracking.LocationSink, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.UpsertLocation(ctx, loc); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
		delay *= 2
	}
	return err
}

func serveMetrics(addr string, ready func(context.Context) error, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}
