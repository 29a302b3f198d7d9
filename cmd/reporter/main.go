// Command reporter runs the driver-side location reporter for one ride,
// replaying ROUTE as the device position.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/campus-rides/internal/config"
	"github.com/example/campus-rides/internal/ingest"
	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/tracking"
)

func main() {
	cfg, err := config.LoadReporterConfig()
	logger := logging.NewLogger(cfg.LogLevel, "campus-rides-reporter")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	route, err := tracking.ParseRoute(cfg.Route)
	if err != nil {
		logger.Error("invalid route", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, closeSink := newSink(cfg, logger)
	defer closeSink()

	r := tracking.NewReporter(sink, tracking.NewRoute(route...), logger, tracking.WithInterval(cfg.LocationInterval))
	if !r.Start(ctx, cfg.DriverID, cfg.RideID) {
		logger.Error("reporter did not start")
		os.Exit(1)
	}
	logger.Info("reporting location", "driver_id", cfg.DriverID, "ride_id", cfg.RideID, "interval", cfg.LocationInterval)

	<-ctx.Done()
	r.Stop()
	r.Wait()
	logger.Info("reporter stopped")
}

func newSink(cfg config.ReporterConfig, logger *slog.Logger) (tracking.LocationSink, func()) {
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("publishing to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return kp, func() {
			if err := kp.Close(); err != nil {
				logger.Warn("kafka_close_failed", "error", err)
			}
		}
	}
	logger.Info("publishing to api", "base_url", cfg.APIBaseURL)
	return tracking.NewAPISink(cfg.APIBaseURL), func() {}
}
