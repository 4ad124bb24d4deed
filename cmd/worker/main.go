// Command worker consumes the durable board event queue: it deduplicates
// envelopes against the shared Redis ledger, fans processed activity out over
// the Redis bus, and drives the retry and dead letter topics. Scale it
// horizontally; the queue and the ledger keep instances consistent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/boardflow/internal/broker"
	"github.com/drblury/boardflow/internal/bus"
	"github.com/drblury/boardflow/internal/config"
	"github.com/drblury/boardflow/internal/idempotency"
	"github.com/drblury/boardflow/internal/logging"
	"github.com/drblury/boardflow/internal/metrics"
	"github.com/drblury/boardflow/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	confPath := flag.String("config", "", "optional path to a config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := config.Load(*confPath)
	if err != nil {
		return err
	}
	if strings.ToLower(conf.Transport) != config.TransportRabbitMQ {
		// The channel transport cannot span processes; its worker runs inside
		// the ingress.
		return fmt.Errorf("standalone worker requires the %s transport, got %q", config.TransportRabbitMQ, conf.Transport)
	}

	log := logging.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	log.Info("Starting boardflow worker", logging.LogFields{
		"event_topic": conf.EventTopic,
		"retry_topic": conf.RetryTopic,
		"dlq_topic":   conf.DLQTopic,
		"config":      conf.String(),
	})

	pipelineMetrics := metrics.New(prometheus.DefaultRegisterer)
	if conf.MetricsEnabled {
		if err := pipelineMetrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	opts, err := redis.ParseURL(conf.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	transport, err := broker.Build(conf, logging.NewWatermillAdapter(log))
	if err != nil {
		return err
	}

	activityBus := bus.NewRedisBus(redisClient, bus.RedisBusConfig{
		Channel: conf.ActivityChannel,
	}, log)
	store := idempotency.NewRedisStore(redisClient, conf.IdempotencyPrefix, conf.IdempotencyTTL)

	w, err := worker.New(conf, log, transport, worker.Dependencies{
		Store:   store,
		Bus:     activityBus,
		Metrics: pipelineMetrics,
	})
	if err != nil {
		return err
	}

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	log.Info("Worker stopped", nil)
	return nil
}
