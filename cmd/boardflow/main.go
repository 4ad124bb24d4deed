// Command boardflow runs the realtime ingress: websocket and SSE endpoints,
// the queue publisher, and the activity fan-out into the local connection
// registry. With the channel transport it also hosts the worker in-process so
// the whole pipeline runs offline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/boardflow/internal/broker"
	"github.com/drblury/boardflow/internal/bus"
	"github.com/drblury/boardflow/internal/config"
	"github.com/drblury/boardflow/internal/health"
	"github.com/drblury/boardflow/internal/idempotency"
	"github.com/drblury/boardflow/internal/logging"
	"github.com/drblury/boardflow/internal/metrics"
	"github.com/drblury/boardflow/internal/registry"
	"github.com/drblury/boardflow/internal/server"
	"github.com/drblury/boardflow/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("boardflow exited", "error", err)
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

	log := logging.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	log.Info("Starting boardflow ingress", logging.LogFields{
		"transport": conf.Transport,
		"addr":      conf.HTTPAddr,
		"config":    conf.String(),
	})

	pipelineMetrics := metrics.New(prometheus.DefaultRegisterer)
	if conf.MetricsEnabled {
		if err := pipelineMetrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	gate := health.NewGate()
	connRegistry := registry.New(registry.Config{
		MaxPushConnections: conf.MaxPushConnections,
		QueueSize:          conf.ListenerQueueSize,
	}, pipelineMetrics)

	transport, err := broker.Build(conf, logging.NewWatermillAdapter(log))
	if err != nil {
		return err
	}
	publisher := broker.NewPublisher(conf, transport.Publisher, gate, log, pipelineMetrics)

	var (
		activityBus bus.Bus
		inProcess   *worker.Worker
		redisClient *redis.Client
	)

	switch strings.ToLower(conf.Transport) {
	case config.TransportRabbitMQ:
		opts, err := redis.ParseURL(conf.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		activityBus = bus.NewRedisBus(redisClient, bus.RedisBusConfig{
			Channel:             conf.ActivityChannel,
			InitialBackoff:      conf.SubscribeInitialBackoff,
			MaxBackoff:          conf.SubscribeMaxBackoff,
			OnSubscriptionState: gate.SetBusSubscribed,
		}, log)

	default:
		// Channel transport: queue, ledger, and bus all live in this process,
		// so the worker must too.
		memoryBus := bus.NewMemoryBus()
		activityBus = memoryBus

		inProcess, err = worker.New(conf, log, transport, worker.Dependencies{
			Store:   idempotency.NewMemoryStore(conf.IdempotencyTTL),
			Bus:     memoryBus,
			Metrics: pipelineMetrics,
		})
		if err != nil {
			return err
		}
	}

	if err := activityBus.Subscribe(ctx, connRegistry.Deliver); err != nil {
		return err
	}
	if inProcess != nil {
		gate.SetBusSubscribed(true)

		workerErr := make(chan error, 1)
		go func() {
			workerErr <- inProcess.Run(ctx)
		}()
		// The in-process queue drops messages without an attached consumer,
		// so hold the ingress until the worker subscribes.
		select {
		case <-inProcess.Running():
		case err := <-workerErr:
			return fmt.Errorf("worker: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ingress := server.New(conf, log, publisher, connRegistry, gate, pipelineMetrics)
	httpServer := &http.Server{
		Addr:              conf.HTTPAddr,
		Handler:           ingress.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Realtime ingress listening", logging.LogFields{"addr": conf.HTTPAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	connRegistry.Close()
	_ = activityBus.Close()
	if inProcess != nil {
		_ = inProcess.Close()
	}
	_ = publisher.Close()

	log.Info("Shutdown complete", nil)
	return nil
}
