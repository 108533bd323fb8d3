package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"audittrail/internal/platform/config"
	"audittrail/internal/platform/httpserver"
	"audittrail/internal/platform/kafka"
	"audittrail/internal/platform/kafka/consumer"
	"audittrail/internal/platform/metrics"
	platformpg "audittrail/internal/platform/postgres"
	"audittrail/pkg/audit"
	auditconsumer "audittrail/pkg/audit/consumer"
	"audittrail/pkg/audit/outbox"
	"audittrail/pkg/audit/recorder"
	auditpg "audittrail/pkg/audit/store/postgres"
	"audittrail/pkg/audit/worker"
	"audittrail/pkg/platform/circuit"
)

// run wires the relay, the optional replica consumer and the HTTP endpoints,
// and blocks until ctx is cancelled or one of them fails.
func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := metrics.NewRegistry()

	db, err := platformpg.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	checks := map[string]HealthCheck{"postgres": db.PingContext}

	rec, err := newRecorder(db, cfg, log, reg)
	if err != nil {
		return err
	}

	kcfg := kafka.Config{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Relay.Enabled {
		producer, err := kafka.NewProducer(kcfg)
		if err != nil {
			return err
		}
		defer producer.Close()

		if cfg.Kafka.EnsureTopic {
			if err := kafka.EnsureTopic(ctx, producer, cfg.Kafka.Topic, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
				return err
			}
		}
		checks["kafka"] = producer.Ping

		relay := outbox.New(db, producer, cfg.Kafka.Topic,
			outbox.WithBatchSize(cfg.Relay.BatchSize),
			outbox.WithMaxAttempts(cfg.Relay.MaxAttempts),
			outbox.WithLogger(log),
			outbox.WithMetrics(outbox.NewMetrics(reg)),
		)
		w := worker.NewWorker("outbox-relay", relay, cfg.Relay.Interval, log)
		g.Go(func() error { return ignoreCanceled(w.Run(gctx)) })
	}

	if cfg.Replica.Enabled {
		replica, health, closeReplica, err := openReplica(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeReplica()
		if health != nil {
			checks["replica"] = health
		}

		client, err := kafka.NewConsumer(kcfg)
		if err != nil {
			return err
		}
		defer client.Close()

		router := auditconsumer.NewRouter(log, nil)
		router.Register(cfg.Kafka.Topic, auditconsumer.NewEventHandler(replica, log))
		c := consumer.New(client, router, consumer.WithLogger(log))
		log.InfoContext(ctx, "replica consumer configured", "sink", cfg.Replica.Sink, "topics", router.Topics())
		g.Go(func() error { return c.Run(gctx) })
	}

	srv := httpserver.New(cfg.Server.Addr, NewRouter(reg, checks))
	g.Go(func() error { return httpserver.Serve(gctx, srv, cfg.Server.ShutdownTimeout) })

	log.InfoContext(ctx, "auditrelay started",
		"addr", cfg.Server.Addr,
		"relay", cfg.Relay.Enabled,
		"replica", cfg.Replica.Enabled,
		"topic", cfg.Kafka.Topic,
	)
	recordLifecycle(ctx, rec, log, "RELAY_START", "audit relay started")

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	recordLifecycle(stopCtx, rec, log, "RELAY_STOP", "audit relay stopped")
	return err
}

// newRecorder builds the recorder the daemon uses for its own lifecycle events.
// They go through the same outbox the relay drains.
func newRecorder(db *sql.DB, cfg config.Config, log *slog.Logger, reg prometheus.Registerer) (*recorder.Recorder, error) {
	store := auditpg.New(db, auditpg.WithTxTimeout(cfg.Postgres.TxTimeout))
	breaker := circuit.New("audit-postgres",
		circuit.WithFailureThreshold(cfg.Recorder.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.Recorder.SuccessThreshold),
	)
	rec, err := recorder.New(store,
		recorder.WithLogger(log),
		recorder.WithMetrics(recorder.NewMetrics(reg)),
		recorder.WithBreaker(breaker),
		recorder.WithRetryPolicy(recorder.RetryPolicy{
			MaxRetries:      cfg.Recorder.MaxRetries,
			InitialInterval: cfg.Recorder.InitialBackoff,
			MaxInterval:     cfg.Recorder.MaxBackoff,
			Multiplier:      2,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit recorder: %w", err)
	}
	return rec, nil
}

// recordLifecycle audits a daemon lifecycle transition. A failure is logged by
// the recorder and does not stop the daemon.
func recordLifecycle(ctx context.Context, rec *recorder.Recorder, log *slog.Logger, action, description string) {
	if _, err := rec.Record(ctx, audit.Entry{Action: action, Description: description}); err != nil {
		log.WarnContext(ctx, "lifecycle audit not recorded", "action", action, "error", err)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
