package main

import (
	"context"
	"fmt"

	"audittrail/internal/platform/config"
	platformpg "audittrail/internal/platform/postgres"
	platformredis "audittrail/internal/platform/redis"
	auditconsumer "audittrail/pkg/audit/consumer"
	"audittrail/pkg/audit/store/memory"
	auditpg "audittrail/pkg/audit/store/postgres"
	auditredis "audittrail/pkg/audit/store/redis"
	"audittrail/pkg/audit/store/sqlite"
)

// openReplica opens the sink forwarded events are materialized into. The
// returned close function is never nil.
func openReplica(ctx context.Context, cfg config.Config) (auditconsumer.ReplicaStore, HealthCheck, func(), error) {
	noop := func() {}
	switch cfg.Replica.Sink {
	case "memory":
		return memory.NewInMemoryStore(), nil, noop, nil

	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.Replica.SQLitePath)
		if err != nil {
			return nil, nil, noop, err
		}
		return store, nil, func() { _ = store.Close() }, nil

	case "postgres":
		pgCfg := cfg.Postgres
		pgCfg.DSN = cfg.Replica.PostgresDSN
		db, err := platformpg.Open(ctx, pgCfg)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("open replica database: %w", err)
		}
		return auditpg.New(db), db.PingContext, func() { _ = db.Close() }, nil

	case "redis":
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, noop, err
		}
		if client == nil {
			return nil, nil, noop, fmt.Errorf("redis replica sink needs redis.url")
		}
		store := auditredis.New(client.Client, auditredis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		return store, client.Health, func() { _ = client.Close() }, nil
	}
	return nil, nil, noop, fmt.Errorf("unknown replica sink %q", cfg.Replica.Sink)
}
