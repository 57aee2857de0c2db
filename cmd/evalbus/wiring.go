package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"evalbus/internal/broker"
	"evalbus/internal/broker/kafka"
	"evalbus/internal/broker/memory"
	"evalbus/internal/evaluation/approval"
	"evalbus/internal/evaluation/publish"
	"evalbus/internal/platform/httpserver"
	platformmetrics "evalbus/internal/platform/metrics"
	"evalbus/internal/platform/postgres"
	"evalbus/internal/platform/redis"
	"evalbus/pkg/platform/circuit"
)

func (rt *runtime) newBroker() (broker.Broker, error) {
	transport := platformmetrics.NewTransport(rt.registry)
	switch rt.cfg.Broker.Kind {
	case "kafka":
		return kafka.New(rt.cfg.Kafka,
			kafka.WithLogger(rt.logger),
			kafka.WithMetrics(transport),
			kafka.WithMaxDeliveries(rt.cfg.Broker.MaxDeliveries),
		)
	default:
		return memory.New(
			memory.WithLogger(rt.logger),
			memory.WithMetrics(transport),
			memory.WithMaxDeliveries(rt.cfg.Broker.MaxDeliveries),
		), nil
	}
}

// publishOptions applies the configured retry and circuit breaker policy.
func (rt *runtime) publishOptions() []publish.Option {
	b := rt.cfg.Broker
	return []publish.Option{
		publish.WithRetries(b.PublishRetries, b.PublishBackoff),
		publish.WithBreaker(circuit.New("publish",
			circuit.WithFailureThreshold(b.BreakerThreshold),
			circuit.WithCooldown(b.BreakerCooldown),
		)),
	}
}

// approver builds the configured subscriber approver and the health checks
// of whatever store backs it. The returned closer releases that store.
func (rt *runtime) approver(ctx context.Context) (approval.Approver, map[string]httpserver.CheckFunc, io.Closer, error) {
	checks := map[string]httpserver.CheckFunc{}
	switch rt.cfg.Evaluation.Approval {
	case "static":
		a, err := approval.StaticFromConfig(rt.cfg.Evaluation.ApprovedByFormat)
		return a, checks, nopCloser{}, err
	case "redis":
		client, err := redis.New(ctx, rt.cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		checks["redis"] = client.Health
		return approval.NewRedis(client.Client), checks, client, nil
	case "postgres":
		db, err := postgres.Open(ctx, rt.cfg.Postgres)
		if err != nil {
			return nil, nil, nil, err
		}
		a := approval.NewPostgres(db)
		if err := a.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("ensure approval schema: %w", err)
		}
		checks["postgres"] = pingDB(db)
		return a, checks, db, nil
	default:
		return approval.AllowAll{}, checks, nopCloser{}, nil
	}
}

func pingDB(db *sql.DB) httpserver.CheckFunc {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
