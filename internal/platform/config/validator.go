package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if !slices.Contains([]string{"memory", "kafka"}, c.Broker.Kind) {
		errs = append(errs, ValidationError{"broker.kind", c.Broker.Kind, "must be memory or kafka"})
	}
	if c.Broker.MaxDeliveries < 1 {
		errs = append(errs, ValidationError{"broker.max_deliveries", c.Broker.MaxDeliveries, "must be at least 1"})
	}
	if c.Broker.PublishRetries < 0 {
		errs = append(errs, ValidationError{"broker.publish_retries", c.Broker.PublishRetries, "must not be negative"})
	}
	if c.Broker.Kind == "kafka" && len(c.Kafka.SeedBrokers) == 0 {
		errs = append(errs, ValidationError{"kafka.seed_brokers", c.Kafka.SeedBrokers, "required when broker.kind is kafka"})
	}

	e := c.Evaluation
	for field, d := range map[string]time.Duration{
		"evaluation.negotiation_timeout":  e.NegotiationTimeout,
		"evaluation.negotiation_interval": e.NegotiationInterval,
		"evaluation.consumption_timeout":  e.ConsumptionTimeout,
		"evaluation.heartbeat_interval":   e.HeartbeatInterval,
	} {
		if d <= 0 {
			errs = append(errs, ValidationError{field, d, "must be positive"})
		}
	}
	if e.NegotiationGrace < 0 {
		errs = append(errs, ValidationError{"evaluation.negotiation_grace", e.NegotiationGrace, "must not be negative"})
	}
	if !slices.Contains([]string{"all", "static", "redis", "postgres"}, e.Approval) {
		errs = append(errs, ValidationError{"evaluation.approval", e.Approval, "must be all, static, redis or postgres"})
	}
	if e.Approval == "redis" && c.Redis.URL == "" {
		errs = append(errs, ValidationError{"redis.url", c.Redis.URL, "required when evaluation.approval is redis"})
	}
	if e.Approval == "postgres" && c.Postgres.DSN == "" {
		errs = append(errs, ValidationError{"postgres.dsn", c.Postgres.DSN, "required when evaluation.approval is postgres"})
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		errs = append(errs, ValidationError{"logging.level", c.Logging.Level, "must be debug, info, warn or error"})
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		errs = append(errs, ValidationError{"logging.format", c.Logging.Format, "must be text or json"})
	}

	slices.SortFunc(errs, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errs
}
