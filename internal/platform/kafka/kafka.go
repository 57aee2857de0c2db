// Package kafka wraps franz-go clients for producing, consuming and topic
// administration.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"evalbus/internal/platform/config"
)

// NewClient builds a kgo client from configuration plus extra options.
func NewClient(cfg config.KafkaConfig, extra ...kgo.Opt) (*kgo.Client, error) {
	if len(cfg.SeedBrokers) == 0 {
		return nil, errors.New("kafka: at least one seed broker is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.ClientID(cfg.ClientID),
	}
	client, err := kgo.NewClient(append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// Producer publishes records synchronously.
type Producer struct {
	client *kgo.Client
}

func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{client: client}, nil
}

// Produce writes one record and waits for the broker acknowledgement.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Health pings the cluster.
func (p *Producer) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Producer) Close() {
	p.client.Close()
}

// Admin manages topics.
type Admin struct {
	client *kgo.Client
	admin  *kadm.Client
	cfg    config.KafkaConfig
}

func NewAdmin(cfg config.KafkaConfig) (*Admin, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Admin{client: client, admin: kadm.NewClient(client), cfg: cfg}, nil
}

// EnsureTopics creates any missing topics. Existing topics are left as is.
func (a *Admin) EnsureTopics(ctx context.Context, topics ...string) error {
	partitions := a.cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := a.cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	resp, err := a.admin.CreateTopics(ctx, partitions, replication, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	var errs []error
	for _, r := range resp.Sorted() {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			errs = append(errs, fmt.Errorf("topic %s: %w", r.Topic, r.Err))
		}
	}
	return errors.Join(errs...)
}

// ListTopics returns the names of existing topics among those given.
func (a *Admin) ListTopics(ctx context.Context, topics ...string) ([]string, error) {
	details, err := a.admin.ListTopics(ctx, topics...)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	var out []string
	for _, name := range details.Names() {
		if details[name].Err == nil {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (a *Admin) Close() {
	a.admin.Close()
}
