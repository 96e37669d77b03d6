// Package alerts publishes security alerts to Kafka so downstream
// incident tooling sees brute-force blocks and high-anomaly logins as
// they happen. Publishing is best-effort: admission never waits on a
// broker and never fails a request because an alert could not be sent.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"gatekeeper/internal/threat"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/logging"
)

const alertTopic = "security-alerts"

// SecurityAlert is the wire form of a published alert.
type SecurityAlert struct {
	AlertID string    `json:"alert_id"`
	Kind    string    `json:"kind"`
	IP      string    `json:"ip"`
	Account string    `json:"account,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Score   float64   `json:"score,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher sends security alerts to the platform's Kafka cluster.
type Publisher struct {
	client *kgo.Client
	logger logging.Logger
}

// NewPublisher connects a producer to the configured brokers.
func NewPublisher(brokers []string, logger logging.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("gatekeeper"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Publisher{client: client, logger: logger}, nil
}

// NewPublisherFromEnv builds a publisher from KAFKA_BROKERS, returning
// nil when alerting is not configured. A nil publisher is valid: the
// threat engine logs alerts locally and skips the broker.
func NewPublisherFromEnv(logger logging.Logger) (*Publisher, error) {
	brokers := config.GetEnvSlice("KAFKA_BROKERS", nil)
	if len(brokers) == 0 {
		return nil, nil
	}
	return NewPublisher(brokers, logger)
}

// Publish sends one alert. Keyed by IP so alerts for the same source
// land in order on one partition.
func (p *Publisher) Publish(ctx context.Context, event threat.AlertEvent) error {
	alert := SecurityAlert{
		AlertID: uuid.New().String(),
		Kind:    event.Kind,
		IP:      event.IP,
		Account: event.Account,
		Reason:  event.Reason,
		Score:   event.Score,
		At:      event.At,
	}
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	record := &kgo.Record{
		Topic: alertTopic,
		Key:   []byte(event.IP),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce alert: %w", err)
	}
	return nil
}

// Client returns the underlying kgo.Client for health checks.
func (p *Publisher) Client() *kgo.Client {
	return p.client
}

// HealthCheck pings the brokers.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// Close flushes and shuts down the producer.
func (p *Publisher) Close() {
	p.client.Close()
}
