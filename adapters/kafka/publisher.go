package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	DefaultTopic           = "ledgersync.sync.completed"
	EventTypeSyncCompleted = "ledgersync.sync.completed"
)

type Config struct {
	Brokers []string
	Topic   string
}

// MessageWriter is the subset of *kafkago.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// SyncEventPublisher emits one message per finished sync run, keyed by
// business profile and provider so a pair's events stay ordered.
type SyncEventPublisher struct {
	writer MessageWriter
}

func NewSyncEventPublisher(cfg Config) (*SyncEventPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return NewSyncEventPublisherWithWriter(&kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
	}), nil
}

func NewSyncEventPublisherWithWriter(writer MessageWriter) *SyncEventPublisher {
	return &SyncEventPublisher{writer: writer}
}

func (p *SyncEventPublisher) PublishSyncCompleted(ctx context.Context, event core.SyncCompletedEvent) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka: publisher is not configured")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: encode sync completed event: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(event.BusinessProfileID + ":" + string(event.Provider)),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(EventTypeSyncCompleted)},
			{Key: "run_id", Value: []byte(event.RunID)},
			{Key: "status", Value: []byte(event.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return core.NewUpstreamUnavailableError("publish sync completed event", err)
	}
	return nil
}

func (p *SyncEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

var _ core.SyncEventPublisher = (*SyncEventPublisher)(nil)
