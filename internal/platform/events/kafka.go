package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/solucity-dev/solucity-sub000/internal/services"
)

const defaultKafkaWriteTimeout = 10 * time.Second

// messageWriter abstracts kafka.Writer for testability.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig addresses the topic receiving order events.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	SASLUsername string
	SASLPassword string
	WriteTimeout time.Duration
}

// KafkaPublisher writes order events to Kafka. Messages are keyed by order id so the hash
// balancer keeps one order on one partition.
type KafkaPublisher struct {
	writer  messageWriter
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds a synchronous writer requiring acknowledgement from all replicas.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka order publisher: at least one broker is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka order publisher: topic is required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultKafkaWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		WriteTimeout: timeout,
	}
	if cfg.SASLUsername != "" {
		writer.Transport = &kafka.Transport{
			SASL: plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword},
		}
	}
	return newKafkaPublisher(writer), nil
}

func newKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, marshal: json.Marshal}
}

// PublishOrderEvent writes one message carrying the JSON event and its routing headers.
func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, message services.OrderEventMessage) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka order publisher: not initialised")
	}
	value, err := p.marshal(message)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := Attributes(message)
	headers := make([]kafka.Header, 0, len(attrs))
	for key, attr := range attrs {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(attr)})
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(OrderingKey(message)),
		Value:   value,
		Headers: headers,
		Time:    message.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("write order event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
