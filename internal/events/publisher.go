package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/kranthikarthan/payment-saga/internal/kafka"
	"github.com/kranthikarthan/payment-saga/internal/saga"
)

// Publisher emits lifecycle events. Delivery is best effort: implementations
// must never surface a publish failure back into the workflow.
type Publisher interface {
	Publish(ctx context.Context, ev saga.Event)
}

// DeadLetter is the payload forwarded to the shared dead-letter topic when a
// publish fails.
type DeadLetter struct {
	OriginalTopic   string          `json:"original_topic"`
	OriginalKey     string          `json:"original_key"`
	OriginalMessage json.RawMessage `json:"original_message,omitempty"`
	Error           string          `json:"error"`
	Timestamp       time.Time       `json:"timestamp"`
}

var topicSuffixes = map[saga.EventType]string{
	saga.EventSagaStarted:         "started",
	saga.EventStepStarted:         "step-started",
	saga.EventStepCompleted:       "step-completed",
	saga.EventStepFailed:          "step-failed",
	saga.EventCompensationStarted: "compensation-started",
	saga.EventSagaCompensated:     "compensated",
	saga.EventSagaCompleted:       "completed",
	saga.EventSagaFailed:          "failed",
}

// TopicFor maps an event type to its topic, one logical channel per type.
func TopicFor(prefix string, t saga.EventType) string {
	suffix, ok := topicSuffixes[t]
	if !ok {
		suffix = "unknown"
	}
	return prefix + "." + suffix
}

// KafkaPublisher sends events keyed by saga id so per-saga order survives
// partitioning. A failed send is redirected, payload and reason included, to
// the dead-letter topic; failures of the redirect itself are only logged.
type KafkaPublisher struct {
	producer    kafka.Producer
	topicPrefix string
	dlqTopic    string
	now         func() time.Time
}

func NewKafkaPublisher(cfg kafka.Config, producer kafka.Producer) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if producer == nil {
		producer = &kafka.NoopProducer{}
	}
	return &KafkaPublisher{
		producer:    producer,
		topicPrefix: cfg.TopicPrefix,
		dlqTopic:    cfg.DLQTopic,
		now:         time.Now,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev saga.Event) {
	topic := TopicFor(p.topicPrefix, ev.Type)

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("event marshal failed saga=%s type=%s: %v", ev.SagaID, ev.Type, err)
		p.deadLetter(ctx, topic, ev.SagaID, nil, err)
		return
	}
	if err := p.producer.Publish(ctx, topic, kafka.Message{Key: ev.SagaID, Value: payload}); err != nil {
		log.Printf("event publish failed saga=%s topic=%s: %v", ev.SagaID, topic, err)
		p.deadLetter(ctx, topic, ev.SagaID, payload, err)
	}
}

func (p *KafkaPublisher) deadLetter(ctx context.Context, topic, key string, message []byte, cause error) {
	dl := DeadLetter{
		OriginalTopic:   topic,
		OriginalKey:     key,
		OriginalMessage: message,
		Error:           cause.Error(),
		Timestamp:       p.now(),
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		log.Printf("dead letter marshal failed topic=%s key=%s: %v", topic, key, err)
		return
	}
	if err := p.producer.Publish(ctx, p.dlqTopic, kafka.Message{Key: key, Value: payload}); err != nil {
		log.Printf("dead letter publish failed topic=%s key=%s: %v", topic, key, err)
	}
}
