package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kranthikarthan/payment-saga/internal/kafka"
	"github.com/kranthikarthan/payment-saga/internal/saga"
)

type fakeProducer struct {
	published []publishedMsg
	failTopic string
	err       error
}

type publishedMsg struct {
	topic string
	msg   kafka.Message
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, msg kafka.Message) error {
	if p.err != nil && (p.failTopic == "" || p.failTopic == topic) {
		return p.err
	}
	p.published = append(p.published, publishedMsg{topic: topic, msg: msg})
	return nil
}

func testConfig() kafka.Config {
	return kafka.Config{Brokers: []string{"b1"}, TopicPrefix: "saga", DLQTopic: "saga.dlq"}
}

func testEvent() saga.Event {
	return saga.Event{
		ID:             "ev-1",
		SagaID:         "saga-1",
		Type:           saga.EventSagaStarted,
		TenantID:       "tenant-1",
		BusinessUnitID: "bu-1",
		CorrelationID:  "corr-1",
		OccurredAt:     time.Unix(1700000000, 0).UTC(),
		Data:           map[string]any{"saga_name": "transfer"},
	}
}

func TestTopicFor(t *testing.T) {
	cases := []struct {
		eventType saga.EventType
		want      string
	}{
		{saga.EventSagaStarted, "saga.started"},
		{saga.EventStepStarted, "saga.step-started"},
		{saga.EventStepCompleted, "saga.step-completed"},
		{saga.EventStepFailed, "saga.step-failed"},
		{saga.EventCompensationStarted, "saga.compensation-started"},
		{saga.EventSagaCompensated, "saga.compensated"},
		{saga.EventSagaCompleted, "saga.completed"},
		{saga.EventSagaFailed, "saga.failed"},
	}
	for _, tc := range cases {
		if got := TopicFor("saga", tc.eventType); got != tc.want {
			t.Fatalf("TopicFor(%q) = %q, want %q", tc.eventType, got, tc.want)
		}
	}
}

func TestPublish_KeyedBySagaID(t *testing.T) {
	producer := &fakeProducer{}
	p, err := NewKafkaPublisher(testConfig(), producer)
	if err != nil {
		t.Fatalf("NewKafkaPublisher: %v", err)
	}

	p.Publish(context.Background(), testEvent())

	if len(producer.published) != 1 {
		t.Fatalf("published = %d, want 1", len(producer.published))
	}
	got := producer.published[0]
	if got.topic != "saga.started" {
		t.Fatalf("topic = %q", got.topic)
	}
	if got.msg.Key != "saga-1" {
		t.Fatalf("key = %q, want saga id", got.msg.Key)
	}

	var env saga.Event
	if err := json.Unmarshal(got.msg.Value, &env); err != nil {
		t.Fatalf("envelope not valid json: %v", err)
	}
	if env.ID != "ev-1" || env.Type != saga.EventSagaStarted || env.CorrelationID != "corr-1" {
		t.Fatalf("envelope mismatch: %+v", env)
	}
}

func TestPublish_FailureGoesToDeadLetter(t *testing.T) {
	producer := &fakeProducer{failTopic: "saga.started", err: errors.New("broker unreachable")}
	p, err := NewKafkaPublisher(testConfig(), producer)
	if err != nil {
		t.Fatalf("NewKafkaPublisher: %v", err)
	}
	p.now = func() time.Time { return time.Unix(1700000100, 0).UTC() }

	p.Publish(context.Background(), testEvent())

	if len(producer.published) != 1 {
		t.Fatalf("published = %d, want 1 dead letter", len(producer.published))
	}
	got := producer.published[0]
	if got.topic != "saga.dlq" {
		t.Fatalf("topic = %q, want saga.dlq", got.topic)
	}

	var dl DeadLetter
	if err := json.Unmarshal(got.msg.Value, &dl); err != nil {
		t.Fatalf("dead letter not valid json: %v", err)
	}
	if dl.OriginalTopic != "saga.started" || dl.OriginalKey != "saga-1" {
		t.Fatalf("dead letter origin mismatch: %+v", dl)
	}
	if dl.Error != "broker unreachable" {
		t.Fatalf("dead letter error = %q", dl.Error)
	}
	var original saga.Event
	if err := json.Unmarshal(dl.OriginalMessage, &original); err != nil {
		t.Fatalf("original message not preserved: %v", err)
	}
	if original.ID != "ev-1" {
		t.Fatalf("original message mismatch: %+v", original)
	}
}

func TestPublish_TotalFailureNeverPanicsOrPropagates(t *testing.T) {
	producer := &fakeProducer{err: errors.New("everything is down")}
	p, err := NewKafkaPublisher(testConfig(), producer)
	if err != nil {
		t.Fatalf("NewKafkaPublisher: %v", err)
	}

	p.Publish(context.Background(), testEvent())

	if len(producer.published) != 0 {
		t.Fatalf("nothing should have been published")
	}
}

func TestMemoryPublisherOrder(t *testing.T) {
	p := NewMemoryPublisher()
	ev := testEvent()
	p.Publish(context.Background(), ev)
	ev2 := ev
	ev2.Type = saga.EventSagaCompleted
	p.Publish(context.Background(), ev2)

	types := p.Types()
	if len(types) != 2 || types[0] != saga.EventSagaStarted || types[1] != saga.EventSagaCompleted {
		t.Fatalf("order not preserved: %v", types)
	}
}
