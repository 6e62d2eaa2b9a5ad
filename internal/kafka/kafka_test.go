package kafka

import (
	"context"
	"errors"
	"io"
	"testing"

	segkafka "github.com/segmentio/kafka-go"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{Brokers: []string{"b1"}, TopicPrefix: "saga", DLQTopic: "saga.dlq"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := cfg.ValidateCommands(); err == nil {
		t.Fatalf("expected error for missing commands topic")
	}

	cfg.CommandsTopic = "saga.commands"
	if err := cfg.ValidateCommands(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

type fakeWriter struct {
	written []segkafka.Message
	err     error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...segkafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaGoProducerPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaGoProducerWithWriter(w)

	err := p.Publish(context.Background(), "saga.started", Message{Key: "saga-1", Value: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.written) != 1 {
		t.Fatalf("written = %d, want 1", len(w.written))
	}
	if w.written[0].Topic != "saga.started" || string(w.written[0].Key) != "saga-1" {
		t.Fatalf("unexpected message: %+v", w.written[0])
	}
}

func TestKafkaGoProducerPublishError(t *testing.T) {
	want := errors.New("broker down")
	p := newKafkaGoProducerWithWriter(&fakeWriter{err: want})
	if err := p.Publish(context.Background(), "t", Message{}); !errors.Is(err, want) {
		t.Fatalf("expected writer error, got %v", err)
	}
}

type fakeConn struct {
	closed bool
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestCheckConnectivityFallsThroughBrokers(t *testing.T) {
	conn := &fakeConn{}
	var dialed []string
	dial := func(ctx context.Context, network, address string) (io.Closer, error) {
		dialed = append(dialed, address)
		if address == "b1:9092" {
			return nil, errors.New("refused")
		}
		return conn, nil
	}

	if err := checkConnectivity(context.Background(), []string{"b1:9092", "b2:9092"}, dial); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(dialed) != 2 {
		t.Fatalf("dialed = %v", dialed)
	}
	if !conn.closed {
		t.Fatalf("dialed connection not closed")
	}
}

func TestCheckConnectivityAllBrokersDown(t *testing.T) {
	dial := func(ctx context.Context, network, address string) (io.Closer, error) {
		return nil, errors.New("refused")
	}
	if err := checkConnectivity(context.Background(), []string{"b1:9092"}, dial); err == nil {
		t.Fatalf("expected error")
	}
	if err := checkConnectivity(context.Background(), nil, dial); err == nil {
		t.Fatalf("expected error for empty broker list")
	}
}
