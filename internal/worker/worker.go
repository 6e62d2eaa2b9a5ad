package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/kranthikarthan/payment-saga/internal/kafka"
	"github.com/kranthikarthan/payment-saga/internal/orchestrator"
	"github.com/kranthikarthan/payment-saga/internal/saga"
)

// Command is a saga start request arriving over the commands topic. It is
// the message-bus twin of the HTTP start endpoint.
type Command struct {
	TemplateName   string         `json:"template_name"`
	TenantID       string         `json:"tenant_id"`
	BusinessUnitID string         `json:"business_unit_id"`
	CorrelationID  string         `json:"correlation_id"`
	PaymentID      string         `json:"payment_id"`
	Data           map[string]any `json:"data"`
}

type SagaStarter interface {
	StartSaga(ctx context.Context, req orchestrator.StartRequest) (*saga.Saga, error)
}

// Worker drains the commands topic and starts one saga per command. A
// command that cannot even be started lands on the DLQ; a saga that starts
// and then fails carries its own outcome and is not redelivered.
type Worker struct {
	consumer    kafka.Consumer
	starter     SagaStarter
	dlqProducer kafka.Producer
	dlqTopic    string
}

func New(consumer kafka.Consumer, starter SagaStarter, dlqProducer kafka.Producer, dlqTopic string) (*Worker, error) {
	if consumer == nil {
		return nil, errors.New("consumer is required")
	}
	if starter == nil {
		return nil, errors.New("starter is required")
	}
	return &Worker{
		consumer:    consumer,
		starter:     starter,
		dlqProducer: dlqProducer,
		dlqTopic:    dlqTopic,
	}, nil
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("worker poll error: %v", err)
			continue
		}
		if err := w.Handle(ctx, msg); err != nil {
			log.Printf("worker handle error: %v", err)
		}
		if err := w.consumer.Commit(ctx, msg); err != nil {
			log.Printf("worker commit error: %v", err)
		}
	}
}

func (w *Worker) Handle(ctx context.Context, msg kafka.Message) error {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		w.deadLetter(ctx, msg, fmt.Sprintf("malformed command: %v", err))
		return fmt.Errorf("malformed command: %w", err)
	}

	s, err := w.starter.StartSaga(ctx, orchestrator.StartRequest{
		TemplateName:   cmd.TemplateName,
		TenantID:       cmd.TenantID,
		BusinessUnitID: cmd.BusinessUnitID,
		CorrelationID:  cmd.CorrelationID,
		PaymentID:      cmd.PaymentID,
		Data:           cmd.Data,
	})
	if err != nil {
		if s == nil {
			// never became a saga; the message itself is the only record
			w.deadLetter(ctx, msg, err.Error())
			return fmt.Errorf("start saga: %w", err)
		}
		log.Printf("saga %s finished with error: %v", s.ID, err)
		return nil
	}

	log.Printf("saga %s finished with status %s", s.ID, s.Status)
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, msg kafka.Message, reason string) {
	if w.dlqProducer == nil || w.dlqTopic == "" {
		return
	}
	value, err := json.Marshal(map[string]any{
		"original_key":     msg.Key,
		"original_message": string(msg.Value),
		"error":            reason,
	})
	if err != nil {
		log.Printf("dlq marshal failed: %v", err)
		return
	}
	if err := w.dlqProducer.Publish(ctx, w.dlqTopic, kafka.Message{Key: msg.Key, Value: value}); err != nil {
		log.Printf("dlq publish failed: %v", err)
	}
}
