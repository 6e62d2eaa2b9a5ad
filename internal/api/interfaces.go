package api

import (
	"context"

	"github.com/kranthikarthan/payment-saga/internal/orchestrator"
	"github.com/kranthikarthan/payment-saga/internal/saga"
)

type Orchestrator interface {
	StartSaga(ctx context.Context, req orchestrator.StartRequest) (*saga.Saga, error)
	StartCompensation(ctx context.Context, sagaID, reason string) error
	GetSaga(ctx context.Context, id string) (*saga.Saga, error)
	GetSteps(ctx context.Context, id string) ([]*saga.SagaStep, error)
	GetEvents(ctx context.Context, id string) ([]saga.Event, error)
	GetStatus(ctx context.Context, id string) (saga.Status, error)
}

type Deduper interface {
	GetSagaIDByIdempotencyKey(ctx context.Context, key string) (sagaID string, found bool, err error)
	BindIdempotencyKey(ctx context.Context, key, sagaID string) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}
