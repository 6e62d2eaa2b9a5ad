package store

import (
	"context"

	"github.com/kranthikarthan/payment-saga/internal/saga"
)

// Store persists saga aggregates and their event history. UpdateSaga must be
// atomic over the saga row and all of its step rows, so concurrent readers
// never observe an advanced step index with stale step statuses.
//
// UpdateSaga guards on the aggregate's Version: the write succeeds only when
// the stored version matches, bumps both copies, and returns
// ErrVersionConflict otherwise. A writer holding a stale clone can therefore
// never overwrite a saga another instance has already moved on.
type Store interface {
	CreateSaga(ctx context.Context, s *saga.Saga) error
	UpdateSaga(ctx context.Context, s *saga.Saga) error
	GetSaga(ctx context.Context, id string) (*saga.Saga, error)
	ListSteps(ctx context.Context, sagaID string) ([]*saga.SagaStep, error)

	AppendEvent(ctx context.Context, ev saga.Event) error
	ListEvents(ctx context.Context, sagaID string) ([]saga.Event, error)

	GetSagaIDByIdempotencyKey(ctx context.Context, key string) (sagaID string, found bool, err error)
	BindIdempotencyKey(ctx context.Context, key, sagaID string) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}
