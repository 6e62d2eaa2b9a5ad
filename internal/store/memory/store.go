package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/store"
)

// Store is an in-memory implementation of the Store interface. Aggregates are
// deep-copied on the way in and out, so callers never share state with the
// stored copy; each method holds the lock for the whole write, which gives the
// same atomic saga+steps visibility the postgres store gets from a transaction.
type Store struct {
	mu       sync.RWMutex
	sagas    map[string]*saga.Saga
	events   map[string][]saga.Event
	idemKeys map[string]string
}

func New() *Store {
	return &Store{
		sagas:    make(map[string]*saga.Saga),
		events:   make(map[string][]saga.Event),
		idemKeys: make(map[string]string),
	}
}

func (s *Store) CreateSaga(ctx context.Context, sg *saga.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sagas[sg.ID]; exists {
		return fmt.Errorf("%w: saga %s", store.ErrAlreadyExists, sg.ID)
	}
	s.sagas[sg.ID] = sg.Clone()
	return nil
}

func (s *Store) UpdateSaga(ctx context.Context, sg *saga.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.sagas[sg.ID]
	if !exists {
		return fmt.Errorf("%w: saga %s", store.ErrNotFound, sg.ID)
	}
	if stored.Version != sg.Version {
		return fmt.Errorf("%w: saga %s at version %d, write carries %d",
			store.ErrVersionConflict, sg.ID, stored.Version, sg.Version)
	}
	sg.Version++
	s.sagas[sg.ID] = sg.Clone()
	return nil
}

func (s *Store) GetSaga(ctx context.Context, id string) (*saga.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.sagas[id]
	if !ok {
		return nil, fmt.Errorf("%w: saga %s", store.ErrNotFound, id)
	}
	return sg.Clone(), nil
}

func (s *Store) ListSteps(ctx context.Context, sagaID string) ([]*saga.SagaStep, error) {
	sg, err := s.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	steps := sg.Steps
	sort.Slice(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
	return steps, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev saga.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.SagaID] = append(s.events[ev.SagaID], ev)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sagaID string) ([]saga.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[sagaID]
	out := make([]saga.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *Store) GetSagaIDByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sagaID, ok := s.idemKeys[key]
	return sagaID, ok, nil
}

func (s *Store) BindIdempotencyKey(ctx context.Context, key, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.idemKeys[key]; exists {
		return fmt.Errorf("%w: idempotency key", store.ErrAlreadyExists)
	}
	s.idemKeys[key] = sagaID
	return nil
}

func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idemKeys, key)
	return nil
}
