package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/store"
)

func testSaga(t *testing.T) *saga.Saga {
	t.Helper()
	tpl := saga.Template{
		Name:    "transfer",
		Version: 1,
		Steps: []saga.StepDefinition{
			{Name: "debit", Type: saga.StepTypeAccountAdapter, ServiceName: "accounts", Endpoint: "http://a/debit", CompensationEndpoint: "http://a/credit", MaxRetries: 1, TimeoutSeconds: 5},
			{Name: "credit", Type: saga.StepTypeAccountAdapter, ServiceName: "accounts", Endpoint: "http://a/credit", MaxRetries: 1, TimeoutSeconds: 5},
		},
	}
	return saga.NewFromTemplate(tpl, "tenant-1", "bu-1", "corr-1", "pay-1", nil, time.Now())
}

func TestCreateAndGetSaga(t *testing.T) {
	s := New()
	sg := testSaga(t)
	ctx := context.Background()

	if err := s.CreateSaga(ctx, sg); err != nil {
		t.Fatalf("CreateSaga: %v", err)
	}
	got, err := s.GetSaga(ctx, sg.ID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if got.ID != sg.ID || len(got.Steps) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if err := s.CreateSaga(ctx, sg); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetSaga_NotFound(t *testing.T) {
	s := New()
	if _, err := s.GetSaga(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSaga_IsolatedFromCaller(t *testing.T) {
	s := New()
	sg := testSaga(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.CreateSaga(ctx, sg); err != nil {
		t.Fatalf("CreateSaga: %v", err)
	}
	if err := sg.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.UpdateSaga(ctx, sg); err != nil {
		t.Fatalf("UpdateSaga: %v", err)
	}

	// mutate the caller's copy after the update; store must not see it
	sg.Steps[0].Status = saga.StepRunning

	got, err := s.GetSaga(ctx, sg.ID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if got.Status != saga.StatusRunning {
		t.Fatalf("status = %q, want RUNNING", got.Status)
	}
	if got.Steps[0].Status != saga.StepPending {
		t.Fatalf("stored step aliased caller memory")
	}
}

func TestUpdateSaga_RejectsStaleWriter(t *testing.T) {
	s := New()
	sg := testSaga(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.CreateSaga(ctx, sg); err != nil {
		t.Fatalf("CreateSaga: %v", err)
	}
	if err := sg.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.UpdateSaga(ctx, sg); err != nil {
		t.Fatalf("UpdateSaga: %v", err)
	}

	// two instances load the same RUNNING saga
	a, err := s.GetSaga(ctx, sg.ID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	b, err := s.GetSaga(ctx, sg.ID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}

	if err := a.BeginCompensation("duplicate payment", now); err != nil {
		t.Fatalf("BeginCompensation: %v", err)
	}
	if err := s.UpdateSaga(ctx, a); err != nil {
		t.Fatalf("UpdateSaga winner: %v", err)
	}

	// b still thinks the saga is RUNNING; its write must not land
	if err := s.UpdateSaga(ctx, b); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, err := s.GetSaga(ctx, sg.ID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if got.Status != saga.StatusCompensating {
		t.Fatalf("status = %q, stale write regressed the saga", got.Status)
	}
}

func TestUpdateSaga_VersionAdvancesWithWriter(t *testing.T) {
	s := New()
	sg := testSaga(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.CreateSaga(ctx, sg); err != nil {
		t.Fatalf("CreateSaga: %v", err)
	}
	if err := sg.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// the same in-process aggregate can save repeatedly; the version rides along
	for i := 0; i < 3; i++ {
		if err := s.UpdateSaga(ctx, sg); err != nil {
			t.Fatalf("UpdateSaga %d: %v", i, err)
		}
	}
	if sg.Version != 4 {
		t.Fatalf("version = %d, want 4", sg.Version)
	}
	got, err := s.GetSaga(ctx, sg.ID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if got.Version != sg.Version {
		t.Fatalf("stored version %d != caller version %d", got.Version, sg.Version)
	}
}

func TestUpdateSaga_NotFound(t *testing.T) {
	s := New()
	sg := testSaga(t)
	if err := s.UpdateSaga(context.Background(), sg); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	s := New()
	sg := testSaga(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.AppendEvent(ctx, saga.NewEvent(sg, saga.EventSagaStarted, nil, now)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.AppendEvent(ctx, saga.NewEvent(sg, saga.EventSagaCompleted, nil, now)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	evs, err := s.ListEvents(ctx, sg.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2", len(evs))
	}
	if evs[0].Type != saga.EventSagaStarted || evs[1].Type != saga.EventSagaCompleted {
		t.Fatalf("event order not preserved: %v, %v", evs[0].Type, evs[1].Type)
	}
}

func TestIdempotencyKeys(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, found, err := s.GetSagaIDByIdempotencyKey(ctx, "key-1"); err != nil || found {
		t.Fatalf("unexpected lookup result: found=%v err=%v", found, err)
	}
	if err := s.BindIdempotencyKey(ctx, "key-1", "saga-1"); err != nil {
		t.Fatalf("BindIdempotencyKey: %v", err)
	}
	sagaID, found, err := s.GetSagaIDByIdempotencyKey(ctx, "key-1")
	if err != nil || !found || sagaID != "saga-1" {
		t.Fatalf("lookup = %q found=%v err=%v", sagaID, found, err)
	}
	if err := s.BindIdempotencyKey(ctx, "key-1", "saga-2"); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := s.ReleaseIdempotencyKey(ctx, "key-1"); err != nil {
		t.Fatalf("ReleaseIdempotencyKey: %v", err)
	}
	if err := s.BindIdempotencyKey(ctx, "key-1", "saga-2"); err != nil {
		t.Fatalf("rebind after release: %v", err)
	}
}
