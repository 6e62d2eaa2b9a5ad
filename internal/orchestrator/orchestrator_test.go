package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kranthikarthan/payment-saga/internal/compensation"
	"github.com/kranthikarthan/payment-saga/internal/events"
	"github.com/kranthikarthan/payment-saga/internal/invoker"
	"github.com/kranthikarthan/payment-saga/internal/retry"
	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/statuscache"
	"github.com/kranthikarthan/payment-saga/internal/store"
	"github.com/kranthikarthan/payment-saga/internal/store/memory"
)

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []string
	handler func(endpoint string, payload map[string]any) (map[string]any, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, endpoint string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, endpoint)
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(endpoint, payload)
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeInvoker) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == endpoint {
			n++
		}
	}
	return n
}

func (f *fakeInvoker) compensationCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasSuffix(c, "/undo") {
			n++
		}
	}
	return n
}

type fixture struct {
	orch    *Orchestrator
	store   *memory.Store
	invoker *fakeInvoker
	pub     *events.MemoryPublisher
	sleeps  []time.Duration
}

func newFixture(t *testing.T, inv *fakeInvoker, opts ...Option) *fixture {
	t.Helper()
	st := memory.New()
	pub := events.NewMemoryPublisher()
	engine, err := compensation.NewEngine(st, inv, pub)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	registry := saga.NewRegistry()
	if err := registry.Register(paymentTemplate()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	f := &fixture{store: st, invoker: inv, pub: pub}
	base := []Option{
		WithBackoff(retry.Policy{Mode: retry.ModeFixed, Base: time.Millisecond, Max: time.Millisecond}),
		WithSleep(func(d time.Duration) { f.sleeps = append(f.sleeps, d) }),
		WithRand(rand.New(rand.NewSource(1))),
	}
	orch, err := New(st, registry, inv, pub, engine, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.orch = orch
	return f
}

func paymentTemplate() saga.Template {
	return saga.Template{
		Name:    "payment-transfer",
		Version: 1,
		Steps: []saga.StepDefinition{
			{Name: "validate", Type: saga.StepTypeValidation, ServiceName: "validation", Endpoint: "http://v/validate", MaxRetries: 0, TimeoutSeconds: 5},
			{Name: "debit", Type: saga.StepTypeAccountAdapter, ServiceName: "accounts", Endpoint: "http://a/debit", CompensationEndpoint: "http://a/debit/undo", MaxRetries: 2, TimeoutSeconds: 5},
			{Name: "credit", Type: saga.StepTypeAccountAdapter, ServiceName: "accounts", Endpoint: "http://a/credit", CompensationEndpoint: "http://a/credit/undo", MaxRetries: 2, TimeoutSeconds: 5},
		},
	}
}

func startRequest() StartRequest {
	return StartRequest{
		TemplateName:   "payment-transfer",
		TenantID:       "tenant-1",
		BusinessUnitID: "bu-1",
		CorrelationID:  "corr-1",
		PaymentID:      "pay-1",
		Data:           map[string]any{"amount": 125.50},
	}
}

func TestStartSaga_HappyPath(t *testing.T) {
	f := newFixture(t, &fakeInvoker{})

	s, err := f.orch.StartSaga(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if s.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %q, want COMPLETED", s.Status)
	}
	if s.CurrentStepIndex != len(s.Steps) {
		t.Fatalf("current step index = %d, want %d", s.CurrentStepIndex, len(s.Steps))
	}
	for _, step := range s.Steps {
		if step.Status != saga.StepCompleted {
			t.Fatalf("step %s status = %q, want COMPLETED", step.Name, step.Status)
		}
		if step.OutputData["ok"] != true {
			t.Fatalf("step %s output not recorded: %v", step.Name, step.OutputData)
		}
	}

	stored, err := f.store.GetSaga(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if stored.Status != saga.StatusCompleted {
		t.Fatalf("stored status = %q, want COMPLETED", stored.Status)
	}

	want := []saga.EventType{
		saga.EventSagaStarted,
		saga.EventStepStarted, saga.EventStepCompleted,
		saga.EventStepStarted, saga.EventStepCompleted,
		saga.EventStepStarted, saga.EventStepCompleted,
		saga.EventSagaCompleted,
	}
	got := f.pub.Types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, got[i], want[i])
		}
	}

	appended, err := f.store.ListEvents(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(appended) != len(want) {
		t.Fatalf("stored events = %d, want %d", len(appended), len(want))
	}
}

func TestStartSaga_UsesReservedID(t *testing.T) {
	f := newFixture(t, &fakeInvoker{})

	req := startRequest()
	req.SagaID = "saga-reserved-1"
	s, err := f.orch.StartSaga(context.Background(), req)
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if s.ID != "saga-reserved-1" {
		t.Fatalf("saga id = %q, want the caller's saga-reserved-1", s.ID)
	}
	for _, step := range s.Steps {
		if step.SagaID != "saga-reserved-1" {
			t.Fatalf("step %s saga id = %q", step.Name, step.SagaID)
		}
	}
	if _, err := f.store.GetSaga(context.Background(), "saga-reserved-1"); err != nil {
		t.Fatalf("GetSaga by reserved id: %v", err)
	}
}

func TestStartSaga_UnknownTemplate(t *testing.T) {
	f := newFixture(t, &fakeInvoker{})

	req := startRequest()
	req.TemplateName = "no-such-template"
	if _, err := f.orch.StartSaga(context.Background(), req); !errors.Is(err, saga.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
	if len(f.invoker.calls) != 0 {
		t.Fatalf("no downstream calls expected, got %v", f.invoker.calls)
	}
	if len(f.pub.Published()) != 0 {
		t.Fatalf("no events expected, got %v", f.pub.Types())
	}
}

func TestStartSaga_RequestValidation(t *testing.T) {
	f := newFixture(t, &fakeInvoker{})

	cases := []struct {
		name   string
		mutate func(*StartRequest)
	}{
		{"missing template", func(r *StartRequest) { r.TemplateName = "" }},
		{"missing tenant", func(r *StartRequest) { r.TenantID = "" }},
		{"missing business unit", func(r *StartRequest) { r.BusinessUnitID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := startRequest()
			tc.mutate(&req)
			if _, err := f.orch.StartSaga(context.Background(), req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestStartSaga_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	inv := &fakeInvoker{
		handler: func(endpoint string, payload map[string]any) (map[string]any, error) {
			if endpoint == "http://a/debit" {
				attempts++
				if attempts <= 2 {
					return nil, &invoker.StatusError{StatusCode: 503, Body: "busy"}
				}
			}
			return map[string]any{"ok": true}, nil
		},
	}
	f := newFixture(t, inv)

	s, err := f.orch.StartSaga(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if s.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %q, want COMPLETED", s.Status)
	}

	debit := s.Steps[1]
	if debit.Status != saga.StepCompleted {
		t.Fatalf("debit status = %q, want COMPLETED", debit.Status)
	}
	if debit.RetryCount != 2 {
		t.Fatalf("debit retry count = %d, want 2", debit.RetryCount)
	}
	if inv.callCount("http://a/debit") != 3 {
		t.Fatalf("debit calls = %d, want 3", inv.callCount("http://a/debit"))
	}
	if len(f.sleeps) != 2 {
		t.Fatalf("sleeps = %v, want two backoff pauses", f.sleeps)
	}
	for _, d := range f.sleeps {
		if d != time.Millisecond {
			t.Fatalf("backoff delay = %v, want fixed 1ms", d)
		}
	}
	if inv.compensationCalls() != 0 {
		t.Fatalf("no compensation expected, got %d calls", inv.compensationCalls())
	}
}

func TestStartSaga_ExhaustedRetriesCompensate(t *testing.T) {
	inv := &fakeInvoker{
		handler: func(endpoint string, payload map[string]any) (map[string]any, error) {
			if endpoint == "http://a/credit" {
				return nil, &invoker.StatusError{StatusCode: 500, Body: "ledger down"}
			}
			return map[string]any{"ok": true}, nil
		},
	}
	f := newFixture(t, inv)

	s, err := f.orch.StartSaga(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if s.Status != saga.StatusCompensated {
		t.Fatalf("saga status = %q, want COMPENSATED", s.Status)
	}

	// max_retries 2 means three attempts before giving up
	if inv.callCount("http://a/credit") != 3 {
		t.Fatalf("credit attempts = %d, want 3", inv.callCount("http://a/credit"))
	}

	credit := s.Steps[2]
	if credit.Status != saga.StepFailed {
		t.Fatalf("credit status = %q, want FAILED", credit.Status)
	}
	if credit.ErrorData["status_code"] != 500 {
		t.Fatalf("credit error data = %v", credit.ErrorData)
	}
	for _, step := range s.Steps[:2] {
		if step.Status != saga.StepCompensated {
			t.Fatalf("step %s status = %q, want COMPENSATED", step.Name, step.Status)
		}
	}

	// validate has no compensation endpoint, only debit's undo runs
	if inv.compensationCalls() != 1 {
		t.Fatalf("compensation calls = %d, want 1", inv.compensationCalls())
	}
	if inv.callCount("http://a/debit/undo") != 1 {
		t.Fatalf("debit undo calls = %d, want 1", inv.callCount("http://a/debit/undo"))
	}

	types := f.pub.Types()
	sawCompensationStarted := false
	for _, typ := range types {
		if typ == saga.EventCompensationStarted {
			sawCompensationStarted = true
		}
	}
	if !sawCompensationStarted {
		t.Fatalf("missing SAGA_COMPENSATION_STARTED in %v", types)
	}
	if types[len(types)-1] != saga.EventSagaCompensated {
		t.Fatalf("last event = %q, want SAGA_COMPENSATED", types[len(types)-1])
	}
}

func TestStartSaga_OptionalStepSkipped(t *testing.T) {
	inv := &fakeInvoker{
		handler: func(endpoint string, payload map[string]any) (map[string]any, error) {
			if endpoint == "http://n/notify" {
				return nil, errors.New("notification service unreachable")
			}
			return map[string]any{"ok": true}, nil
		},
	}
	st := memory.New()
	pub := events.NewMemoryPublisher()
	engine, err := compensation.NewEngine(st, inv, pub)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	registry := saga.NewRegistry()
	tpl := paymentTemplate()
	tpl.Steps = append(tpl.Steps, saga.StepDefinition{
		Name: "notify", Type: saga.StepTypeNotification, ServiceName: "notifications",
		Endpoint: "http://n/notify", MaxRetries: 0, TimeoutSeconds: 5, Optional: true,
	})
	if err := registry.Register(tpl); err != nil {
		t.Fatalf("Register: %v", err)
	}
	orch, err := New(st, registry, inv, pub, engine,
		WithBackoff(retry.Policy{Mode: retry.ModeFixed, Base: time.Millisecond, Max: time.Millisecond}),
		WithSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := orch.StartSaga(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if s.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %q, want COMPLETED", s.Status)
	}

	notify := s.Steps[3]
	if notify.Status != saga.StepSkipped {
		t.Fatalf("notify status = %q, want SKIPPED", notify.Status)
	}
	if inv.compensationCalls() != 0 {
		t.Fatalf("optional failure must not trigger compensation, got %d calls", inv.compensationCalls())
	}

	var skippedEvent *saga.Event
	for _, ev := range pub.Published() {
		if ev.Type == saga.EventStepFailed {
			skippedEvent = &ev
			break
		}
	}
	if skippedEvent == nil {
		t.Fatal("missing SAGA_STEP_FAILED event for skipped step")
	}
	if skippedEvent.Data["skipped"] != true || skippedEvent.Data["optional"] != true {
		t.Fatalf("skipped event data = %v", skippedEvent.Data)
	}
}

func TestStartCompensation_Idempotent(t *testing.T) {
	inv := &fakeInvoker{
		handler: func(endpoint string, payload map[string]any) (map[string]any, error) {
			if endpoint == "http://a/credit" {
				return nil, errors.New("ledger down")
			}
			return map[string]any{"ok": true}, nil
		},
	}
	f := newFixture(t, inv)

	s, err := f.orch.StartSaga(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if s.Status != saga.StatusCompensated {
		t.Fatalf("saga status = %q, want COMPENSATED", s.Status)
	}
	before := inv.compensationCalls()

	if err := f.orch.StartCompensation(context.Background(), s.ID, "manual retry"); err != nil {
		t.Fatalf("StartCompensation on compensated saga: %v", err)
	}
	if inv.compensationCalls() != before {
		t.Fatalf("second StartCompensation ran compensation again: %d -> %d", before, inv.compensationCalls())
	}
}

func TestStartCompensation_CompletedSagaConflicts(t *testing.T) {
	f := newFixture(t, &fakeInvoker{})

	s, err := f.orch.StartSaga(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	err = f.orch.StartCompensation(context.Background(), s.ID, "operator request")
	if !errors.Is(err, saga.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStartCompensation_UnknownSaga(t *testing.T) {
	f := newFixture(t, &fakeInvoker{})

	err := f.orch.StartCompensation(context.Background(), "no-such-saga", "operator request")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStatus_ServedFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := statuscache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer cache.Close()

	f := newFixture(t, &fakeInvoker{}, WithStatusCache(cache))

	s, err := f.orch.StartSaga(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}

	status, err := f.orch.GetStatus(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != saga.StatusCompleted {
		t.Fatalf("status = %q, want COMPLETED", status)
	}

	// even with the durable row gone the projection still answers
	got, found, err := cache.GetStatus(context.Background(), s.ID)
	if err != nil || !found || got != saga.StatusCompleted {
		t.Fatalf("cache read = %q found=%v err=%v", got, found, err)
	}
}

func TestGetStatus_FallsBackToStore(t *testing.T) {
	f := newFixture(t, &fakeInvoker{})

	s, err := f.orch.StartSaga(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	status, err := f.orch.GetStatus(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != saga.StatusCompleted {
		t.Fatalf("status = %q, want COMPLETED", status)
	}
}
