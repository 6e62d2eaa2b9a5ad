package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/kranthikarthan/payment-saga/internal/compensation"
	"github.com/kranthikarthan/payment-saga/internal/events"
	"github.com/kranthikarthan/payment-saga/internal/invoker"
	"github.com/kranthikarthan/payment-saga/internal/retry"
	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/statuscache"
	"github.com/kranthikarthan/payment-saga/internal/store"
)

// StartRequest carries everything needed to materialize a saga from a
// template. Tenant and business-unit identifiers ride along on every step
// and event for multi-tenant isolation.
type StartRequest struct {
	TemplateName   string
	TenantID       string
	BusinessUnitID string
	CorrelationID  string
	PaymentID      string
	Data           map[string]any

	// SagaID, when set, becomes the saga's id instead of a generated one.
	// The API layer reserves an id against an idempotency key before the
	// saga exists.
	SagaID string
}

func (r StartRequest) Validate() error {
	if r.TemplateName == "" {
		return errors.New("template name is required")
	}
	if r.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if r.BusinessUnitID == "" {
		return errors.New("business unit id is required")
	}
	return nil
}

// Orchestrator drives a saga forward one step at a time, in sequence order.
// Sagas for different ids may run concurrently; a single saga is only ever
// driven by one call at a time, the store's atomic-update contract covers
// readers.
type Orchestrator struct {
	store     store.Store
	registry  *saga.Registry
	invoker   invoker.Invoker
	publisher events.Publisher
	engine    *compensation.Engine
	cache     *statuscache.Cache
	backoff   retry.Policy
	sleep     func(time.Duration)
	now       func() time.Time
	rng       *rand.Rand
}

type Option func(*Orchestrator)

func WithBackoff(p retry.Policy) Option {
	return func(o *Orchestrator) { o.backoff = p }
}

func WithStatusCache(c *statuscache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithSleep(sleep func(time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func WithRand(rng *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = rng }
}

func New(st store.Store, registry *saga.Registry, inv invoker.Invoker, pub events.Publisher, engine *compensation.Engine, opts ...Option) (*Orchestrator, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if inv == nil {
		return nil, errors.New("invoker is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if engine == nil {
		return nil, errors.New("compensation engine is required")
	}
	o := &Orchestrator{
		store:     st,
		registry:  registry,
		invoker:   inv,
		publisher: pub,
		engine:    engine,
		backoff:   retry.DefaultPolicy(),
		sleep:     time.Sleep,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.backoff.Validate(); err != nil {
		return nil, fmt.Errorf("backoff policy: %w", err)
	}
	return o, nil
}

// StartSaga materializes a saga from the named template, persists it, and
// runs it to a terminal state. An unknown template fails the call before
// anything is persisted.
func (o *Orchestrator) StartSaga(ctx context.Context, req StartRequest) (*saga.Saga, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	tpl, err := o.registry.Resolve(req.TemplateName)
	if err != nil {
		return nil, err
	}

	s := saga.NewFromTemplate(tpl, req.TenantID, req.BusinessUnitID, req.CorrelationID, req.PaymentID, req.Data, o.now())
	if req.SagaID != "" {
		s.AssignID(req.SagaID)
	}
	if err := o.store.CreateSaga(ctx, s); err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}

	if err := s.Start(o.now()); err != nil {
		return nil, err
	}
	if err := o.save(ctx, s); err != nil {
		return nil, err
	}
	o.cacheStatus(ctx, s)
	o.publish(ctx, s, saga.EventSagaStarted, map[string]any{
		"saga_name":  s.Name,
		"payment_id": s.PaymentID,
		"step_count": len(s.Steps),
	})

	if err := o.ExecuteNextStep(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// ExecuteNextStep runs the saga's remaining steps in order. Once the step
// index passes the last step the saga completes.
func (o *Orchestrator) ExecuteNextStep(ctx context.Context, s *saga.Saga) error {
	for {
		step, ok := s.CurrentStep()
		if !ok {
			if err := s.Complete(o.now()); err != nil {
				return err
			}
			if err := o.save(ctx, s); err != nil {
				return err
			}
			o.cacheStatus(ctx, s)
			o.publish(ctx, s, saga.EventSagaCompleted, map[string]any{
				"saga_name":  s.Name,
				"step_count": len(s.Steps),
			})
			return nil
		}

		proceed, err := o.executeStep(ctx, s, step)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}
}

// executeStep runs one step to COMPLETED, SKIPPED, or FAILED, retrying up to
// the step's own budget with backoff between attempts. It reports whether the
// saga should keep advancing.
func (o *Orchestrator) executeStep(ctx context.Context, s *saga.Saga, step *saga.SagaStep) (bool, error) {
	if err := step.Start(o.now()); err != nil {
		return false, err
	}
	if err := o.save(ctx, s); err != nil {
		return false, err
	}
	o.publish(ctx, s, saga.EventStepStarted, saga.StepEventData(step, "execution"))

	for {
		output, err := o.invoker.Invoke(ctx, step.Endpoint, step.InputData, step.Timeout())
		if err == nil {
			if err := step.Complete(output, o.now()); err != nil {
				return false, err
			}
			if err := s.Advance(); err != nil {
				return false, err
			}
			if err := o.save(ctx, s); err != nil {
				return false, err
			}
			o.publish(ctx, s, saga.EventStepCompleted, saga.StepEventData(step, "execution"))
			return true, nil
		}

		// a timed-out call is a failed call; it consumed this attempt
		if step.CanRetry() {
			if rerr := step.RecordRetry(); rerr != nil {
				return false, rerr
			}
			if serr := o.save(ctx, s); serr != nil {
				return false, serr
			}
			delay, derr := retry.NextDelay(o.backoff, step.RetryCount, o.rng)
			if derr != nil {
				log.Printf("backoff delay failed saga=%s step=%s: %v", s.ID, step.Name, derr)
				delay = 0
			}
			if delay > 0 {
				o.sleep(delay)
			}
			continue
		}

		if step.Optional {
			if serr := step.Skip(err.Error(), o.now()); serr != nil {
				return false, serr
			}
			if aerr := s.Advance(); aerr != nil {
				return false, aerr
			}
			if serr := o.save(ctx, s); serr != nil {
				return false, serr
			}
			data := saga.StepEventData(step, "execution")
			data["optional"] = true
			data["skipped"] = true
			o.publish(ctx, s, saga.EventStepFailed, data)
			return true, nil
		}

		if ferr := step.Fail(invoker.ErrorData(err), err.Error(), o.now()); ferr != nil {
			return false, ferr
		}
		if serr := o.save(ctx, s); serr != nil {
			return false, serr
		}
		o.publish(ctx, s, saga.EventStepFailed, saga.StepEventData(step, "execution"))

		reason := fmt.Sprintf("step %s failed after %d retries: %v", step.Name, step.RetryCount, err)
		return false, o.compensate(ctx, s, reason)
	}
}

// StartCompensation rolls back a running saga. It is idempotent: a saga
// already compensating or compensated is left alone. Any other status is a
// state conflict.
func (o *Orchestrator) StartCompensation(ctx context.Context, sagaID, reason string) error {
	s, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	switch s.Status {
	case saga.StatusCompensating, saga.StatusCompensated:
		return nil
	case saga.StatusRunning:
		return o.compensate(ctx, s, reason)
	default:
		return fmt.Errorf("%w: cannot start compensation for saga %s in status %s",
			saga.ErrInvalidTransition, sagaID, s.Status)
	}
}

func (o *Orchestrator) compensate(ctx context.Context, s *saga.Saga, reason string) error {
	if err := s.BeginCompensation(reason, o.now()); err != nil {
		return err
	}
	if err := o.save(ctx, s); err != nil {
		return err
	}
	o.cacheStatus(ctx, s)
	o.publish(ctx, s, saga.EventCompensationStarted, map[string]any{
		"reason":              reason,
		"steps_to_compensate": len(s.CompletedSteps()),
	})

	if _, err := o.engine.Compensate(ctx, s); err != nil {
		return err
	}
	o.cacheStatus(ctx, s)
	return nil
}

func (o *Orchestrator) GetSaga(ctx context.Context, id string) (*saga.Saga, error) {
	return o.store.GetSaga(ctx, id)
}

func (o *Orchestrator) GetSteps(ctx context.Context, id string) ([]*saga.SagaStep, error) {
	return o.store.ListSteps(ctx, id)
}

func (o *Orchestrator) GetEvents(ctx context.Context, id string) ([]saga.Event, error) {
	return o.store.ListEvents(ctx, id)
}

// GetStatus serves from the redis projection when possible and falls back to
// the durable store.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (saga.Status, error) {
	if o.cache != nil {
		status, found, err := o.cache.GetStatus(ctx, id)
		if err == nil && found {
			return status, nil
		}
		if err != nil {
			log.Printf("status cache read failed saga=%s: %v", id, err)
		}
	}
	s, err := o.store.GetSaga(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Status, nil
}

func (o *Orchestrator) save(ctx context.Context, s *saga.Saga) error {
	if err := o.store.UpdateSaga(ctx, s); err != nil {
		return fmt.Errorf("persist saga %s: %w", s.ID, err)
	}
	return nil
}

func (o *Orchestrator) cacheStatus(ctx context.Context, s *saga.Saga) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetStatus(ctx, s.ID, s.Status); err != nil {
		log.Printf("status cache write failed saga=%s: %v", s.ID, err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, s *saga.Saga, t saga.EventType, data map[string]any) {
	ev := saga.NewEvent(s, t, data, o.now())
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		log.Printf("event append failed saga=%s type=%s: %v", s.ID, t, err)
	}
	o.publisher.Publish(ctx, ev)
}
