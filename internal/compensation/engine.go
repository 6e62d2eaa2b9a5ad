package compensation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kranthikarthan/payment-saga/internal/events"
	"github.com/kranthikarthan/payment-saga/internal/invoker"
	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/store"
)

// Policy decides the saga-level outcome when compensation finishes.
type Policy string

const (
	// PolicyAlwaysCompensated marks the saga COMPENSATED once every completed
	// step has been attempted, even if some step compensations failed. Saga
	// status answers "did we finish attempting rollback"; the step records
	// carry the partial-failure detail.
	PolicyAlwaysCompensated Policy = "always_compensated"

	// PolicyFailOnTotal marks the saga FAILED when every compensation call
	// made over the network failed. No-op compensations do not count.
	PolicyFailOnTotal Policy = "fail_on_total"
)

func (p Policy) Validate() error {
	switch p {
	case PolicyAlwaysCompensated, PolicyFailOnTotal:
		return nil
	default:
		return fmt.Errorf("unknown compensation policy %q", p)
	}
}

// Result records which steps compensated and which did not.
type Result struct {
	Compensated []string
	Failed      []string
	NoOps       []string
}

// Engine walks a compensating saga's completed steps in strict descending
// sequence order and undoes each one. A failed compensation is recorded on
// its step and does not stop the remaining steps from being compensated.
type Engine struct {
	store     store.Store
	invoker   invoker.Invoker
	publisher events.Publisher
	policy    Policy
	now       func() time.Time
}

type Option func(*Engine)

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(st store.Store, inv invoker.Invoker, pub events.Publisher, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if inv == nil {
		return nil, errors.New("invoker is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	e := &Engine{
		store:     st,
		invoker:   inv,
		publisher: pub,
		policy:    PolicyAlwaysCompensated,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Compensate processes the saga's completed steps in reverse completion
// order. The saga must already be COMPENSATING. With zero completed steps it
// short-circuits straight to the terminal state without any network calls.
func (e *Engine) Compensate(ctx context.Context, s *saga.Saga) (Result, error) {
	if s.Status != saga.StatusCompensating {
		return Result{}, fmt.Errorf("%w: compensation requires status COMPENSATING, saga %s is %s",
			saga.ErrInvalidTransition, s.ID, s.Status)
	}

	var res Result
	attempted, succeeded := 0, 0

	for _, step := range s.CompletedSteps() {
		if !step.HasCompensation() {
			if err := e.noOpCompensate(ctx, s, step); err != nil {
				return res, err
			}
			res.NoOps = append(res.NoOps, step.Name)
			res.Compensated = append(res.Compensated, step.Name)
			continue
		}

		attempted++
		if err := e.compensateStep(ctx, s, step); err != nil {
			// persistence failure, not a downstream failure; stop here
			return res, err
		}
		if step.Status == saga.StepCompensated {
			succeeded++
			res.Compensated = append(res.Compensated, step.Name)
		} else {
			res.Failed = append(res.Failed, step.Name)
		}
	}

	if e.policy == PolicyFailOnTotal && attempted > 0 && succeeded == 0 {
		if err := s.Fail("compensation failed for every step", e.now()); err != nil {
			return res, err
		}
		if err := e.save(ctx, s); err != nil {
			return res, err
		}
		e.publish(ctx, s, saga.EventSagaFailed, map[string]any{
			"reason":       "compensation failed for every step",
			"failed_steps": len(res.Failed),
		})
		return res, nil
	}

	if err := s.MarkCompensated(e.now()); err != nil {
		return res, err
	}
	if err := e.save(ctx, s); err != nil {
		return res, err
	}
	e.publish(ctx, s, saga.EventSagaCompensated, map[string]any{
		"compensated_steps": len(res.Compensated),
		"failed_steps":      len(res.Failed),
	})
	return res, nil
}

func (e *Engine) noOpCompensate(ctx context.Context, s *saga.Saga, step *saga.SagaStep) error {
	now := e.now()
	if err := step.BeginCompensation(now); err != nil {
		return err
	}
	if err := step.MarkCompensated(nil, now); err != nil {
		return err
	}
	return e.save(ctx, s)
}

func (e *Engine) compensateStep(ctx context.Context, s *saga.Saga, step *saga.SagaStep) error {
	if err := step.BeginCompensation(e.now()); err != nil {
		return err
	}
	if err := e.save(ctx, s); err != nil {
		return err
	}
	e.publish(ctx, s, saga.EventStepStarted, saga.StepEventData(step, "compensation"))

	response, err := e.invoker.Invoke(ctx, step.CompensationEndpoint, step.CompensationPayload(), step.Timeout())
	if err != nil {
		if ferr := step.FailCompensation(invoker.ErrorData(err), err.Error(), e.now()); ferr != nil {
			return ferr
		}
		if serr := e.save(ctx, s); serr != nil {
			return serr
		}
		e.publish(ctx, s, saga.EventStepFailed, saga.StepEventData(step, "compensation"))
		return nil
	}

	if err := step.MarkCompensated(response, e.now()); err != nil {
		return err
	}
	if err := e.save(ctx, s); err != nil {
		return err
	}
	e.publish(ctx, s, saga.EventStepCompleted, saga.StepEventData(step, "compensation"))
	return nil
}

func (e *Engine) save(ctx context.Context, s *saga.Saga) error {
	if err := e.store.UpdateSaga(ctx, s); err != nil {
		return fmt.Errorf("persist saga %s: %w", s.ID, err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, s *saga.Saga, t saga.EventType, data map[string]any) {
	ev := saga.NewEvent(s, t, data, e.now())
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		log.Printf("event append failed saga=%s type=%s: %v", s.ID, t, err)
	}
	e.publisher.Publish(ctx, ev)
}
