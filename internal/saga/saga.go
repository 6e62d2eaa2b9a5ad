package saga

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Saga is the aggregate root for one workflow instance. Steps are sealed at
// materialization; only their state mutates, and only through transitions.
type Saga struct {
	ID               string         `json:"id"`
	Name             string         `json:"saga_name"`
	Status           Status         `json:"status"`
	TenantID         string         `json:"tenant_id"`
	BusinessUnitID   string         `json:"business_unit_id"`
	CorrelationID    string         `json:"correlation_id"`
	PaymentID        string         `json:"payment_id"`
	Data             map[string]any `json:"saga_data,omitempty"`
	Steps            []*SagaStep    `json:"steps"`
	CurrentStepIndex int            `json:"current_step_index"`
	Version          int            `json:"version"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	FailedAt         *time.Time     `json:"failed_at,omitempty"`
	CompensatedAt    *time.Time     `json:"compensated_at,omitempty"`
}

// NewFromTemplate materializes a PENDING saga with its own step snapshot.
// Later template changes do not affect the returned instance.
func NewFromTemplate(tpl Template, tenantID, businessUnitID, correlationID, paymentID string, data map[string]any, at time.Time) *Saga {
	s := &Saga{
		ID:             uuid.NewString(),
		Name:           tpl.Name,
		Status:         StatusPending,
		TenantID:       tenantID,
		BusinessUnitID: businessUnitID,
		CorrelationID:  correlationID,
		PaymentID:      paymentID,
		Data:           cloneData(data),
		Version:        1,
		StartedAt:      at,
	}
	s.Steps = make([]*SagaStep, 0, len(tpl.Steps))
	for i, def := range tpl.Steps {
		s.Steps = append(s.Steps, newStep(s, def, i))
	}
	return s
}

// AssignID replaces the generated id, keeping the step back-references
// consistent. Callers that reserved an id ahead of creation use this before
// the saga is persisted.
func (s *Saga) AssignID(id string) {
	s.ID = id
	for _, step := range s.Steps {
		step.SagaID = id
	}
}

func (s *Saga) transition(to Status) error {
	if !s.Status.CanTransitionTo(to) {
		return transitionError("saga", s.Status, to)
	}
	s.Status = to
	return nil
}

func (s *Saga) Start(at time.Time) error {
	if err := s.transition(StatusRunning); err != nil {
		return err
	}
	s.StartedAt = at
	return nil
}

func (s *Saga) Complete(at time.Time) error {
	if err := s.transition(StatusCompleted); err != nil {
		return err
	}
	s.CompletedAt = &at
	return nil
}

func (s *Saga) Fail(message string, at time.Time) error {
	if err := s.transition(StatusFailed); err != nil {
		return err
	}
	s.ErrorMessage = message
	s.FailedAt = &at
	return nil
}

func (s *Saga) BeginCompensation(reason string, at time.Time) error {
	if err := s.transition(StatusCompensating); err != nil {
		return err
	}
	s.ErrorMessage = reason
	return nil
}

func (s *Saga) MarkCompensated(at time.Time) error {
	if err := s.transition(StatusCompensated); err != nil {
		return err
	}
	s.CompensatedAt = &at
	return nil
}

func (s *Saga) CurrentStep() (*SagaStep, bool) {
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Steps) {
		return nil, false
	}
	return s.Steps[s.CurrentStepIndex], true
}

func (s *Saga) Advance() error {
	if s.CurrentStepIndex >= len(s.Steps) {
		return fmt.Errorf("saga %s: current step index %d already past last step", s.ID, s.CurrentStepIndex)
	}
	s.CurrentStepIndex++
	return nil
}

// CompletedSteps returns the steps eligible for compensation, in descending
// sequence order (reverse of completion order).
func (s *Saga) CompletedSteps() []*SagaStep {
	out := make([]*SagaStep, 0, len(s.Steps))
	for _, step := range s.Steps {
		if step.Status == StepCompleted {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out
}

func (s *Saga) StepByID(id string) (*SagaStep, bool) {
	for _, step := range s.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return nil, false
}

func (s *Saga) Clone() *Saga {
	if s == nil {
		return nil
	}
	out := *s
	out.Data = cloneData(s.Data)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.FailedAt = cloneTime(s.FailedAt)
	out.CompensatedAt = cloneTime(s.CompensatedAt)
	out.Steps = make([]*SagaStep, len(s.Steps))
	for i, step := range s.Steps {
		out.Steps[i] = step.Clone()
	}
	return &out
}
