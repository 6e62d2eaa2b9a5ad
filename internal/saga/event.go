package saga

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the lifecycle milestone an Event records.
type EventType string

const (
	EventSagaStarted         EventType = "SAGA_STARTED"
	EventStepStarted         EventType = "SAGA_STEP_STARTED"
	EventStepCompleted       EventType = "SAGA_STEP_COMPLETED"
	EventStepFailed          EventType = "SAGA_STEP_FAILED"
	EventCompensationStarted EventType = "SAGA_COMPENSATION_STARTED"
	EventSagaCompensated     EventType = "SAGA_COMPENSATED"
	EventSagaCompleted       EventType = "SAGA_COMPLETED"
	EventSagaFailed          EventType = "SAGA_FAILED"
)

func AllEventTypes() []EventType {
	return []EventType{
		EventSagaStarted,
		EventStepStarted,
		EventStepCompleted,
		EventStepFailed,
		EventCompensationStarted,
		EventSagaCompensated,
		EventSagaCompleted,
		EventSagaFailed,
	}
}

// Event is an immutable fact about a saga. Events form the audit trail and
// feed external consumers; saga state is never reconstructed from them.
type Event struct {
	ID             string         `json:"id"`
	SagaID         string         `json:"saga_id"`
	Type           EventType      `json:"event_type"`
	TenantID       string         `json:"tenant_id"`
	BusinessUnitID string         `json:"business_unit_id"`
	CorrelationID  string         `json:"correlation_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Data           map[string]any `json:"event_data,omitempty"`
}

func NewEvent(s *Saga, t EventType, data map[string]any, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		SagaID:         s.ID,
		Type:           t,
		TenantID:       s.TenantID,
		BusinessUnitID: s.BusinessUnitID,
		CorrelationID:  s.CorrelationID,
		OccurredAt:     at,
		Data:           data,
	}
}

// StepEventData is the common payload for step-level events. Compensation-phase
// signals reuse the step event types with phase set to "compensation".
func StepEventData(step *SagaStep, phase string) map[string]any {
	data := map[string]any{
		"step_id":      step.ID,
		"step_name":    step.Name,
		"step_type":    string(step.Type),
		"sequence":     step.Sequence,
		"service_name": step.ServiceName,
		"phase":        phase,
	}
	if step.ErrorMessage != "" {
		data["error_message"] = step.ErrorMessage
	}
	return data
}
