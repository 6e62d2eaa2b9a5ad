package saga

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type StepType string

const (
	StepTypeValidation            StepType = "VALIDATION"
	StepTypeRouting               StepType = "ROUTING"
	StepTypeAccountAdapter        StepType = "ACCOUNT_ADAPTER"
	StepTypeTransactionProcessing StepType = "TRANSACTION_PROCESSING"
	StepTypeNotification          StepType = "NOTIFICATION"
	StepTypeCompensation          StepType = "COMPENSATION"
)

// SagaStep is one unit of work within a saga, bound to one downstream call.
// Status changes go through the named transition methods only.
type SagaStep struct {
	ID                   string         `json:"id"`
	SagaID               string         `json:"saga_id"`
	Name                 string         `json:"step_name"`
	Type                 StepType       `json:"step_type"`
	Status               StepStatus     `json:"status"`
	Sequence             int            `json:"sequence"`
	ServiceName          string         `json:"service_name"`
	Endpoint             string         `json:"endpoint"`
	CompensationEndpoint string         `json:"compensation_endpoint,omitempty"`
	InputData            map[string]any `json:"input_data,omitempty"`
	OutputData           map[string]any `json:"output_data,omitempty"`
	ErrorData            map[string]any `json:"error_data,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	RetryCount           int            `json:"retry_count"`
	MaxRetries           int            `json:"max_retries"`
	TimeoutSeconds       int            `json:"timeout_seconds"`
	Optional             bool           `json:"optional"`
	CompensationStep     bool           `json:"compensation_step"`
	TenantID             string         `json:"tenant_id"`
	BusinessUnitID       string         `json:"business_unit_id"`
	CorrelationID        string         `json:"correlation_id"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	FailedAt             *time.Time     `json:"failed_at,omitempty"`
	CompensatedAt        *time.Time     `json:"compensated_at,omitempty"`
}

func newStep(s *Saga, def StepDefinition, sequence int) *SagaStep {
	return &SagaStep{
		ID:                   uuid.NewString(),
		SagaID:               s.ID,
		Name:                 def.Name,
		Type:                 def.Type,
		Status:               StepPending,
		Sequence:             sequence,
		ServiceName:          def.ServiceName,
		Endpoint:             def.Endpoint,
		CompensationEndpoint: def.CompensationEndpoint,
		InputData:            cloneData(def.DefaultInput),
		MaxRetries:           def.MaxRetries,
		TimeoutSeconds:       def.TimeoutSeconds,
		Optional:             def.Optional,
		CompensationStep:     def.CompensationStep,
		TenantID:             s.TenantID,
		BusinessUnitID:       s.BusinessUnitID,
		CorrelationID:        s.CorrelationID,
	}
}

func (s *SagaStep) transition(to StepStatus) error {
	if !s.Status.CanTransitionTo(to) {
		return transitionError("step", s.Status, to)
	}
	s.Status = to
	return nil
}

func (s *SagaStep) Start(at time.Time) error {
	if err := s.transition(StepRunning); err != nil {
		return err
	}
	s.StartedAt = &at
	return nil
}

func (s *SagaStep) Complete(output map[string]any, at time.Time) error {
	if err := s.transition(StepCompleted); err != nil {
		return err
	}
	s.OutputData = output
	s.CompletedAt = &at
	return nil
}

func (s *SagaStep) Fail(errData map[string]any, message string, at time.Time) error {
	if err := s.transition(StepFailed); err != nil {
		return err
	}
	s.ErrorData = errData
	s.ErrorMessage = message
	s.FailedAt = &at
	return nil
}

func (s *SagaStep) Skip(message string, at time.Time) error {
	if err := s.transition(StepSkipped); err != nil {
		return err
	}
	s.ErrorMessage = message
	return nil
}

func (s *SagaStep) BeginCompensation(at time.Time) error {
	return s.transition(StepCompensating)
}

// MarkCompensated records the compensation response as evidence alongside the
// original output, which the compensation call itself still needed intact.
func (s *SagaStep) MarkCompensated(response map[string]any, at time.Time) error {
	if err := s.transition(StepCompensated); err != nil {
		return err
	}
	if len(response) > 0 {
		if s.OutputData == nil {
			s.OutputData = map[string]any{}
		}
		s.OutputData["compensation_response"] = response
	}
	s.CompensatedAt = &at
	return nil
}

func (s *SagaStep) FailCompensation(errData map[string]any, message string, at time.Time) error {
	if err := s.transition(StepFailed); err != nil {
		return err
	}
	s.ErrorData = errData
	s.ErrorMessage = message
	s.FailedAt = &at
	return nil
}

func (s *SagaStep) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

func (s *SagaStep) RecordRetry() error {
	if !s.CanRetry() {
		return fmt.Errorf("step %s retries exhausted (%d/%d)", s.Name, s.RetryCount, s.MaxRetries)
	}
	s.RetryCount++
	return nil
}

func (s *SagaStep) HasCompensation() bool {
	return strings.TrimSpace(s.CompensationEndpoint) != ""
}

// CompensationPayload is the original input merged with the recorded output,
// output winning on key collisions.
func (s *SagaStep) CompensationPayload() map[string]any {
	payload := cloneData(s.InputData)
	if payload == nil {
		payload = map[string]any{}
	}
	for k, v := range s.OutputData {
		payload[k] = v
	}
	return payload
}

func (s *SagaStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s *SagaStep) Clone() *SagaStep {
	if s == nil {
		return nil
	}
	out := *s
	out.InputData = cloneData(s.InputData)
	out.OutputData = cloneData(s.OutputData)
	out.ErrorData = cloneData(s.ErrorData)
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.FailedAt = cloneTime(s.FailedAt)
	out.CompensatedAt = cloneTime(s.CompensatedAt)
	return &out
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
