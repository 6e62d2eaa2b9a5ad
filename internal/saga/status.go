package saga

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is requested that the
// transition tables do not allow. The aggregate is left unchanged.
var ErrInvalidTransition = errors.New("invalid status transition")

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusCompensating,
	StatusCompensated,
	StatusFailed,
}

var sagaTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted:    true,
		StatusCompensating: true,
		StatusFailed:       true,
	},
	StatusCompensating: {
		StatusCompensated: true,
		StatusFailed:      true,
	},
}

func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s Status) CanTransitionTo(to Status) bool {
	next, ok := sagaTransitions[s]
	if !ok {
		return false
	}
	return next[to]
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepRunning      StepStatus = "RUNNING"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepSkipped      StepStatus = "SKIPPED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
)

var allStepStatuses = []StepStatus{
	StepPending,
	StepRunning,
	StepCompleted,
	StepFailed,
	StepSkipped,
	StepCompensating,
	StepCompensated,
}

var stepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepRunning: true,
	},
	StepRunning: {
		StepCompleted: true,
		StepFailed:    true,
		StepSkipped:   true,
	},
	StepCompleted: {
		StepCompensating: true,
	},
	StepFailed: {
		StepCompensating: true,
	},
	StepCompensating: {
		StepCompensated: true,
		StepFailed:      true,
	},
}

func AllStepStatuses() []StepStatus {
	out := make([]StepStatus, len(allStepStatuses))
	copy(out, allStepStatuses)
	return out
}

func (s StepStatus) CanTransitionTo(to StepStatus) bool {
	next, ok := stepTransitions[s]
	if !ok {
		return false
	}
	return next[to]
}

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompensated, StepSkipped:
		return true
	default:
		return false
	}
}

func transitionError(kind string, from, to fmt.Stringer) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
}

func (s Status) String() string     { return string(s) }
func (s StepStatus) String() string { return string(s) }
