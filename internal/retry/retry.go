package retry

import (
	"errors"
	"math/rand"
	"time"
)

type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeExponential Mode = "exponential"
)

// Policy controls the delay between step retry attempts. It is injected into
// the orchestrator rather than hardcoded there.
type Policy struct {
	Mode   Mode
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		Mode:   ModeExponential,
		Base:   1 * time.Second,
		Max:    60 * time.Second,
		Jitter: 0.2,
	}
}

func (p Policy) Validate() error {
	switch p.Mode {
	case ModeFixed, ModeExponential:
	default:
		return errors.New("mode must be fixed or exponential")
	}
	if p.Base <= 0 {
		return errors.New("base must be positive")
	}
	if p.Max <= 0 {
		return errors.New("max must be positive")
	}
	if p.Max < p.Base {
		return errors.New("max must be >= base")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return errors.New("jitter must be in [0,1)")
	}
	return nil
}

// NextDelay returns the delay before the given attempt (1-based).
func NextDelay(p Policy, attempt int, rng *rand.Rand) (time.Duration, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if attempt < 1 {
		return 0, errors.New("attempt must be >= 1")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	delay := p.Base
	if p.Mode == ModeExponential {
		for i := 1; i < attempt; i++ {
			if delay >= p.Max/2 {
				delay = p.Max
				break
			}
			delay *= 2
		}
	}
	if delay > p.Max {
		delay = p.Max
	}

	if p.Jitter > 0 {
		jitterRange := p.Jitter * 2
		delta := (rng.Float64() * jitterRange) - p.Jitter
		jittered := float64(delay) * (1 + delta)
		if jittered < float64(time.Millisecond) {
			jittered = float64(time.Millisecond)
		}
		delay = time.Duration(jittered)
	}
	return delay, nil
}
