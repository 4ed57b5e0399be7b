package control

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTuning = errors.New("control: invalid tuning")

// MinTick is the fastest command rate the actuator bus tolerates without
// overflowing its transmit queue.
const MinTick = time.Millisecond

// Tuning holds the convergence constants.
type Tuning struct {
	// Tolerance is the per-axis reached band, in position units.
	Tolerance float64
	// MisalignThreshold is the lift pair skew that triggers realignment.
	MisalignThreshold float64
	// SevereMisalignThreshold only raises a warning; behavior is unchanged.
	SevereMisalignThreshold float64
	// Timeout bounds one Converge call.
	Timeout time.Duration
	// Tick is the command period.
	Tick time.Duration
	// AgitatorDuty is applied while a pose requests the agitator.
	AgitatorDuty float64
}

func DefaultTuning() Tuning {
	return Tuning{
		Tolerance:               0.1,
		MisalignThreshold:       0.2,
		SevereMisalignThreshold: 0.75,
		Timeout:                 5 * time.Second,
		Tick:                    5 * time.Millisecond,
		AgitatorDuty:            1.0,
	}
}

func (t Tuning) Validate() error {
	switch {
	case t.Tolerance <= 0:
		return fmt.Errorf("%w: tolerance must be positive, got %v", ErrInvalidTuning, t.Tolerance)
	case t.MisalignThreshold <= 0:
		return fmt.Errorf("%w: misalign threshold must be positive, got %v", ErrInvalidTuning, t.MisalignThreshold)
	case t.SevereMisalignThreshold < t.MisalignThreshold:
		return fmt.Errorf("%w: severe misalign threshold %v below misalign threshold %v",
			ErrInvalidTuning, t.SevereMisalignThreshold, t.MisalignThreshold)
	case t.Tick < MinTick:
		return fmt.Errorf("%w: tick %v faster than bus minimum %v", ErrInvalidTuning, t.Tick, MinTick)
	case t.Timeout <= t.Tick:
		return fmt.Errorf("%w: timeout %v must exceed tick %v", ErrInvalidTuning, t.Timeout, t.Tick)
	case t.AgitatorDuty < -1 || t.AgitatorDuty > 1:
		return fmt.Errorf("%w: agitator duty %v outside [-1, 1]", ErrInvalidTuning, t.AgitatorDuty)
	}
	return nil
}
