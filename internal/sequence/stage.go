package sequence

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/excavctl/internal/control"
)

var ErrInvalidPlan = errors.New("sequence: invalid plan")

// Release drives the tilt actuator open-loop at Duty for For after a stage.
type Release struct {
	Duty float64
	For  time.Duration
}

// Stage is one phase of the dig cycle. Tilt setpoints are relative to the
// cycle's tilt offset.
type Stage struct {
	Name       string
	Pose       control.Pose
	Agitator   bool
	DriveSpeed float64
	// Hold > 0 re-issues commands every tick for the full duration.
	// Zero converges once.
	Hold time.Duration
	// Approach is converged to before the main pose.
	Approach *control.Pose
	// StopOutputs zeroes drive and agitator duty before the stage moves.
	StopOutputs bool
	TiltRelease *Release
}

func (s Stage) IsHold() bool {
	return s.Hold > 0
}

func (s Stage) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: stage name required", ErrInvalidPlan)
	}
	if !finite(s.Pose.Lift) || !finite(s.Pose.Tilt) || !finite(s.DriveSpeed) {
		return fmt.Errorf("%w: stage %q has non-finite setpoint", ErrInvalidPlan, s.Name)
	}
	if s.Hold < 0 {
		return fmt.Errorf("%w: stage %q hold %v is negative", ErrInvalidPlan, s.Name, s.Hold)
	}
	if s.Approach != nil && (!finite(s.Approach.Lift) || !finite(s.Approach.Tilt)) {
		return fmt.Errorf("%w: stage %q has non-finite approach", ErrInvalidPlan, s.Name)
	}
	if r := s.TiltRelease; r != nil {
		if r.Duty < -1 || r.Duty > 1 || math.IsNaN(r.Duty) {
			return fmt.Errorf("%w: stage %q release duty %v outside [-1, 1]", ErrInvalidPlan, s.Name, r.Duty)
		}
		if r.For <= 0 {
			return fmt.Errorf("%w: stage %q release duration must be positive", ErrInvalidPlan, s.Name)
		}
	}
	return nil
}

// Plan is an ordered stage list.
type Plan []Stage

func (p Plan) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidPlan)
	}
	seen := make(map[string]struct{}, len(p))
	for _, s := range p {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidPlan, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Duration is the scheduled hold and release time, excluding convergence.
func (p Plan) Duration() time.Duration {
	var d time.Duration
	for _, s := range p {
		d += s.Hold
		if s.TiltRelease != nil {
			d += s.TiltRelease.For
		}
	}
	return d
}

// DefaultPlan is the reference six stage dig cycle.
func DefaultPlan() Plan {
	return Plan{
		{
			Name: "position",
			Pose: control.Pose{Lift: -2.5, Tilt: -2.6},
		},
		{
			Name:       "dig-1",
			Pose:       control.Pose{Lift: -3.3, Tilt: -3.2},
			Approach:   &control.Pose{Lift: -3.0, Tilt: -2.6},
			Agitator:   true,
			DriveSpeed: 1500,
			Hold:       2 * time.Second,
		},
		{
			Name:       "dig-2",
			Pose:       control.Pose{Lift: -3.5, Tilt: -3.0},
			Agitator:   true,
			DriveSpeed: 1000,
			Hold:       2 * time.Second,
		},
		{
			Name:       "dig-3",
			Pose:       control.Pose{Lift: -3.5, Tilt: -2.5},
			Agitator:   true,
			DriveSpeed: 1000,
			Hold:       2 * time.Second,
		},
		{
			// slower drive before the reset
			Name:       "dig-4",
			Pose:       control.Pose{Lift: -3.5, Tilt: -2.5},
			Agitator:   true,
			DriveSpeed: 500,
			Hold:       4 * time.Second,
		},
		{
			Name:        "reset",
			Pose:        control.Pose{Lift: 0, Tilt: 0},
			StopOutputs: true,
			TiltRelease: &Release{Duty: 1.0, For: time.Second},
		},
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
