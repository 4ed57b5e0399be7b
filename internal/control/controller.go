package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/excavctl/internal/actuator"
	"github.com/danmuck/excavctl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrActuator = errors.New("control: actuator error")
	ErrCanceled = errors.New("control: canceled")
)

// Pose is a target bucket configuration.
type Pose struct {
	Lift float64
	Tilt float64
}

// Offset returns p with tilt shifted by offset.
func (p Pose) Offset(tilt float64) Pose {
	return Pose{Lift: p.Lift, Tilt: p.Tilt + tilt}
}

// Positions is one read of the three closed-loop axes.
type Positions struct {
	LeftLift  float64
	RightLift float64
	Tilt      float64
}

// Skew is the absolute lift pair misalignment.
func (p Positions) Skew() float64 {
	return math.Abs(p.LeftLift - p.RightLift)
}

// Result reports one Converge call. Unreached axes are best effort; callers
// proceed regardless.
type Result struct {
	LeftLiftReached  bool
	RightLiftReached bool
	TiltReached      bool
	TimedOut         bool
	Ticks            int
	Elapsed          time.Duration
}

func (r Result) Converged() bool {
	return r.LeftLiftReached && r.RightLiftReached && r.TiltReached
}

// StepOutcome reports one command tick.
type StepOutcome struct {
	// Measured is the read that chose the branch.
	Measured Positions
	// Settled is the read taken after commanding.
	Settled Positions
	// LiftTarget is what both lifts were commanded to.
	LiftTarget float64
	// TiltCommanded is false on realignment ticks.
	TiltCommanded bool
	Realigned     bool
	Severe        bool

	LeftLiftReached  bool
	RightLiftReached bool
	TiltReached      bool
}

func (s StepOutcome) Converged() bool {
	return s.LeftLiftReached && s.RightLiftReached && s.TiltReached
}

// Config wires a Controller.
type Config struct {
	Rig    actuator.Rig
	Tuning Tuning
	Clock  Clock
	Logger *zerolog.Logger
}

// Controller drives the lift pair and tilt toward a pose while keeping the
// drives and agitator commanded every tick. It is not safe for concurrent
// use on the same rig.
type Controller struct {
	rig    actuator.Rig
	tuning Tuning
	clock  Clock
	logger zerolog.Logger
	// skewLog is sampled; skew warnings would otherwise fire every tick.
	skewLog zerolog.Logger
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Rig.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "control").Logger()
	return &Controller{
		rig:     cfg.Rig,
		tuning:  cfg.Tuning,
		clock:   clock,
		logger:  logger,
		skewLog: logger.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second}),
	}, nil
}

func (c *Controller) Tuning() Tuning {
	return c.tuning
}

func (c *Controller) Clock() Clock {
	return c.clock
}

func (c *Controller) Rig() actuator.Rig {
	return c.rig
}

// Converge ticks until every axis is within tolerance of pose or the timeout
// elapses. At least one tick of commands is always issued. Non-convergence
// is reported in Result, never as an error; device faults and cancellation
// are returned.
func (c *Controller) Converge(ctx context.Context, pose Pose, agitator bool, driveSpeed float64) (Result, error) {
	start := c.clock.Now()
	var res Result
	defer func() {
		res.Elapsed = c.clock.Now().Sub(start)
		observability.RecordConverge(res.Elapsed, res.TimedOut)
	}()

	for {
		if err := c.clock.Sleep(ctx, c.tuning.Tick); err != nil {
			return res, fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		out, err := c.Step(ctx, pose, agitator, driveSpeed)
		if err != nil {
			return res, err
		}
		res.Ticks++
		res.LeftLiftReached = out.LeftLiftReached
		res.RightLiftReached = out.RightLiftReached
		res.TiltReached = out.TiltReached
		// the ceiling is checked before the reached predicates, so a tick
		// that lands on the pose after Timeout still reports TimedOut
		if elapsed := c.clock.Now().Sub(start); elapsed >= c.tuning.Timeout {
			res.TimedOut = true
			c.logger.Warn().
				Float64("lift", pose.Lift).
				Float64("tilt", pose.Tilt).
				Dur("elapsed", elapsed).
				Int("ticks", res.Ticks).
				Bool("left_lift_reached", res.LeftLiftReached).
				Bool("right_lift_reached", res.RightLiftReached).
				Bool("tilt_reached", res.TiltReached).
				Msg("control.Converge timeout, skipping stage")
			return res, nil
		}
		if res.Converged() {
			return res, nil
		}
	}
}

// Step issues one tick of commands. A skewed lift pair is pulled toward the
// right lift's position and tilt is left alone for that tick; otherwise the
// lifts and tilt go to pose. Drives always get driveSpeed and the agitator
// gets AgitatorDuty when requested.
func (c *Controller) Step(ctx context.Context, pose Pose, agitator bool, driveSpeed float64) (StepOutcome, error) {
	measured, err := c.read(ctx)
	if err != nil {
		return StepOutcome{}, err
	}

	out := StepOutcome{Measured: measured}
	skew := measured.Skew()
	if skew >= c.tuning.MisalignThreshold {
		out.Realigned = true
		out.Severe = skew >= c.tuning.SevereMisalignThreshold
		out.LiftTarget = measured.RightLift
		if out.Severe {
			c.skewLog.Warn().
				Float64("left_lift", measured.LeftLift).
				Float64("right_lift", measured.RightLift).
				Float64("skew", skew).
				Msg("control.Step lift actuators severely misaligned")
		}
		observability.RecordMisalignment(out.Severe)
		if err := c.setPosition(ctx, actuator.RoleLeftLift, c.rig.LeftLift, out.LiftTarget); err != nil {
			return out, err
		}
		if err := c.setPosition(ctx, actuator.RoleRightLift, c.rig.RightLift, out.LiftTarget); err != nil {
			return out, err
		}
	} else {
		out.LiftTarget = pose.Lift
		out.TiltCommanded = true
		if err := c.setPosition(ctx, actuator.RoleLeftLift, c.rig.LeftLift, pose.Lift); err != nil {
			return out, err
		}
		if err := c.setPosition(ctx, actuator.RoleRightLift, c.rig.RightLift, pose.Lift); err != nil {
			return out, err
		}
		if err := c.setPosition(ctx, actuator.RoleTilt, c.rig.Tilt, pose.Tilt); err != nil {
			return out, err
		}
	}

	if err := c.Auxiliary(ctx, agitator, driveSpeed); err != nil {
		return out, err
	}

	settled, err := c.read(ctx)
	if err != nil {
		return out, err
	}
	out.Settled = settled
	out.LeftLiftReached = c.reached(settled.LeftLift, pose.Lift)
	out.RightLiftReached = c.reached(settled.RightLift, pose.Lift)
	out.TiltReached = c.reached(settled.Tilt, pose.Tilt)
	return out, nil
}

// Auxiliary commands the agitator (only when requested) and both drives.
func (c *Controller) Auxiliary(ctx context.Context, agitator bool, driveSpeed float64) error {
	if agitator {
		if err := c.rig.Agitator.SetDutyCycle(ctx, c.tuning.AgitatorDuty); err != nil {
			return deviceErr(actuator.RoleAgitator, "set_duty_cycle", err)
		}
	}
	if err := c.rig.LeftDrive.SetVelocity(ctx, driveSpeed); err != nil {
		return deviceErr(actuator.RoleLeftDrive, "set_velocity", err)
	}
	if err := c.rig.RightDrive.SetVelocity(ctx, driveSpeed); err != nil {
		return deviceErr(actuator.RoleRightDrive, "set_velocity", err)
	}
	return nil
}

// Read returns the current lift pair and tilt positions.
func (c *Controller) Read(ctx context.Context) (Positions, error) {
	return c.read(ctx)
}

func (c *Controller) read(ctx context.Context) (Positions, error) {
	var p Positions
	var err error
	if p.LeftLift, err = c.rig.LeftLift.Position(ctx); err != nil {
		return Positions{}, deviceErr(actuator.RoleLeftLift, "read_position", err)
	}
	if p.RightLift, err = c.rig.RightLift.Position(ctx); err != nil {
		return Positions{}, deviceErr(actuator.RoleRightLift, "read_position", err)
	}
	if p.Tilt, err = c.rig.Tilt.Position(ctx); err != nil {
		return Positions{}, deviceErr(actuator.RoleTilt, "read_position", err)
	}
	return p, nil
}

func (c *Controller) setPosition(ctx context.Context, role actuator.Role, h actuator.Handle, target float64) error {
	if err := h.SetPosition(ctx, target); err != nil {
		return deviceErr(role, "set_position", err)
	}
	return nil
}

func (c *Controller) reached(measured, setpoint float64) bool {
	return math.Abs(measured-setpoint) <= c.tuning.Tolerance
}

func deviceErr(role actuator.Role, op string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrActuator, role, op, err)
}
