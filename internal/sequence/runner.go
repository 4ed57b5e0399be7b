package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/excavctl/internal/actuator"
	"github.com/danmuck/excavctl/internal/control"
	"github.com/danmuck/excavctl/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNilController = errors.New("sequence: nil controller")

// Options tune how a Runner samples the tilt offset.
type Options struct {
	// Offset supplies fresh tilt offsets when ResampleOffsetPerStage is set.
	Offset func() float64
	// ResampleOffsetPerStage reads Offset before every stage after the
	// first. By default the offset passed to RunCycle holds for the cycle.
	ResampleOffsetPerStage bool
	Logger                 *zerolog.Logger
}

// Runner executes a Plan through a Controller. A Runner must not run two
// cycles at once; admission is the caller's job.
type Runner struct {
	ctrl   *control.Controller
	plan   Plan
	opts   Options
	logger zerolog.Logger
}

func NewRunner(ctrl *control.Controller, plan Plan, opts Options) (*Runner, error) {
	if ctrl == nil {
		return nil, ErrNilController
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Runner{
		ctrl:   ctrl,
		plan:   append(Plan(nil), plan...),
		opts:   opts,
		logger: logger.With().Str("component", "sequence").Logger(),
	}, nil
}

func (r *Runner) Plan() Plan {
	return append(Plan(nil), r.plan...)
}

// RunCycle runs every stage once with tiltOffset added to tilt setpoints.
// Stage timeouts are recorded and skipped. A device error or cancellation
// ends the cycle and is returned with the partial report.
func (r *Runner) RunCycle(ctx context.Context, tiltOffset float64) (rep Report, err error) {
	clock := r.ctrl.Clock()
	rep = Report{
		ID:         uuid.New(),
		TiltOffset: tiltOffset,
		Started:    clock.Now(),
		Stages:     make([]StageReport, 0, len(r.plan)),
	}
	logger := r.logger.With().Str("cycle", rep.ID.String()).Logger()
	logger.Info().
		Float64("tilt_offset", tiltOffset).
		Int("stages", len(r.plan)).
		Msg("sequence.RunCycle starting")
	defer func() {
		rep.Elapsed = clock.Now().Sub(rep.Started)
		observability.RecordCycle(rep.Success, rep.Elapsed)
	}()

	offset := tiltOffset
	for i, stage := range r.plan {
		if i > 0 && r.opts.ResampleOffsetPerStage && r.opts.Offset != nil {
			offset = r.opts.Offset()
		}
		sr, err := r.runStage(ctx, stage, offset)
		rep.Stages = append(rep.Stages, sr)
		observability.RecordStage(stage.Name, sr.Outcome)
		if err != nil {
			logger.Error().
				Err(err).
				Int("stage", i+1).
				Str("name", stage.Name).
				Msg("sequence.RunCycle aborted")
			return rep, fmt.Errorf("sequence: stage %q: %w", stage.Name, err)
		}
		logger.Info().
			Int("stage", i+1).
			Str("name", stage.Name).
			Str("outcome", sr.Outcome).
			Int("ticks", sr.Ticks).
			Dur("elapsed", sr.Elapsed).
			Msg("sequence.RunCycle stage complete")
	}

	rep.Success = true
	logger.Info().
		Dur("elapsed", clock.Now().Sub(rep.Started)).
		Strs("timed_out", rep.TimedOut()).
		Msg("sequence.RunCycle complete")
	return rep, nil
}

func (r *Runner) runStage(ctx context.Context, s Stage, offset float64) (sr StageReport, err error) {
	clock := r.ctrl.Clock()
	start := clock.Now()
	target := s.Pose.Offset(offset)
	sr = StageReport{Name: s.Name, Target: target, Offset: offset}
	defer func() {
		sr.Elapsed = clock.Now().Sub(start)
		if err != nil {
			sr.Outcome = OutcomeFailed
		}
	}()

	if err := ctx.Err(); err != nil {
		return sr, fmt.Errorf("%w: %w", control.ErrCanceled, err)
	}
	if s.StopOutputs {
		if err := r.stopOutputs(ctx); err != nil {
			return sr, err
		}
	}
	if s.Approach != nil {
		res, err := r.ctrl.Converge(ctx, s.Approach.Offset(offset), s.Agitator, s.DriveSpeed)
		sr.Approach = convergeStat(res)
		if err != nil {
			return sr, err
		}
	}

	if s.IsHold() {
		sr.Ticks, err = r.everyTick(ctx, s.Hold, func() error {
			out, err := r.ctrl.Step(ctx, target, s.Agitator, s.DriveSpeed)
			if err != nil {
				return err
			}
			if out.Realigned {
				sr.Realigned++
			}
			sr.Reached = out.Converged()
			return nil
		})
		if err != nil {
			return sr, err
		}
		sr.Outcome = OutcomeHeld
	} else {
		res, err := r.ctrl.Converge(ctx, target, s.Agitator, s.DriveSpeed)
		sr.Ticks = res.Ticks
		sr.Reached = res.Converged()
		if err != nil {
			return sr, err
		}
		sr.Outcome = OutcomeConverged
		if res.TimedOut {
			sr.Outcome = OutcomeTimedOut
		}
	}

	if rel := s.TiltRelease; rel != nil {
		tilt := r.ctrl.Rig().Tilt
		sr.ReleaseTicks, err = r.everyTick(ctx, rel.For, func() error {
			if err := tilt.SetDutyCycle(ctx, rel.Duty); err != nil {
				return fmt.Errorf("%w: %s set_duty_cycle: %w", control.ErrActuator, actuator.RoleTilt, err)
			}
			return nil
		})
		if err != nil {
			return sr, err
		}
	}
	return sr, nil
}

// everyTick calls fn once per tick until d has elapsed and at least d/Tick
// ticks have run, so slow devices stretch the window instead of thinning it.
func (r *Runner) everyTick(ctx context.Context, d time.Duration, fn func() error) (int, error) {
	clock := r.ctrl.Clock()
	tick := r.ctrl.Tuning().Tick
	minTicks := int(d / tick)
	start := clock.Now()
	ticks := 0
	for ticks < minTicks || clock.Now().Sub(start) < d {
		if err := clock.Sleep(ctx, tick); err != nil {
			return ticks, fmt.Errorf("%w: %w", control.ErrCanceled, err)
		}
		if err := fn(); err != nil {
			return ticks, err
		}
		ticks++
	}
	return ticks, nil
}

func (r *Runner) stopOutputs(ctx context.Context) error {
	rig := r.ctrl.Rig()
	for _, role := range []actuator.Role{actuator.RoleLeftDrive, actuator.RoleRightDrive, actuator.RoleAgitator} {
		if err := rig.Handle(role).SetDutyCycle(ctx, 0); err != nil {
			return fmt.Errorf("%w: %s set_duty_cycle: %w", control.ErrActuator, role, err)
		}
	}
	return nil
}
