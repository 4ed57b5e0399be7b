package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/excavctl/internal/actuator"
	"github.com/danmuck/excavctl/internal/protocol"
	"github.com/danmuck/excavctl/internal/testutil/testlog"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, sims *actuator.SimRig) (*Controller, *ManualClock) {
	t.Helper()
	clock := NewManualClock(epoch)
	ctrl, err := New(Config{Rig: sims.Rig(), Tuning: DefaultTuning(), Clock: clock})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl, clock
}

func placeAll(sims *actuator.SimRig, left, right, tilt float64) {
	sims.LeftLift.Place(left)
	sims.RightLift.Place(right)
	sims.Tilt.Place(tilt)
}

func TestConvergeAlreadyAtPoseIssuesOneTick(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	poses := []Pose{{Lift: -2.5, Tilt: -2.6}, {Lift: 0, Tilt: 0}, {Lift: -3.5, Tilt: -2.5}}
	for _, pose := range poses {
		sims := actuator.NewSimRig(actuator.SimConfig{}, actuator.SimConfig{})
		placeAll(sims, pose.Lift+0.05, pose.Lift-0.05, pose.Tilt+0.05)
		ctrl, _ := newTestController(t, sims)

		res, err := ctrl.Converge(ctx, pose, false, 0)
		if err != nil {
			t.Fatalf("converge %+v: %v", pose, err)
		}
		if !res.Converged() || res.TimedOut {
			t.Fatalf("expected immediate convergence for %+v, got %+v", pose, res)
		}
		if res.Ticks != 1 {
			t.Fatalf("expected exactly one tick, got %d", res.Ticks)
		}
		if sims.LeftLift.Count(protocol.OpSetPosition) != 1 ||
			sims.RightLift.Count(protocol.OpSetPosition) != 1 ||
			sims.Tilt.Count(protocol.OpSetPosition) != 1 {
			t.Fatalf("expected one command per axis")
		}
		if sims.LeftDrive.Count(protocol.OpSetVelocity) != 1 || sims.RightDrive.Count(protocol.OpSetVelocity) != 1 {
			t.Fatalf("expected drives commanded once")
		}
	}
}

func TestStepMisalignedPairFollowsRightLift(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	pairs := [][2]float64{
		{0, 0.2},
		{0, -0.2},
		{-1.0, -1.5},
		{-3.5, -2.0},
		{2.0, -2.0},
		{-0.74, 0.01},
	}
	pose := Pose{Lift: -2.5, Tilt: -2.6}
	for _, pair := range pairs {
		sims := actuator.NewSimRig(actuator.SimConfig{}, actuator.SimConfig{})
		placeAll(sims, pair[0], pair[1], 0)
		ctrl, _ := newTestController(t, sims)

		out, err := ctrl.Step(ctx, pose, true, 1500)
		if err != nil {
			t.Fatalf("step %v: %v", pair, err)
		}
		if !out.Realigned {
			t.Fatalf("expected realignment for %v", pair)
		}
		if out.LiftTarget != pair[1] {
			t.Fatalf("lift target %v, want right lift %v", out.LiftTarget, pair[1])
		}
		left, _ := sims.LeftLift.Last(protocol.OpSetPosition)
		right, _ := sims.RightLift.Last(protocol.OpSetPosition)
		if left.Value != pair[1] || right.Value != pair[1] {
			t.Fatalf("commanded lifts (%v, %v), want both %v", left.Value, right.Value, pair[1])
		}
		if sims.Tilt.Count(protocol.OpSetPosition) != 0 {
			t.Fatalf("tilt must not be commanded on a realignment tick")
		}
		if sims.Agitator.DutyCycle() != 1 || sims.LeftDrive.Velocity() != 1500 || sims.RightDrive.Velocity() != 1500 {
			t.Fatalf("auxiliary outputs must be commanded on realignment ticks")
		}
	}
}

func TestStepSevereMisalignmentIsFlaggedNotFatal(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	sims := actuator.NewSimRig(actuator.SimConfig{}, actuator.SimConfig{})
	placeAll(sims, 0, -0.8, 0)
	ctrl, _ := newTestController(t, sims)

	out, err := ctrl.Step(ctx, Pose{Lift: -2.5}, false, 0)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !out.Realigned || !out.Severe || out.LiftTarget != -0.8 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestStepAlignedPairTracksPose(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	sims := actuator.NewSimRig(actuator.SimConfig{}, actuator.SimConfig{})
	placeAll(sims, 0, 0.19, 0)
	ctrl, _ := newTestController(t, sims)

	out, err := ctrl.Step(ctx, Pose{Lift: -2.5, Tilt: -2.9}, false, 0)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if out.Realigned || !out.TiltCommanded || out.LiftTarget != -2.5 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	tilt, _ := sims.Tilt.Last(protocol.OpSetPosition)
	if tilt.Value != -2.9 {
		t.Fatalf("tilt commanded to %v", tilt.Value)
	}
	if sims.Agitator.Count(protocol.OpSetDutyCycle) != 0 {
		t.Fatalf("agitator must stay unmanaged when not requested")
	}
}

func TestConvergeTimesOutWithinOneTick(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	sims := actuator.NewSimRig(actuator.SimConfig{}, actuator.SimConfig{})
	ctrl, clock := newTestController(t, sims)
	tuning := ctrl.Tuning()

	start := clock.Now()
	res, err := ctrl.Converge(ctx, Pose{Lift: -2.5, Tilt: -2.6}, true, 1500)
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.LeftLiftReached || res.RightLiftReached || res.TiltReached {
		t.Fatalf("frozen rig cannot reach pose: %+v", res)
	}
	elapsed := clock.Now().Sub(start)
	if elapsed < tuning.Timeout || elapsed > tuning.Timeout+tuning.Tick {
		t.Fatalf("elapsed %v outside [%v, %v]", elapsed, tuning.Timeout, tuning.Timeout+tuning.Tick)
	}
	if res.Elapsed != elapsed {
		t.Fatalf("result elapsed %v, clock elapsed %v", res.Elapsed, elapsed)
	}
	if want := int(tuning.Timeout / tuning.Tick); res.Ticks != want {
		t.Fatalf("expected %d ticks, got %d", want, res.Ticks)
	}
}

func TestConvergeTimeoutWinsOverLateArrival(t *testing.T) {
	testlog.Start(t)
	sims := actuator.NewSimRig(actuator.SimConfig{MaxStep: 0.5}, actuator.SimConfig{MaxStep: 0.5})
	tuning := DefaultTuning()
	tuning.Timeout = 2 * tuning.Tick
	ctrl, err := New(Config{Rig: sims.Rig(), Tuning: tuning, Clock: NewManualClock(epoch)})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	// two ticks to arrive, and the second tick hits the ceiling
	res, err := ctrl.Converge(context.Background(), Pose{Lift: -1, Tilt: -1}, false, 0)
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if res.Ticks != 2 {
		t.Fatalf("expected two ticks, got %d", res.Ticks)
	}
	if !res.Converged() {
		t.Fatalf("expected the pose reached on the last tick, got %+v", res)
	}
	if !res.TimedOut {
		t.Fatalf("expected TimedOut once the ceiling passed, got %+v", res)
	}
}

func TestConvergeMovingRigReachesPose(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	sims := actuator.NewSimRig(actuator.SimConfig{MaxStep: 0.05}, actuator.SimConfig{MaxStep: 0.05})
	placeAll(sims, 0, -1.0, 0)
	ctrl, _ := newTestController(t, sims)

	res, err := ctrl.Converge(ctx, Pose{Lift: -2.5, Tilt: -2.6}, false, 0)
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if !res.Converged() || res.TimedOut {
		t.Fatalf("expected convergence, got %+v", res)
	}
	if res.Ticks < 50 {
		t.Fatalf("slew-limited rig converged too fast: %d ticks", res.Ticks)
	}
}

func TestConvergePropagatesDeviceFault(t *testing.T) {
	testlog.Start(t)
	fault := errors.New("can bus off")

	sims := actuator.NewSimRig(actuator.SimConfig{}, actuator.SimConfig{})
	sims.RightDrive.Fail(fault)
	ctrl, _ := newTestController(t, sims)

	_, err := ctrl.Converge(context.Background(), Pose{Lift: -1}, false, 100)
	if !errors.Is(err, ErrActuator) || !errors.Is(err, fault) {
		t.Fatalf("expected wrapped device fault, got %v", err)
	}
}

func TestConvergeHonorsCancellation(t *testing.T) {
	testlog.Start(t)

	sims := actuator.NewSimRig(actuator.SimConfig{}, actuator.SimConfig{})
	ctrl, _ := newTestController(t, sims)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := ctrl.Converge(ctx, Pose{Lift: -1}, false, 0)
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if res.Ticks != 0 {
		t.Fatalf("no tick should run after cancel, got %d", res.Ticks)
	}
}

func TestNewRejectsIncompleteRig(t *testing.T) {
	testlog.Start(t)

	rig := actuator.NewSimRig(actuator.SimConfig{}, actuator.SimConfig{}).Rig()
	rig.Agitator = nil
	if _, err := New(Config{Rig: rig, Tuning: DefaultTuning()}); !errors.Is(err, actuator.ErrMissingHandle) {
		t.Fatalf("expected ErrMissingHandle, got %v", err)
	}
}
