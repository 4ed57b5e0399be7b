package trace

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/excavctl/internal/actuator"
	"github.com/danmuck/excavctl/internal/control"
	"github.com/danmuck/excavctl/internal/protocol"
	"github.com/danmuck/excavctl/internal/testutil/testlog"
)

func recordConverge(t *testing.T, limit int) (*Recorder, control.Result) {
	t.Helper()
	clock := control.NewManualClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	rec := NewRecorder(clock, limit)
	sims := actuator.NewSimRig(actuator.SimConfig{MaxStep: 0.05}, actuator.SimConfig{MaxStep: 0.05})
	ctrl, err := control.New(control.Config{
		Rig:    rec.Wrap(sims.Rig()),
		Tuning: control.DefaultTuning(),
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	res, err := ctrl.Converge(context.Background(), control.Pose{Lift: -1, Tilt: -0.5}, true, 500)
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	return rec, res
}

func TestRecorderCapturesEveryAxis(t *testing.T) {
	testlog.Start(t)
	rec, res := recordConverge(t, 0)
	if !res.Converged() {
		t.Fatalf("expected convergence, got %+v", res)
	}
	samples := rec.Samples()
	if len(samples) == 0 {
		t.Fatalf("expected samples")
	}
	setpoints := XYs(samples, actuator.RoleTilt, protocol.OpSetPosition)
	if len(setpoints) != res.Ticks {
		t.Fatalf("expected one tilt command per tick, got %d for %d ticks", len(setpoints), res.Ticks)
	}
	if setpoints[0].Y != -0.5 {
		t.Fatalf("unexpected tilt command %v", setpoints[0].Y)
	}
	drives := XYs(samples, actuator.RoleLeftDrive, protocol.OpSetVelocity)
	if len(drives) != res.Ticks || drives[0].Y != 500 {
		t.Fatalf("unexpected drive series: %v", drives)
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].At < samples[i-1].At {
			t.Fatalf("samples out of order at %d", i)
		}
	}
	last := samples[len(samples)-1].At
	if last != res.Elapsed {
		t.Fatalf("expected last sample at %v, got %v", res.Elapsed, last)
	}
}

func TestRecorderLimitDropsOverflow(t *testing.T) {
	testlog.Start(t)
	rec, _ := recordConverge(t, 10)
	if got := len(rec.Samples()); got != 10 {
		t.Fatalf("expected 10 samples, got %d", got)
	}
	if rec.Dropped() == 0 {
		t.Fatalf("expected dropped samples")
	}
	rec.Restart()
	if len(rec.Samples()) != 0 || rec.Dropped() != 0 {
		t.Fatalf("restart should clear samples")
	}
}

func TestWritePNG(t *testing.T) {
	testlog.Start(t)
	rec, _ := recordConverge(t, 0)

	var buf bytes.Buffer
	if err := WritePNG(&buf, rec.Samples(), "converge", nil); err != nil {
		t.Fatalf("write png: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatalf("output is not a png")
	}

	path := filepath.Join(t.TempDir(), "out", "trace.png")
	if err := SavePNG(path, rec.Samples(), "", DefaultPanels()[:1]); err != nil {
		t.Fatalf("save png: %v", err)
	}
}

func TestWritePNGRequiresSamples(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePNG(&buf, nil, "", nil); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("expected ErrNoSamples, got %v", err)
	}
}
