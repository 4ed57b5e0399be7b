package trace

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/excavctl/internal/actuator"
	"github.com/danmuck/excavctl/internal/control"
	"github.com/danmuck/excavctl/internal/protocol"
)

// DefaultLimit holds a full reference cycle at a 5ms tick with room to spare.
const DefaultLimit = 1 << 18

// Sample is one actuator read or write.
type Sample struct {
	At    time.Duration     `json:"at"`
	Role  actuator.Role     `json:"role"`
	Op    protocol.DeviceOp `json:"op"`
	Value float64           `json:"value"`
}

// Recorder captures samples from wrapped handles. Once Limit samples are
// held, later samples are counted and dropped.
type Recorder struct {
	clock control.Clock
	limit int

	mu      sync.Mutex
	start   time.Time
	samples []Sample
	dropped int
}

func NewRecorder(clock control.Clock, limit int) *Recorder {
	if clock == nil {
		clock = control.SystemClock{}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Recorder{clock: clock, limit: limit, start: clock.Now()}
}

// Wrap returns rig with every handle recording into r.
func (r *Recorder) Wrap(rig actuator.Rig) actuator.Rig {
	return rig.Map(func(role actuator.Role, h actuator.Handle) actuator.Handle {
		return &handle{rec: r, role: role, inner: h}
	})
}

// Restart clears samples and zeroes the timeline.
func (r *Recorder) Restart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = r.clock.Now()
	r.samples = r.samples[:0]
	r.dropped = 0
}

func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) record(role actuator.Role, op protocol.DeviceOp, value float64) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) >= r.limit {
		r.dropped++
		return
	}
	r.samples = append(r.samples, Sample{At: now.Sub(r.start), Role: role, Op: op, Value: value})
}

type handle struct {
	rec   *Recorder
	role  actuator.Role
	inner actuator.Handle
}

func (h *handle) Position(ctx context.Context) (float64, error) {
	pos, err := h.inner.Position(ctx)
	if err == nil {
		h.rec.record(h.role, protocol.OpReadPosition, pos)
	}
	return pos, err
}

func (h *handle) SetPosition(ctx context.Context, target float64) error {
	h.rec.record(h.role, protocol.OpSetPosition, target)
	return h.inner.SetPosition(ctx, target)
}

func (h *handle) SetVelocity(ctx context.Context, velocity float64) error {
	h.rec.record(h.role, protocol.OpSetVelocity, velocity)
	return h.inner.SetVelocity(ctx, velocity)
}

func (h *handle) SetDutyCycle(ctx context.Context, duty float64) error {
	h.rec.record(h.role, protocol.OpSetDutyCycle, duty)
	return h.inner.SetDutyCycle(ctx, duty)
}
