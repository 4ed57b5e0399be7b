package actuator

import (
	"context"
	"math"
	"sync"

	"github.com/danmuck/excavctl/internal/protocol"
)

// SimConfig shapes one simulated actuator.
type SimConfig struct {
	Initial float64
	// MaxStep bounds how far one SetPosition command moves the actuator.
	// Zero freezes it in place.
	MaxStep float64
	// HistoryLimit caps retained commands; zero keeps everything.
	HistoryLimit int
}

// Command is one recorded write to a simulated actuator.
type Command struct {
	Op    protocol.DeviceOp
	Value float64
}

// Sim is an in-memory actuator that slews toward its last position target.
type Sim struct {
	mu       sync.Mutex
	cfg      SimConfig
	position float64
	velocity float64
	duty     float64
	history  []Command
	fault    error
}

func NewSim(cfg SimConfig) *Sim {
	return &Sim{cfg: cfg, position: cfg.Initial}
}

func (s *Sim) Position(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return 0, s.fault
	}
	return s.position, nil
}

func (s *Sim) SetPosition(_ context.Context, target float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	s.record(protocol.OpSetPosition, target)
	delta := target - s.position
	if math.Abs(delta) <= s.cfg.MaxStep {
		s.position = target
		return nil
	}
	s.position += math.Copysign(s.cfg.MaxStep, delta)
	return nil
}

func (s *Sim) SetVelocity(_ context.Context, velocity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	s.record(protocol.OpSetVelocity, velocity)
	s.velocity = velocity
	return nil
}

func (s *Sim) SetDutyCycle(_ context.Context, duty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	s.record(protocol.OpSetDutyCycle, duty)
	s.duty = duty
	return nil
}

// Place moves the actuator without recording a command.
func (s *Sim) Place(position float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = position
}

// Fail makes every later call return err; nil clears the fault.
func (s *Sim) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

func (s *Sim) Velocity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.velocity
}

func (s *Sim) DutyCycle() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duty
}

// Commands returns a copy of the recorded command history.
func (s *Sim) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.history))
	copy(out, s.history)
	return out
}

// Count returns how many commands of op were recorded.
func (s *Sim) Count(op protocol.DeviceOp) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.history {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Last returns the most recent command of op.
func (s *Sim) Last(op protocol.DeviceOp) (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Op == op {
			return s.history[i], true
		}
	}
	return Command{}, false
}

func (s *Sim) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

func (s *Sim) record(op protocol.DeviceOp, value float64) {
	s.history = append(s.history, Command{Op: op, Value: value})
	if limit := s.cfg.HistoryLimit; limit > 0 && len(s.history) > limit {
		keep := limit / 2
		s.history = append(s.history[:0], s.history[len(s.history)-keep:]...)
	}
}

// SimRig is a full rig of simulated actuators.
type SimRig struct {
	LeftLift   *Sim
	RightLift  *Sim
	Tilt       *Sim
	LeftDrive  *Sim
	RightDrive *Sim
	Agitator   *Sim
}

// NewSimRig builds a rig whose lifts share liftCfg and tilt uses tiltCfg.
// Drives and agitator only take open-loop commands.
func NewSimRig(liftCfg, tiltCfg SimConfig) *SimRig {
	aux := SimConfig{HistoryLimit: liftCfg.HistoryLimit}
	return &SimRig{
		LeftLift:   NewSim(liftCfg),
		RightLift:  NewSim(liftCfg),
		Tilt:       NewSim(tiltCfg),
		LeftDrive:  NewSim(aux),
		RightDrive: NewSim(aux),
		Agitator:   NewSim(aux),
	}
}

func (s *SimRig) Rig() Rig {
	return Rig{
		LeftLift:   s.LeftLift,
		RightLift:  s.RightLift,
		Tilt:       s.Tilt,
		LeftDrive:  s.LeftDrive,
		RightDrive: s.RightDrive,
		Agitator:   s.Agitator,
	}
}

// Devices indexes the simulated actuators by bus id for ServeBus.
func (s *SimRig) Devices(ids DeviceIDs) map[uint32]Handle {
	rig := s.Rig()
	out := make(map[uint32]Handle, 6)
	for _, role := range Roles() {
		out[ids.ID(role)] = rig.Handle(role)
	}
	return out
}

func (s *SimRig) Reset() {
	for _, sim := range []*Sim{s.LeftLift, s.RightLift, s.Tilt, s.LeftDrive, s.RightDrive, s.Agitator} {
		sim.Reset()
	}
}
