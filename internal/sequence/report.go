package sequence

import (
	"time"

	"github.com/danmuck/excavctl/internal/control"
	"github.com/google/uuid"
)

const (
	OutcomeConverged = "converged"
	OutcomeTimedOut  = "timed_out"
	OutcomeHeld      = "held"
	OutcomeFailed    = "failed"
)

// StageReport records how one stage ran.
type StageReport struct {
	Name   string       `json:"name"`
	Target control.Pose `json:"target"`
	Offset float64      `json:"tilt_offset"`
	// Outcome is one of the Outcome constants.
	Outcome  string        `json:"outcome"`
	Ticks    int           `json:"ticks"`
	Approach *ConvergeStat `json:"approach,omitempty"`
	// Reached reflects the last tick of the stage.
	Reached      bool          `json:"reached"`
	Realigned    int           `json:"realigned_ticks"`
	ReleaseTicks int           `json:"release_ticks,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

// ConvergeStat summarizes one Converge call inside a stage.
type ConvergeStat struct {
	Ticks    int  `json:"ticks"`
	TimedOut bool `json:"timed_out"`
	Reached  bool `json:"reached"`
}

func convergeStat(res control.Result) *ConvergeStat {
	return &ConvergeStat{Ticks: res.Ticks, TimedOut: res.TimedOut, Reached: res.Converged()}
}

// Report is the outcome of one RunCycle call.
type Report struct {
	ID         uuid.UUID     `json:"id"`
	TiltOffset float64       `json:"tilt_offset"`
	Started    time.Time     `json:"started"`
	Elapsed    time.Duration `json:"elapsed"`
	// Success is true only when every stage ran.
	Success bool          `json:"success"`
	Stages  []StageReport `json:"stages"`
}

// TimedOut lists stages that gave up on convergence.
func (r Report) TimedOut() []string {
	var out []string
	for _, s := range r.Stages {
		if s.Outcome == OutcomeTimedOut || (s.Approach != nil && s.Approach.TimedOut) {
			out = append(out, s.Name)
		}
	}
	return out
}
