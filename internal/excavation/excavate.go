package excavation

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/excavctl/internal/sequence"
	"github.com/danmuck/excavctl/internal/telemetry"
	"github.com/danmuck/excavctl/internal/trace"
	"github.com/rs/zerolog/log"
)

var (
	ErrStartNotRequested = errors.New("excavation: start_excavation is false")
	ErrCycleInProgress   = errors.New("excavation: cycle already in progress")
	ErrNoCycle           = errors.New("excavation: no cycle in progress")
	ErrNoTrace           = errors.New("excavation: no trace recorded")
)

type Request struct {
	StartExcavation bool `json:"start_excavation"`
}

type Response struct {
	ExcavationSuccessful bool             `json:"excavation_successful"`
	Error                string           `json:"error,omitempty"`
	Report               *sequence.Report `json:"report,omitempty"`
}

// Excavate runs one full cycle when req asks for it. Only one cycle runs
// at a time; a second caller gets ErrCycleInProgress without touching the
// rig. The cycle's context derives from ctx and is canceled by Cancel.
func (s *Service) Excavate(ctx context.Context, req Request) (Response, error) {
	if !req.StartExcavation {
		log.Error().Str("service", s.cfg.ID).Msg("excavation.Excavate received request but start_excavation is false")
		return Response{Error: ErrStartNotRequested.Error()}, ErrStartNotRequested
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.admit(cancel) {
		return Response{Error: ErrCycleInProgress.Error()}, ErrCycleInProgress
	}

	offset := s.buffer.Read()
	log.Info().
		Str("service", s.cfg.ID).
		Float64("tilt_offset", offset).
		Msg("excavation.Excavate starting excavation process")
	if s.recorder != nil {
		s.recorder.Restart()
	}

	rep, err := s.runner.RunCycle(cycleCtx, offset)
	s.finish(rep, err)

	resp := Response{ExcavationSuccessful: err == nil && rep.Success, Report: &rep}
	if err != nil {
		resp.Error = err.Error()
		return resp, err
	}
	log.Info().
		Str("service", s.cfg.ID).
		Str("cycle", rep.ID.String()).
		Dur("elapsed", rep.Elapsed).
		Msg("excavation.Excavate sequence successfully completed")
	return resp, nil
}

func (s *Service) admit(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.cancel = cancel
	s.cycleAt = time.Now()
	return true
}

func (s *Service) finish(rep sequence.Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancel = nil
	s.cycles++
	s.last = &rep
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
}

// Cancel stops the in-flight cycle, if any, and reports whether one was
// running.
func (s *Service) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	log.Warn().Str("service", s.cfg.ID).Msg("excavation.Cancel canceling cycle")
	cancel()
	return true
}

// IngestTilt accepts one tilt offset sample from an HTTP client.
func (s *Service) IngestTilt(sample float64) error {
	return s.buffer.Accept(sample, "http")
}

type Status struct {
	ID            string             `json:"id"`
	Running       bool               `json:"running"`
	RunningFor    string             `json:"running_for,omitempty"`
	Cycles        uint64             `json:"cycles"`
	Telemetry     telemetry.Snapshot `json:"telemetry"`
	FeedEnabled   bool               `json:"feed_enabled"`
	FeedConnected bool               `json:"feed_connected"`
	Stages        []string           `json:"stages"`
	Last          *sequence.Report   `json:"last,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:        s.cfg.ID,
		Running:   s.running,
		Cycles:    s.cycles,
		Last:      s.last,
		LastError: s.lastErr,
	}
	if s.running {
		st.RunningFor = time.Since(s.cycleAt).Round(time.Millisecond).String()
	}
	s.mu.Unlock()

	st.Telemetry = s.buffer.Snapshot()
	if s.feed != nil {
		st.FeedEnabled = true
		st.FeedConnected = s.feed.Connected()
	}
	for _, stage := range s.runner.Plan() {
		st.Stages = append(st.Stages, stage.Name)
	}
	return st
}

// TraceSamples returns the actuator traffic of the latest cycle.
func (s *Service) TraceSamples() ([]trace.Sample, error) {
	if s.recorder == nil {
		return nil, ErrNoTrace
	}
	samples := s.recorder.Samples()
	if len(samples) == 0 {
		return nil, ErrNoTrace
	}
	return samples, nil
}
