package excavation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/excavctl/internal/actuator"
	"github.com/danmuck/excavctl/internal/control"
	"github.com/danmuck/excavctl/internal/observability"
	"github.com/danmuck/excavctl/internal/sequence"
	"github.com/danmuck/excavctl/internal/telemetry"
	"github.com/danmuck/excavctl/internal/trace"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownBackend = errors.New("excavation: unknown actuator backend")

type Backend string

const (
	BackendSim    Backend = "sim"
	BackendRemote Backend = "remote"
)

// ServiceConfig configures one excavation service.
type ServiceConfig struct {
	ID          string
	ListenAddr  string
	CORSOrigins []string
	// ControlToken, when set, is required as a bearer token on every
	// route that moves the machine or feeds it telemetry.
	ControlToken string

	Tuning control.Tuning
	Plan   sequence.Plan
	// ResampleOffsetPerStage reads the telemetry buffer before every stage
	// instead of once per cycle.
	ResampleOffsetPerStage bool

	Backend   Backend
	Bus       actuator.RemoteConfig
	DeviceIDs actuator.DeviceIDs
	SimLift   actuator.SimConfig
	SimTilt   actuator.SimConfig

	// Telemetry.Address empty disables the feed; HTTP ingress still works.
	Telemetry         telemetry.FeedConfig
	InitialTiltOffset float64
	TiltOffsetLimit   float64

	// Trace keeps the last cycle's actuator traffic for /excavation/trace.
	Trace           bool
	ShutdownTimeout time.Duration
	// Clock defaults to wall time.
	Clock control.Clock
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:              "excavctl",
		ListenAddr:      ":8090",
		CORSOrigins:     []string{"http://localhost:3000"},
		Tuning:          control.DefaultTuning(),
		Plan:            sequence.DefaultPlan(),
		Backend:         BackendSim,
		Bus:             actuator.DefaultRemoteConfig(),
		DeviceIDs:       actuator.DefaultDeviceIDs(),
		SimLift:         actuator.SimConfig{MaxStep: 0.02, HistoryLimit: 4096},
		SimTilt:         actuator.SimConfig{MaxStep: 0.02, HistoryLimit: 4096},
		Telemetry:       telemetry.DefaultFeedConfig(),
		TiltOffsetLimit: 5,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Service owns the rig, the telemetry buffer, and the cycle admission gate.
type Service struct {
	cfg      ServiceConfig
	buffer   *telemetry.Buffer
	feed     *telemetry.Feed
	ctrl     *control.Controller
	runner   *sequence.Runner
	recorder *trace.Recorder
	router   *gin.Engine
	closer   io.Closer
	started  time.Time

	mu        sync.Mutex
	lifecycle context.Context
	running   bool
	cancel    context.CancelFunc
	cycleAt   time.Time
	last      *sequence.Report
	lastErr   string
	cycles    uint64
}

// NewServiceWithConfig builds the configured backend and wires the service.
func NewServiceWithConfig(cfg ServiceConfig) (*Service, error) {
	cfg = withDefaults(cfg)
	switch cfg.Backend {
	case BackendSim:
		sims := actuator.NewSimRig(cfg.SimLift, cfg.SimTilt)
		return NewServiceWithRig(cfg, sims.Rig(), nil)
	case BackendRemote:
		if err := cfg.DeviceIDs.Validate(); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Bus.WithDefaults().ConnectTimeout)
		defer cancel()
		remote, err := actuator.DialRemote(ctx, cfg.Bus)
		if err != nil {
			return nil, err
		}
		svc, err := NewServiceWithRig(cfg, remote.Rig(cfg.DeviceIDs), remote)
		if err != nil {
			_ = remote.Close()
			return nil, err
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// NewServiceWithRig wires the service around an existing rig. closer, if
// set, is closed when the service stops.
func NewServiceWithRig(cfg ServiceConfig, rig actuator.Rig, closer io.Closer) (*Service, error) {
	cfg = withDefaults(cfg)
	observability.RegisterMetrics()
	svc := &Service{
		cfg:       cfg,
		buffer:    telemetry.NewBuffer(telemetry.BufferConfig{Initial: cfg.InitialTiltOffset, Limit: cfg.TiltOffsetLimit}),
		closer:    closer,
		started:   time.Now(),
		lifecycle: context.Background(),
	}
	if cfg.Trace {
		svc.recorder = trace.NewRecorder(cfg.Clock, trace.DefaultLimit)
		rig = svc.recorder.Wrap(rig)
	}

	logger := log.Logger.With().Str("service", cfg.ID).Logger()
	ctrl, err := control.New(control.Config{Rig: rig, Tuning: cfg.Tuning, Clock: cfg.Clock, Logger: &logger})
	if err != nil {
		return nil, err
	}
	runner, err := sequence.NewRunner(ctrl, cfg.Plan, sequence.Options{
		Offset:                 svc.buffer.Read,
		ResampleOffsetPerStage: cfg.ResampleOffsetPerStage,
		Logger:                 &logger,
	})
	if err != nil {
		return nil, err
	}
	svc.ctrl = ctrl
	svc.runner = runner

	if strings.TrimSpace(cfg.Telemetry.Address) != "" {
		feed, err := telemetry.NewFeed(cfg.Telemetry, svc.buffer)
		if err != nil {
			return nil, err
		}
		svc.feed = feed
	}
	svc.router = svc.newRouter()
	return svc, nil
}

func withDefaults(cfg ServiceConfig) ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = def.ID
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.Tuning == (control.Tuning{}) {
		cfg.Tuning = def.Tuning
	}
	if len(cfg.Plan) == 0 {
		cfg.Plan = def.Plan
	}
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.DeviceIDs == (actuator.DeviceIDs{}) {
		cfg.DeviceIDs = def.DeviceIDs
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = control.SystemClock{}
	}
	return cfg
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Buffer() *telemetry.Buffer {
	return s.buffer
}

func (s *Service) Router() *gin.Engine {
	return s.router
}

// Run serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP surface and the telemetry feed until ctx ends. Any
// in-flight cycle is canceled on the way out.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.lifecycle = gctx
	s.mu.Unlock()
	// direct Excavate callers after Serve returns get a live context again
	defer func() {
		s.mu.Lock()
		s.lifecycle = context.Background()
		s.mu.Unlock()
	}()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Warn().
		Str("service", s.cfg.ID).
		Str("addr", ln.Addr().String()).
		Str("backend", string(s.cfg.Backend)).
		Int("stages", len(s.cfg.Plan)).
		Msg("excavation.Service listening")

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.feed != nil {
		g.Go(func() error {
			return s.feed.Run(gctx)
		})
	}

	err := g.Wait()
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	log.Warn().Str("service", s.cfg.ID).Err(err).Msg("excavation.Service stopped")
	return err
}

// Close releases the actuator backend.
func (s *Service) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Service) lifecycleContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}
