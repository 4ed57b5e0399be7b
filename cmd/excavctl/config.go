package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/excavctl/internal/config"
	"github.com/danmuck/excavctl/internal/excavation"
)

// excavctl config.toml key mapping to service settings.
type fileConfig struct {
	ID                     string        `toml:"id"`
	Addr                   string        `toml:"addr"`
	CORSOrigins            []string      `toml:"cors_origins"`
	ControlToken           string        `toml:"control_token"`
	Backend                string        `toml:"backend"`
	PlanPath               string        `toml:"plan_path"`
	Trace                  bool          `toml:"trace"`
	ShutdownTimeout        time.Duration `toml:"shutdown_timeout"`
	InitialTiltOffset      float64       `toml:"initial_tilt_offset"`
	TiltOffsetLimit        float64       `toml:"tilt_offset_limit"`
	ResampleOffsetPerStage bool          `toml:"resample_offset_per_stage"`

	Tuning    tuningFile    `toml:"tuning"`
	Bus       busFile       `toml:"bus"`
	Devices   devicesFile   `toml:"devices"`
	Telemetry telemetryFile `toml:"telemetry"`
	Sim       simFile       `toml:"sim"`
}

type tuningFile struct {
	Tolerance               float64       `toml:"tolerance"`
	MisalignThreshold       float64       `toml:"misalign_threshold"`
	SevereMisalignThreshold float64       `toml:"severe_misalign_threshold"`
	Timeout                 time.Duration `toml:"timeout"`
	Tick                    time.Duration `toml:"tick"`
	AgitatorDuty            float64       `toml:"agitator_duty"`
}

type busFile struct {
	Addr           string        `toml:"addr"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	IOTimeout      time.Duration `toml:"io_timeout"`
}

type devicesFile struct {
	LeftDrive  uint32 `toml:"left_drive"`
	RightDrive uint32 `toml:"right_drive"`
	LeftLift   uint32 `toml:"left_lift"`
	RightLift  uint32 `toml:"right_lift"`
	Tilt       uint32 `toml:"tilt"`
	Agitator   uint32 `toml:"agitator"`
}

type telemetryFile struct {
	Addr           string        `toml:"addr"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	StaleAfter     time.Duration `toml:"stale_after"`
}

type simFile struct {
	LiftStep float64 `toml:"lift_step"`
	TiltStep float64 `toml:"tilt_step"`
}

// loadServiceConfig overlays keys present in path onto the service
// defaults. An empty path returns the defaults.
func loadServiceConfig(path string) (excavation.ServiceConfig, error) {
	cfg := excavation.DefaultServiceConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return excavation.ServiceConfig{}, fmt.Errorf("load excavctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return excavation.ServiceConfig{}, fmt.Errorf("load excavctl config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("control_token") {
		cfg.ControlToken = strings.TrimSpace(raw.ControlToken)
	}
	if meta.IsDefined("backend") {
		cfg.Backend = excavation.Backend(strings.ToLower(strings.TrimSpace(raw.Backend)))
	}
	if meta.IsDefined("trace") {
		cfg.Trace = raw.Trace
	}
	if meta.IsDefined("shutdown_timeout") {
		cfg.ShutdownTimeout = raw.ShutdownTimeout
	}
	if meta.IsDefined("initial_tilt_offset") {
		cfg.InitialTiltOffset = raw.InitialTiltOffset
	}
	if meta.IsDefined("tilt_offset_limit") {
		cfg.TiltOffsetLimit = raw.TiltOffsetLimit
	}
	if meta.IsDefined("resample_offset_per_stage") {
		cfg.ResampleOffsetPerStage = raw.ResampleOffsetPerStage
	}

	if meta.IsDefined("tuning", "tolerance") {
		cfg.Tuning.Tolerance = raw.Tuning.Tolerance
	}
	if meta.IsDefined("tuning", "misalign_threshold") {
		cfg.Tuning.MisalignThreshold = raw.Tuning.MisalignThreshold
	}
	if meta.IsDefined("tuning", "severe_misalign_threshold") {
		cfg.Tuning.SevereMisalignThreshold = raw.Tuning.SevereMisalignThreshold
	}
	if meta.IsDefined("tuning", "timeout") {
		cfg.Tuning.Timeout = raw.Tuning.Timeout
	}
	if meta.IsDefined("tuning", "tick") {
		cfg.Tuning.Tick = raw.Tuning.Tick
	}
	if meta.IsDefined("tuning", "agitator_duty") {
		cfg.Tuning.AgitatorDuty = raw.Tuning.AgitatorDuty
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return excavation.ServiceConfig{}, fmt.Errorf("load excavctl config: %w", err)
	}

	if meta.IsDefined("bus", "addr") {
		cfg.Bus.Address = strings.TrimSpace(raw.Bus.Addr)
	}
	if meta.IsDefined("bus", "connect_timeout") {
		cfg.Bus.ConnectTimeout = raw.Bus.ConnectTimeout
	}
	if meta.IsDefined("bus", "io_timeout") {
		cfg.Bus.IOTimeout = raw.Bus.IOTimeout
	}

	devices := map[string]*uint32{
		"left_drive":  &cfg.DeviceIDs.LeftDrive,
		"right_drive": &cfg.DeviceIDs.RightDrive,
		"left_lift":   &cfg.DeviceIDs.LeftLift,
		"right_lift":  &cfg.DeviceIDs.RightLift,
		"tilt":        &cfg.DeviceIDs.Tilt,
		"agitator":    &cfg.DeviceIDs.Agitator,
	}
	values := map[string]uint32{
		"left_drive":  raw.Devices.LeftDrive,
		"right_drive": raw.Devices.RightDrive,
		"left_lift":   raw.Devices.LeftLift,
		"right_lift":  raw.Devices.RightLift,
		"tilt":        raw.Devices.Tilt,
		"agitator":    raw.Devices.Agitator,
	}
	for key, dst := range devices {
		if meta.IsDefined("devices", key) {
			*dst = values[key]
		}
	}
	if err := cfg.DeviceIDs.Validate(); err != nil {
		return excavation.ServiceConfig{}, fmt.Errorf("load excavctl config: %w", err)
	}

	if meta.IsDefined("telemetry", "addr") {
		cfg.Telemetry.Address = strings.TrimSpace(raw.Telemetry.Addr)
	}
	if meta.IsDefined("telemetry", "connect_timeout") {
		cfg.Telemetry.ConnectTimeout = raw.Telemetry.ConnectTimeout
	}
	if meta.IsDefined("telemetry", "stale_after") {
		cfg.Telemetry.StaleAfter = raw.Telemetry.StaleAfter
	}

	if meta.IsDefined("sim", "lift_step") {
		cfg.SimLift.MaxStep = raw.Sim.LiftStep
	}
	if meta.IsDefined("sim", "tilt_step") {
		cfg.SimTilt.MaxStep = raw.Sim.TiltStep
	}

	switch cfg.Backend {
	case excavation.BackendSim:
	case excavation.BackendRemote:
		if cfg.Bus.Address == "" {
			return excavation.ServiceConfig{}, fmt.Errorf("load excavctl config: bus.addr is required when backend = %q", cfg.Backend)
		}
	default:
		return excavation.ServiceConfig{}, fmt.Errorf("load excavctl config: %w: %q", excavation.ErrUnknownBackend, cfg.Backend)
	}

	if planPath := strings.TrimSpace(raw.PlanPath); planPath != "" {
		plan, err := config.LoadPlan(resolveRelative(path, planPath))
		if err != nil {
			return excavation.ServiceConfig{}, fmt.Errorf("load excavctl config: %w", err)
		}
		cfg.Plan = plan
	}
	return cfg, nil
}

// resolveRelative resolves target against the directory holding base.
func resolveRelative(base, target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(base), target)
}
