package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/excavctl/internal/control"
	"github.com/danmuck/excavctl/internal/sequence"
	"github.com/pelletier/go-toml/v2"
)

var ErrPlanFile = errors.New("config: plan file")

// Duration decodes TOML strings like "2s" or "1500ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type PlanDoc struct {
	Stages []StageDoc `toml:"stage"`
}

type PoseDoc struct {
	Lift float64 `toml:"lift"`
	Tilt float64 `toml:"tilt"`
}

type ReleaseDoc struct {
	Duty float64  `toml:"duty"`
	For  Duration `toml:"for"`
}

type StageDoc struct {
	Name        string      `toml:"name"`
	Lift        float64     `toml:"lift"`
	Tilt        float64     `toml:"tilt"`
	Agitator    bool        `toml:"agitator,omitempty"`
	DriveSpeed  float64     `toml:"drive_speed,omitempty"`
	Hold        Duration    `toml:"hold,omitempty"`
	Approach    *PoseDoc    `toml:"approach,omitempty"`
	StopOutputs bool        `toml:"stop_outputs,omitempty"`
	TiltRelease *ReleaseDoc `toml:"tilt_release,omitempty"`
}

// LoadPlan reads and validates a stage plan file. Unknown keys are errors
// so a typo cannot silently drop a setpoint.
func LoadPlan(path string) (sequence.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load (%s): %w", ErrPlanFile, path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

func ParsePlan(data []byte) (sequence.Plan, error) {
	var doc PlanDoc
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w: unknown keys:\n%s", ErrPlanFile, strict.String())
		}
		return nil, fmt.Errorf("%w: parse: %w", ErrPlanFile, err)
	}
	plan := doc.Plan()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (d PlanDoc) Plan() sequence.Plan {
	plan := make(sequence.Plan, 0, len(d.Stages))
	for _, s := range d.Stages {
		stage := sequence.Stage{
			Name:        s.Name,
			Pose:        control.Pose{Lift: s.Lift, Tilt: s.Tilt},
			Agitator:    s.Agitator,
			DriveSpeed:  s.DriveSpeed,
			Hold:        time.Duration(s.Hold),
			StopOutputs: s.StopOutputs,
		}
		if s.Approach != nil {
			stage.Approach = &control.Pose{Lift: s.Approach.Lift, Tilt: s.Approach.Tilt}
		}
		if s.TiltRelease != nil {
			stage.TiltRelease = &sequence.Release{Duty: s.TiltRelease.Duty, For: time.Duration(s.TiltRelease.For)}
		}
		plan = append(plan, stage)
	}
	return plan
}

func DocFromPlan(plan sequence.Plan) PlanDoc {
	doc := PlanDoc{Stages: make([]StageDoc, 0, len(plan))}
	for _, s := range plan {
		sd := StageDoc{
			Name:        s.Name,
			Lift:        s.Pose.Lift,
			Tilt:        s.Pose.Tilt,
			Agitator:    s.Agitator,
			DriveSpeed:  s.DriveSpeed,
			Hold:        Duration(s.Hold),
			StopOutputs: s.StopOutputs,
		}
		if s.Approach != nil {
			sd.Approach = &PoseDoc{Lift: s.Approach.Lift, Tilt: s.Approach.Tilt}
		}
		if s.TiltRelease != nil {
			sd.TiltRelease = &ReleaseDoc{Duty: s.TiltRelease.Duty, For: Duration(s.TiltRelease.For)}
		}
		doc.Stages = append(doc.Stages, sd)
	}
	return doc
}

func EncodePlan(plan sequence.Plan) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# tilt setpoints are relative to the measured tilt offset\n")
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(DocFromPlan(plan)); err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrPlanFile, err)
	}
	return buf.Bytes(), nil
}

// WritePlanTemplate writes the reference plan to path.
func WritePlanTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: already exists: %s", ErrPlanFile, path)
		}
	}
	data, err := EncodePlan(sequence.DefaultPlan())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
