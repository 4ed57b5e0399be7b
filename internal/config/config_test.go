package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/excavctl/internal/sequence"
	"github.com/stretchr/testify/require"
)

const samplePlan = `
[[stage]]
name = "position"
lift = -2.5
tilt = -2.6

[[stage]]
name = "dig"
lift = -3.3
tilt = -3.2
agitator = true
drive_speed = 1500
hold = "2s"
approach = { lift = -3.0, tilt = -2.6 }

[[stage]]
name = "reset"
lift = 0
tilt = 0
stop_outputs = true
tilt_release = { duty = 1.0, for = "1s" }
`

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlan))
	require.NoError(t, err)
	require.Len(t, plan, 3)

	require.Equal(t, "position", plan[0].Name)
	require.False(t, plan[0].IsHold())

	dig := plan[1]
	require.Equal(t, 2*time.Second, dig.Hold)
	require.True(t, dig.Agitator)
	require.Equal(t, 1500.0, dig.DriveSpeed)
	require.NotNil(t, dig.Approach)
	require.Equal(t, -3.0, dig.Approach.Lift)

	reset := plan[2]
	require.True(t, reset.StopOutputs)
	require.Equal(t, &sequence.Release{Duty: 1, For: time.Second}, reset.TiltRelease)
}

func TestParsePlanRejectsUnknownKeys(t *testing.T) {
	_, err := ParsePlan([]byte(`
[[stage]]
name = "position"
lift = -2.5
tlit = -2.6
`))
	require.ErrorIs(t, err, ErrPlanFile)
	require.Contains(t, err.Error(), "tlit")
}

func TestParsePlanValidates(t *testing.T) {
	_, err := ParsePlan([]byte(`
[[stage]]
name = "a"
[[stage]]
name = "a"
`))
	require.ErrorIs(t, err, sequence.ErrInvalidPlan)

	_, err = ParsePlan([]byte(`
[[stage]]
name = "a"
hold = "soon"
`))
	require.ErrorIs(t, err, ErrPlanFile)
}

func TestPlanTemplateLoadsAsDefaultPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.toml")
	require.NoError(t, WritePlanTemplate(path, false))

	plan, err := LoadPlan(path)
	require.NoError(t, err)
	require.Equal(t, sequence.DefaultPlan(), plan)

	err = WritePlanTemplate(path, false)
	require.ErrorIs(t, err, ErrPlanFile)
	require.NoError(t, WritePlanTemplate(path, true))
}

func TestLoadPlanMissingFile(t *testing.T) {
	_, err := LoadPlan(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, ErrPlanFile)
	require.True(t, errors.Is(err, os.ErrNotExist))
}
