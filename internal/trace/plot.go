package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/danmuck/excavctl/internal/actuator"
	"github.com/danmuck/excavctl/internal/protocol"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var ErrNoSamples = errors.New("trace: no samples")

// Series selects one role and op from a trace.
type Series struct {
	Label string
	Role  actuator.Role
	Op    protocol.DeviceOp
}

// Panel is one stacked plot.
type Panel struct {
	Title  string
	YLabel string
	Series []Series
}

func DefaultPanels() []Panel {
	return []Panel{
		{
			Title:  "Lift",
			YLabel: "position",
			Series: []Series{
				{Label: "left", Role: actuator.RoleLeftLift, Op: protocol.OpReadPosition},
				{Label: "right", Role: actuator.RoleRightLift, Op: protocol.OpReadPosition},
				{Label: "left cmd", Role: actuator.RoleLeftLift, Op: protocol.OpSetPosition},
				{Label: "right cmd", Role: actuator.RoleRightLift, Op: protocol.OpSetPosition},
			},
		},
		{
			Title:  "Tilt",
			YLabel: "position",
			Series: []Series{
				{Label: "tilt", Role: actuator.RoleTilt, Op: protocol.OpReadPosition},
				{Label: "tilt cmd", Role: actuator.RoleTilt, Op: protocol.OpSetPosition},
				{Label: "release duty", Role: actuator.RoleTilt, Op: protocol.OpSetDutyCycle},
			},
		},
		{
			Title:  "Drive",
			YLabel: "velocity",
			Series: []Series{
				{Label: "left", Role: actuator.RoleLeftDrive, Op: protocol.OpSetVelocity},
				{Label: "right", Role: actuator.RoleRightDrive, Op: protocol.OpSetVelocity},
			},
		},
		{
			Title:  "Agitator",
			YLabel: "duty",
			Series: []Series{
				{Label: "duty", Role: actuator.RoleAgitator, Op: protocol.OpSetDutyCycle},
			},
		},
	}
}

// XYs extracts one series with time in seconds on X.
func XYs(samples []Sample, role actuator.Role, op protocol.DeviceOp) plotter.XYs {
	var pts plotter.XYs
	for _, s := range samples {
		if s.Role == role && s.Op == op {
			pts = append(pts, plotter.XY{X: s.At.Seconds(), Y: s.Value})
		}
	}
	return pts
}

func stylePlot(p *plot.Plot) {
	p.Title.TextStyle.Font.Size = vg.Points(14)
	p.Title.Padding = vg.Points(6)
	p.X.Label.TextStyle.Font.Size = vg.Points(11)
	p.Y.Label.TextStyle.Font.Size = vg.Points(11)
	p.X.Tick.Label.Font.Size = vg.Points(9)
	p.Y.Tick.Label.Font.Size = vg.Points(9)
	p.X.LineStyle.Width = vg.Points(1.2)
	p.Y.LineStyle.Width = vg.Points(1.2)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(9)
	p.Add(plotter.NewGrid())
}

func buildPanel(samples []Sample, panel Panel) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = panel.Title
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = panel.YLabel
	stylePlot(p)

	lines := 0
	for i, s := range panel.Series {
		pts := XYs(samples, s.Role, s.Op)
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("trace: %s %s: %w", panel.Title, s.Label, err)
		}
		line.LineStyle.Width = vg.Points(1.5)
		line.LineStyle.Color = plotutil.Color(i)
		if s.Op == protocol.OpSetPosition {
			line.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		p.Legend.Add(s.Label, line)
		lines++
	}
	if lines == 0 {
		p.X.Min, p.X.Max = 0, 1
		p.Y.Min, p.Y.Max = -1, 1
	}
	return p, nil
}

// WritePNG renders panels stacked vertically, sharing the time axis range.
func WritePNG(w io.Writer, samples []Sample, title string, panels []Panel) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	if len(panels) == 0 {
		panels = DefaultPanels()
	}

	end := samples[len(samples)-1].At.Seconds()
	plots := make([][]*plot.Plot, 0, len(panels))
	for _, panel := range panels {
		p, err := buildPanel(samples, panel)
		if err != nil {
			return err
		}
		p.X.Min, p.X.Max = 0, math.Max(end, 1e-3)
		plots = append(plots, []*plot.Plot{p})
	}
	if title != "" {
		plots[0][0].Title.Text = title + ": " + plots[0][0].Title.Text
	}

	width := 10 * vg.Inch
	height := vg.Length(2.5*float64(len(panels))) * vg.Inch
	c := vgimg.NewWith(vgimg.UseWH(width, height), vgimg.UseDPI(150))
	dc := draw.New(c)
	tiles := draw.Tiles{
		Rows: len(panels),
		Cols: 1,
		PadX: vg.Millimeter,
		PadY: 2 * vg.Millimeter,
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	png := vgimg.PngCanvas{Canvas: c}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("trace: write png: %w", err)
	}
	return nil
}

// SavePNG writes the rendering to path, creating parent directories.
func SavePNG(path string, samples []Sample, title string, panels []Panel) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("trace: create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: create png: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := WritePNG(bw, samples, title, panels); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
