package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/danmuck/excavctl/internal/actuator"
	"github.com/danmuck/excavctl/internal/config"
	"github.com/danmuck/excavctl/internal/control"
	"github.com/danmuck/excavctl/internal/sequence"
	"github.com/danmuck/excavctl/internal/trace"
	"github.com/spf13/cobra"
)

type simulateOptions struct {
	configPath string
	planPath   string
	plotPath   string
	reportPath string
	offset     float64
	realtime   bool
	liftStep   float64
	tiltStep   float64
	// skew starts the left lift this far from the right one.
	skew float64
}

func newSimulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one dig cycle against simulated actuators",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServiceConfig(opts.configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("lift-step") {
				opts.liftStep = cfg.SimLift.MaxStep
			}
			if !cmd.Flags().Changed("tilt-step") {
				opts.tiltStep = cfg.SimTilt.MaxStep
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			_, err = runSimulation(ctx, cfg.Tuning, cfg.Plan, opts, cmd.OutOrStdout())
			return err
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "service config supplying tuning and plan")
	f.StringVar(&opts.planPath, "plan", "", "stage plan (TOML); overrides the config plan")
	f.StringVar(&opts.plotPath, "plot", "", "write a trace plot PNG to this path")
	f.StringVar(&opts.reportPath, "report", "", "write the cycle report JSON to this path")
	f.Float64Var(&opts.offset, "offset", 0, "tilt offset for the cycle")
	f.BoolVar(&opts.realtime, "realtime", false, "tick against wall time instead of a simulated clock")
	f.Float64Var(&opts.liftStep, "lift-step", 0.02, "lift slew per command")
	f.Float64Var(&opts.tiltStep, "tilt-step", 0.02, "tilt slew per command")
	f.Float64Var(&opts.skew, "skew", 0, "initial left lift misalignment")
	return cmd
}

func runSimulation(ctx context.Context, tuning control.Tuning, plan sequence.Plan, opts simulateOptions, out io.Writer) (sequence.Report, error) {
	if opts.planPath != "" {
		loaded, err := config.LoadPlan(opts.planPath)
		if err != nil {
			return sequence.Report{}, err
		}
		plan = loaded
	}

	var clock control.Clock = control.NewManualClock(time.Now())
	if opts.realtime {
		clock = control.SystemClock{}
	}
	sims := actuator.NewSimRig(actuator.SimConfig{MaxStep: opts.liftStep}, actuator.SimConfig{MaxStep: opts.tiltStep})
	sims.LeftLift.Place(opts.skew)
	rig := sims.Rig()

	var rec *trace.Recorder
	if opts.plotPath != "" {
		rec = trace.NewRecorder(clock, trace.DefaultLimit)
		rig = rec.Wrap(rig)
	}

	ctrl, err := control.New(control.Config{Rig: rig, Tuning: tuning, Clock: clock})
	if err != nil {
		return sequence.Report{}, err
	}
	runner, err := sequence.NewRunner(ctrl, plan, sequence.Options{})
	if err != nil {
		return sequence.Report{}, err
	}

	rep, runErr := runner.RunCycle(ctx, opts.offset)
	printReport(out, rep)

	if rec != nil {
		if err := trace.SavePNG(opts.plotPath, rec.Samples(), "cycle "+rep.ID.String()[:8], nil); err != nil {
			return rep, err
		}
		fmt.Fprintf(out, "trace plot written to %s (%d samples, %d dropped)\n", opts.plotPath, len(rec.Samples()), rec.Dropped())
	}
	if opts.reportPath != "" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return rep, err
		}
		if err := os.WriteFile(opts.reportPath, data, 0o644); err != nil {
			return rep, err
		}
	}
	return rep, runErr
}

func printReport(out io.Writer, rep sequence.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STAGE\tOUTCOME\tTICKS\tREACHED\tREALIGNED\tLIFT\tTILT\tELAPSED\n")
	for _, s := range rep.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%d\t%.2f\t%.2f\t%s\n",
			s.Name, s.Outcome, s.Ticks, s.Reached, s.Realigned, s.Target.Lift, s.Target.Tilt, s.Elapsed)
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "cycle %s success=%t offset=%.3f elapsed=%s\n", rep.ID, rep.Success, rep.TiltOffset, rep.Elapsed)
}
