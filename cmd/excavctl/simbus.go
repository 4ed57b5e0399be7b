package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/excavctl/internal/actuator"
	"github.com/danmuck/excavctl/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type simBusOptions struct {
	listen       string
	healthListen string
	healthPeriod time.Duration
	liftStep     float64
	tiltStep     float64
}

func newSimBusCmd() *cobra.Command {
	var opts simBusOptions
	cmd := &cobra.Command{
		Use:   "sim-bus",
		Short: "Serve a simulated actuator bus and health feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimBus(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "127.0.0.1:7400", "actuator bus listen address")
	f.StringVar(&opts.healthListen, "health-listen", "", "health feed listen address; empty disables it")
	f.DurationVar(&opts.healthPeriod, "health-period", 100*time.Millisecond, "health sample period")
	f.Float64Var(&opts.liftStep, "lift-step", 0.02, "lift slew per command")
	f.Float64Var(&opts.tiltStep, "tilt-step", 0.02, "tilt slew per command")
	return cmd
}

// runSimBus serves the simulated rig by the default device ids. The health
// feed reports the simulated tilt position.
func runSimBus(ctx context.Context, opts simBusOptions) error {
	sims := actuator.NewSimRig(
		actuator.SimConfig{MaxStep: opts.liftStep, HistoryLimit: 1024},
		actuator.SimConfig{MaxStep: opts.tiltStep, HistoryLimit: 1024},
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return actuator.ListenAndServeBus(gctx, opts.listen, sims.Devices(actuator.DefaultDeviceIDs()))
	})
	if opts.healthListen != "" {
		ln, err := net.Listen("tcp", opts.healthListen)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return telemetry.ServePublisher(gctx, ln, opts.healthPeriod, func() float64 {
				pos, _ := sims.Tilt.Position(gctx)
				return pos
			})
		})
	}
	return g.Wait()
}
