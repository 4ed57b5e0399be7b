package main

import (
	"fmt"
	"os"

	"github.com/danmuck/excavctl/internal/excavation"
	"github.com/danmuck/excavctl/internal/logging"
	"github.com/danmuck/excavctl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "excavctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "excavctl",
		Short:         "Autonomous excavation cycle controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			if logLevel != "" {
				lvl, ok := logging.ParseLevel(logLevel)
				if !ok {
					return fmt.Errorf("unknown log level %q", logLevel)
				}
				zerolog.SetGlobalLevel(lvl)
			}
			observability.InitLogger("excavctl")
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override "+logging.EnvLogLevel)
	root.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newSimBusCmd(),
		newPlanCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the excavation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServiceConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := excavation.NewServiceWithConfig(cfg)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "service config (TOML); defaults apply when empty")
	return cmd
}
