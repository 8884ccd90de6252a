package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/cli"
	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/internal/presentation/tui"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lattice with its control server, HTTP API and clock",
	Long: `Builds the lattice described by the configuration file, seeds the graph,
spawns the declared processes and serves until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("control") {
			cfg.Control.Addr, _ = cmd.Flags().GetString("control")
		}
		if cmd.Flags().Changed("http") {
			cfg.HTTP.Addr, _ = cmd.Flags().GetString("http")
		}
		debug, _ := cmd.Flags().GetBool("debug")
		noClock, _ := cmd.Flags().GetBool("no-clock")
		return serve(cfg, debug, noClock)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("control", "", "Control server address (overrides the config, empty disables)")
	runCmd.Flags().String("http", "", "HTTP API address (overrides the config, empty disables)")
	runCmd.Flags().Bool("debug", false, "Trace every lifecycle event")
	runCmd.Flags().Bool("no-clock", false, "Do not pulse the clock targets periodically")
}

func serve(cfg *config.Config, debug, noClock bool) error {
	if debug {
		cfg.LogLevel = "debug"
	}
	if tui.IsTerminal(os.Stderr) {
		tui.PrintBanner(os.Stderr, strings.TrimSpace(lattice.Version))
	}
	logger := cli.NewLogger(cfg, os.Stderr)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	sigCtx := cli.NewSignalContext(context.Background())
	defer sigCtx.Cancel()

	l, err := cli.Build(sigCtx, cfg, cli.BuildOptions{Logger: logger, Hooks: metrics.Hooks(), Debug: debug})
	if err != nil {
		return fmt.Errorf("error initializing lattice: %w", err)
	}

	err = cli.Serve(sigCtx, l, cfg, cli.ServeOptions{
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: prometheus.DefaultGatherer,
		NoClock:  noClock,
	})
	if sig := sigCtx.Signal(); sig != nil {
		logger.Info("lattice stopped", "signal", sig.String())
	}
	return cli.HandleExecutionError(err)
}
