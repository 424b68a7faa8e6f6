package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"etwpipe/internal/config"
	"etwpipe/internal/etw/backend/goetw"
	"etwpipe/internal/logger"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile   string
	logLevel  string
	synthetic bool
	scenario  string

	// appConfig is loaded by the root command before any subcommand runs.
	appConfig *config.AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "etwpipe",
	Short: "etwpipe - stream decoded Windows trace events",
	Long: `etwpipe starts Event Tracing for Windows sessions and turns the raw
events into decoded records with named properties.

Events can be written as JSON lines or CSV, recorded into a compressed
capture file and replayed later with the original timing. The synthetic
backend (--synthetic) runs a scripted scenario instead of the OS tracing
subsystem and works on every platform.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadAppConfig,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context, which ends any running trace gracefully.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&synthetic, "synthetic", false, "use the in-memory backend with the built-in demo scenario")
	rootCmd.PersistentFlags().StringVar(&scenario, "scenario", "", "scenario file for the synthetic backend (implies --synthetic)")
}

// loadAppConfig loads the config file, applies the global flags and
// configures logging.
func loadAppConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	applyRootFlags(cfg)

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	goetw.ConfigureLibLogging(cfg.Logging.LibLevel, logger.Writer())

	appConfig = cfg
	return nil
}

func applyRootFlags(cfg *config.AppConfig) {
	if logLevel != "" {
		cfg.Logging.Defaults.Level = logLevel
	}
	if synthetic {
		cfg.Session.Backend = "synthetic"
	}
	if scenario != "" {
		cfg.Session.Backend = "synthetic"
		cfg.Synthetic.ScenarioFile = scenario
	}
}
