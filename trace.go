package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	plog "github.com/phuslu/log"
	"github.com/spf13/cobra"

	"etwpipe/internal/config"
	"etwpipe/internal/etw/consumer"
	"etwpipe/internal/export"
)

// sessionFlags are shared by the commands that start trace sessions.
type sessionFlags struct {
	providers   []string
	profile     string
	name        string
	watch       bool
	kernel      []string
	output      string
	format      string
	maxEvents   int
	duration    time.Duration
	record      string
	compression string
	metrics     bool
	listen      string
}

var traceFlags sessionFlags

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Trace manifest providers and write decoded events",
	Long: `Start a real-time session for the given providers and write every decoded
event to the output until interrupted, --duration elapses or --max-events
have been written.

Providers are given as NAME|GUID[:LEVEL[:KEYWORDS]], for example:
  --provider dns
  --provider Microsoft-Windows-Kernel-Process:info:0x10
  --provider {22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716}:verbose

Examples:
  # DNS queries as JSON lines
  etwpipe trace --provider dns

  # A built-in profile plus kernel thread events, recorded to a capture
  etwpipe trace --profile network --kernel thread --record net.etwp

  # The synthetic demo scenario as CSV
  etwpipe trace --synthetic --format csv`,
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)

	traceFlags.registerProviders(traceCmd)
	traceCmd.Flags().StringSliceVar(&traceFlags.kernel, "kernel", nil, "also start the kernel session with these categories")
	traceFlags.registerOutput(traceCmd, "-")
	traceFlags.registerCapture(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	cfg.Session.Enabled = true
	if err := traceFlags.apply(cfg); err != nil {
		return err
	}
	return runPipeline(cmd, cfg, &traceFlags)
}

func (f *sessionFlags) registerProviders(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.providers, "provider", "p", nil, "provider as NAME|GUID[:LEVEL[:KEYWORDS]] (repeatable)")
	cmd.Flags().StringVar(&f.profile, "profile", "", "built-in or file profile to enable")
	cmd.Flags().StringVar(&f.name, "name", "", "session name (default: random etwpipe-xxxxxxxx)")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "warn when another process stops our sessions")
}

func (f *sessionFlags) registerOutput(cmd *cobra.Command, defaultOutput string) {
	cmd.Flags().StringVarP(&f.output, "output", "o", defaultOutput, "output file, - for stdout")
	cmd.Flags().StringVarP(&f.format, "format", "f", "jsonl", "output format: jsonl, csv")
	cmd.Flags().IntVarP(&f.maxEvents, "max-events", "n", 0, "stop after this many events (0 = unlimited)")
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "stop after this long (0 = until interrupted)")
}

func (f *sessionFlags) registerCapture(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.record, "record", "", "also record the events to this capture file")
	cmd.Flags().StringVar(&f.compression, "compression", "", "capture compression: none, zstd, lz4")
	cmd.Flags().BoolVar(&f.metrics, "metrics", false, "serve Prometheus metrics")
	cmd.Flags().StringVar(&f.listen, "listen", "", "metrics listen address (implies --metrics)")
}

// apply copies the flags onto cfg.
func (f *sessionFlags) apply(cfg *config.AppConfig) error {
	for _, s := range f.providers {
		pc, err := parseProviderFlag(s)
		if err != nil {
			return err
		}
		cfg.Session.Providers = append(cfg.Session.Providers, pc)
	}
	if f.profile != "" {
		cfg.Session.Profile = f.profile
	}
	if f.name != "" {
		cfg.Session.Name = f.name
	}
	if f.watch {
		cfg.Session.Watch = true
	}
	if len(f.kernel) > 0 {
		cfg.Kernel.Enabled = true
		cfg.Kernel.Categories = f.kernel
	}
	if f.record != "" {
		cfg.Capture.Enabled = true
		cfg.Capture.Path = f.record
	}
	if f.compression != "" {
		cfg.Capture.Compression = f.compression
	}
	if f.metrics {
		cfg.Server.Enabled = true
	}
	if f.listen != "" {
		cfg.Server.Enabled = true
		cfg.Server.ListenAddress = f.listen
	}
	return nil
}

func (f *sessionFlags) consumerOptions() []consumer.Option {
	var opts []consumer.Option
	if f.maxEvents > 0 {
		opts = append(opts, consumer.WithMaxEvents(f.maxEvents))
	}
	if f.duration > 0 {
		opts = append(opts, consumer.WithTimeout(f.duration))
	}
	return opts
}

// parseProviderFlag parses NAME|GUID[:LEVEL[:KEYWORDS]].
func parseProviderFlag(s string) (config.ProviderConfig, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 || parts[0] == "" {
		return config.ProviderConfig{}, fmt.Errorf("invalid provider %q, want NAME|GUID[:LEVEL[:KEYWORDS]]", s)
	}

	var pc config.ProviderConfig
	if id := strings.Trim(parts[0], "{}"); looksLikeGUID(id) {
		pc.GUID = id
	} else {
		pc.Name = parts[0]
	}
	if len(parts) > 1 {
		pc.Level = parts[1]
	}
	if len(parts) > 2 {
		pc.KeywordsAny = parts[2]
	}
	if _, err := pc.Provider(); err != nil {
		return config.ProviderConfig{}, fmt.Errorf("provider %q: %w", s, err)
	}
	return pc, nil
}

func looksLikeGUID(s string) bool {
	return len(s) == 36 && strings.Count(s, "-") == 4
}

// runPipeline builds the pipeline from cfg, runs it to completion and
// reports the outcome.
func runPipeline(cmd *cobra.Command, cfg *config.AppConfig, f *sessionFlags) error {
	p, err := NewPipeline(cfg)
	if err != nil {
		return err
	}

	sink, closeSink, err := openSink(cmd.OutOrStdout(), f.output, f.format)
	if err != nil {
		return err
	}

	n, runErr := p.Run(cmd.Context(), sink, f.consumerOptions()...)
	closeErr := closeSink()

	var lost uint64
	for _, st := range p.Manager().Stats() {
		lost += st.EventsLost
	}
	plog.Info().Int("events", n).Uint64("lost", lost).Msg("Trace finished")
	return errors.Join(runErr, closeErr)
}

// openSink returns a writer for path in the given format. An empty path
// discards events and "-" writes to stdout.
func openSink(stdout io.Writer, path, format string) (export.Writer, func() error, error) {
	noop := func() error { return nil }
	if path == "" {
		return nil, noop, nil
	}

	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, noop, err
	}
	if path == "-" {
		w, err := export.NewWriter(f, stdout)
		if err != nil {
			return nil, noop, err
		}
		return w, w.Close, nil
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create output file: %w", err)
	}
	w, err := export.NewWriter(f, file)
	if err != nil {
		file.Close()
		return nil, noop, err
	}
	return w, func() error { return errors.Join(w.Close(), file.Close()) }, nil
}
