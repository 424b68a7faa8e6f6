package main

import (
	"errors"
	"fmt"
	"time"

	plog "github.com/phuslu/log"
	"github.com/spf13/cobra"

	"etwpipe/internal/capture"
	"etwpipe/internal/config"
	"etwpipe/internal/etw/backend/memtrace"
	"etwpipe/internal/etw/consumer"
	"etwpipe/internal/etw/provider"
	"etwpipe/internal/maps"

	etwmain "etwpipe/internal/etw"

	"github.com/google/uuid"
)

var readFlags struct {
	providers   []string
	output      string
	format      string
	maxEvents   int
	record      string
	compression string
}

var readCmd = &cobra.Command{
	Use:   "read <file.etl>",
	Short: "Decode the events of an .etl trace file",
	Long: `Read a trace file written by an ETW logger (xperf, wpr, logman or an
autologger) and write every decoded event to the output. Events go through
the same schema lookup and decoder as a live session.

With --provider only the matching events are kept; the level and keyword
parts of the provider filter the file the way the OS filters a session.

Examples:
  # Print a WPR capture as JSON lines
  etwpipe read C:\traces\boot.etl

  # DNS queries only, as CSV
  etwpipe read net.etl --provider dns --format csv

  # Convert to a capture file that replays on any platform
  etwpipe read net.etl --record net.etwp --output ""`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)

	readCmd.Flags().StringArrayVarP(&readFlags.providers, "provider", "p", nil, "only events of this provider as NAME|GUID[:LEVEL[:KEYWORDS]] (repeatable)")
	readCmd.Flags().StringVarP(&readFlags.output, "output", "o", "-", "output file, - for stdout")
	readCmd.Flags().StringVarP(&readFlags.format, "format", "f", "jsonl", "output format: jsonl, csv")
	readCmd.Flags().IntVarP(&readFlags.maxEvents, "max-events", "n", 0, "stop after this many events (0 = all)")
	readCmd.Flags().StringVar(&readFlags.record, "record", "", "also record the events to this capture file")
	readCmd.Flags().StringVar(&readFlags.compression, "compression", "", "capture compression: none, zstd, lz4")
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	path := args[0]

	m, rec, err := newFileReader(cfg, path)
	if err != nil {
		return err
	}
	if rec != nil {
		if err := rec.Start(); err != nil {
			return fmt.Errorf("failed to start recorder: %w", err)
		}
	}
	if err := m.Start(); err != nil {
		if rec != nil {
			_ = rec.Stop()
		}
		return err
	}

	sink, closeSink, err := openSink(cmd.OutOrStdout(), readFlags.output, readFlags.format)
	if err != nil {
		_ = m.Close()
		return err
	}

	var copts []consumer.Option
	if readFlags.maxEvents > 0 {
		copts = append(copts, consumer.WithMaxEvents(readFlags.maxEvents))
	}
	n, err := drain(cmd.Context(), m, sink, copts...)
	err = errors.Join(err, m.Close(), closeSink())
	if rec != nil {
		err = errors.Join(err, rec.Stop())
	}

	for _, st := range m.Stats() {
		plog.Info().Str("file", path).Int("events", n).Uint64("received", st.EventsReceived).
			Uint64("lost", st.EventsLost).Uint64("buffers", st.BuffersProcessed).
			Uint64("schema_misses", st.SchemaMisses).Msg("Read finished")
	}
	return err
}

// newFileReader builds a manager holding one file session for path, plus
// the recorder when --record is set. With the synthetic backend the
// scenario stands in for the file contents.
func newFileReader(cfg *config.AppConfig, path string) (*etwmain.Manager, *capture.Recorder, error) {
	tracer, sc, err := openBackend(cfg)
	if err != nil {
		return nil, nil, err
	}
	if sc != nil {
		if err := sc.InstallFile(tracer.(*memtrace.Tracer), path, time.Now()); err != nil {
			return nil, nil, err
		}
	}

	kind, err := maps.ParseKind(cfg.SchemaCache.Implementation)
	if err != nil {
		return nil, nil, err
	}
	opts := []etwmain.Option{
		etwmain.WithCacheKind(kind),
		etwmain.WithChannelCapacity(cfg.Session.ChannelCapacity),
	}

	var (
		providers []provider.Config
		ids       []uuid.UUID
	)
	for _, raw := range readFlags.providers {
		pc, err := parseProviderFlag(raw)
		if err != nil {
			return nil, nil, err
		}
		p, err := pc.Provider()
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
		ids = append(ids, p.GUID)
	}

	var rec *capture.Recorder
	if readFlags.record != "" {
		compression := cfg.Capture.Compression
		if readFlags.compression != "" {
			compression = readFlags.compression
		}
		c, err := capture.ParseCompression(compression)
		if err != nil {
			return nil, nil, err
		}
		rec, err = capture.Create(readFlags.record, ids, capture.WithCompression(c))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, etwmain.WithTap(rec.Observe))
	}

	s := etwmain.NewFileSession(path, tracer, opts...)
	for _, p := range providers {
		if err := s.AddProvider(p); err != nil {
			return nil, nil, err
		}
	}

	m := etwmain.NewManager()
	if err := m.Add(s); err != nil {
		return nil, nil, err
	}
	return m, rec, nil
}
