package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	plog "github.com/phuslu/log"
	"github.com/spf13/cobra"

	"etwpipe/internal/capture"
	"etwpipe/internal/etw/consumer"
	"etwpipe/internal/etw/provider"
	"etwpipe/internal/export"
)

var replayFlags struct {
	mode      string
	speed     float64
	providers []string
	eventIDs  []uint
	from      string
	to        string
	output    string
	format    string
	maxEvents int
}

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Replay a capture file",
	Long: `Read a capture written by "etwpipe record" (or --record) and write its
events to the output.

In realtime mode the recorded gaps between events are reproduced, scaled by
--speed. In accelerated mode events are written as fast as possible.

Examples:
  # Print a capture as JSON lines
  etwpipe replay kernel.etwp

  # Replay at twice the recorded speed
  etwpipe replay kernel.etwp --mode realtime --speed 2

  # Only process start events of one time window, as CSV
  etwpipe replay process.etwp --provider process --event-id 1 \
    --from 2025-01-02T15:04:05Z --to 2025-01-02T15:05:05Z --format csv`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayFlags.mode, "mode", "accelerated", "pacing: realtime, accelerated")
	replayCmd.Flags().Float64Var(&replayFlags.speed, "speed", 1, "realtime speed factor")
	replayCmd.Flags().StringArrayVarP(&replayFlags.providers, "provider", "p", nil, "only events of this provider name or GUID (repeatable)")
	replayCmd.Flags().UintSliceVar(&replayFlags.eventIDs, "event-id", nil, "only these event ids")
	replayCmd.Flags().StringVar(&replayFlags.from, "from", "", "skip events before this time (RFC3339)")
	replayCmd.Flags().StringVar(&replayFlags.to, "to", "", "skip events at or after this time (RFC3339)")
	replayCmd.Flags().StringVarP(&replayFlags.output, "output", "o", "-", "output file, - for stdout")
	replayCmd.Flags().StringVarP(&replayFlags.format, "format", "f", "jsonl", "output format: jsonl, csv")
	replayCmd.Flags().IntVarP(&replayFlags.maxEvents, "max-events", "n", 0, "stop after this many events (0 = all)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	opts, err := playerOptions()
	if err != nil {
		return err
	}

	player, err := capture.Open(args[0], opts...)
	if err != nil {
		return err
	}
	defer player.Close()

	hdr := player.Header()
	plog.Info().Str("file", args[0]).Uint32("version", hdr.Version).
		Str("compression", hdr.Compression.String()).Uint64("events", hdr.EventCount).
		Dur("duration", time.Duration(hdr.DurationTicks*100)).Msg("Replaying capture")

	output := replayFlags.output
	if output == "" {
		output = "-"
	}
	sink, closeSink, err := openSink(cmd.OutOrStdout(), output, replayFlags.format)
	if err != nil {
		return err
	}

	var copts []consumer.Option
	if replayFlags.maxEvents > 0 {
		copts = append(copts, consumer.WithMaxEvents(replayFlags.maxEvents))
	}
	n, err := drain(cmd.Context(), player, sink, copts...)
	err = errors.Join(err, closeSink())

	plog.Info().Int("events", n).Uint64("frames_read", player.Read()).Msg("Replay finished")
	return err
}

// drain copies src into sink until src ends, a limit is reached or ctx is
// done. Cancellation is not an error.
func drain(ctx context.Context, src consumer.Source, sink export.Writer, opts ...consumer.Option) (int, error) {
	it := consumer.NewIterator(ctx, src, opts...)
	n, err := export.Copy(sink, it.All())
	if err != nil {
		return n, err
	}
	if err := it.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return n, err
	}
	return n, nil
}

// playerOptions translates the replay flags.
func playerOptions() ([]capture.PlayerOption, error) {
	mode, err := parseReplayMode(replayFlags.mode)
	if err != nil {
		return nil, err
	}
	opts := []capture.PlayerOption{capture.WithMode(mode), capture.WithSpeed(replayFlags.speed)}

	for _, s := range replayFlags.providers {
		pc, err := provider.Parse(s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, capture.WithProviders(pc.GUID))
	}
	if len(replayFlags.eventIDs) > 0 {
		ids := make([]uint16, 0, len(replayFlags.eventIDs))
		for _, id := range replayFlags.eventIDs {
			if id > 0xFFFF {
				return nil, fmt.Errorf("--event-id %d out of range", id)
			}
			ids = append(ids, uint16(id))
		}
		opts = append(opts, capture.WithEventIDs(ids...))
	}

	from, err := parseTimeFlag("--from", replayFlags.from)
	if err != nil {
		return nil, err
	}
	to, err := parseTimeFlag("--to", replayFlags.to)
	if err != nil {
		return nil, err
	}
	if !from.IsZero() || !to.IsZero() {
		opts = append(opts, capture.WithTimeWindow(from, to))
	}
	return opts, nil
}

func parseReplayMode(s string) (capture.Mode, error) {
	switch strings.ToLower(s) {
	case "realtime", "real-time":
		return capture.RealTime, nil
	case "accelerated", "fast", "asap":
		return capture.Accelerated, nil
	}
	return 0, fmt.Errorf("invalid replay mode %q (valid: realtime, accelerated)", s)
}

func parseTimeFlag(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}
