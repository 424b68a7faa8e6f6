package main

import (
	"github.com/spf13/cobra"
)

var recordFlags sessionFlags

var recordCmd = &cobra.Command{
	Use:   "record <file>",
	Short: "Record decoded events into a capture file",
	Long: `Trace the given providers and record every decoded event into a compressed
capture file. Nothing is printed unless --output is set.

The capture can be replayed later with "etwpipe replay", on any platform.

Examples:
  # Record the process profile until interrupted
  etwpipe record process.etwp --profile process

  # Record 10000 DNS events with lz4 frames
  etwpipe record dns.etwp --provider dns --max-events 10000 --compression lz4`,
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordFlags.registerProviders(recordCmd)
	recordCmd.Flags().StringSliceVar(&recordFlags.kernel, "kernel", nil, "also start the kernel session with these categories")
	recordFlags.registerOutput(recordCmd, "")
	recordCmd.Flags().StringVar(&recordFlags.compression, "compression", "", "frame compression: none, zstd, lz4")
	recordCmd.Flags().BoolVar(&recordFlags.metrics, "metrics", false, "serve Prometheus metrics")
	recordCmd.Flags().StringVar(&recordFlags.listen, "listen", "", "metrics listen address (implies --metrics)")
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	cfg.Session.Enabled = true
	recordFlags.record = args[0]
	if err := recordFlags.apply(cfg); err != nil {
		return err
	}
	return runPipeline(cmd, cfg, &recordFlags)
}
