package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"etwpipe/internal/etw/provider"
)

var kernelFlags sessionFlags

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Trace the NT Kernel Logger",
	Long: `Start the NT Kernel Logger session for the given categories and write every
decoded event to the output. Only one kernel session can run on a system at a
time; a leftover one is stopped first.

Categories: ` + strings.Join(provider.KernelCategoryNames(), ", ") + `

Examples:
  # Process, thread and image load events as JSON lines
  etwpipe kernel

  # Disk and file I/O for one minute into a capture
  etwpipe kernel --categories disk_io,file_io --duration 1m --record io.etwp --output ""`,
	RunE: runKernel,
}

func init() {
	rootCmd.AddCommand(kernelCmd)

	kernelCmd.Flags().StringSliceVar(&kernelFlags.kernel, "categories", nil, "kernel categories (default from config: process,thread,image_load)")
	kernelFlags.registerOutput(kernelCmd, "-")
	kernelFlags.registerCapture(kernelCmd)
}

func runKernel(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	cfg.Session.Enabled = false
	cfg.Kernel.Enabled = true
	if err := kernelFlags.apply(cfg); err != nil {
		return err
	}
	if _, err := provider.ParseKernelCategories(cfg.Kernel.Categories); err != nil {
		return fmt.Errorf("--categories: %w", err)
	}
	return runPipeline(cmd, cfg, &kernelFlags)
}
