package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"etwpipe/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate [file]",
	Short: "Write the default configuration",
	Long: `Write the built-in defaults as a commented TOML file (default:
etwpipe.toml) that can be adjusted and passed back with --config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "etwpipe.toml"
		if len(args) > 0 {
			path = args[0]
		}
		if err := config.GenerateExampleConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration given with --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		src := cfgFile
		if src == "" {
			src = "built-in defaults"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK (%s)\n", src)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configValidateCmd)
}
