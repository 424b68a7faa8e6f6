package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"etwpipe/internal/profiles"
)

var profilesFlags struct {
	file string
}

var profilesCmd = &cobra.Command{
	Use:   "profiles [name]",
	Short: "List provider profiles",
	Long: `List the built-in profiles and those of a profiles file, or show the
providers and kernel categories of one profile.

A profiles file is YAML:

  profiles:
    dotnet:
      description: .NET runtime GC and exceptions
      providers:
        - name: Microsoft-Windows-DotNETRuntime
          guid: e13c0d23-ccbc-4e12-931b-d9cc2eee27e4
          level: info
          keywords_any: "0x8001"

Examples:
  etwpipe profiles
  etwpipe profiles process
  etwpipe profiles --file my-profiles.yaml dotnet`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)

	profilesCmd.Flags().StringVar(&profilesFlags.file, "file", "", "profiles file (default: session.profiles_file from config)")
}

func runProfiles(cmd *cobra.Command, args []string) error {
	path := profilesFlags.file
	if path == "" {
		path = appConfig.Session.ProfilesFile
	}
	set, err := profiles.Load(path)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		writeProfileList(cmd.OutOrStdout(), set)
		return nil
	}
	prof, err := set.Lookup(args[0])
	if err != nil {
		return err
	}
	return writeProfile(cmd.OutOrStdout(), prof)
}

func writeProfileList(w io.Writer, set *profiles.Set) {
	for _, name := range set.Names() {
		prof, _ := set.Lookup(name)
		fmt.Fprintf(w, "%-12s %s\n", name, prof.Description)
	}
}

func writeProfile(w io.Writer, prof profiles.Profile) error {
	fmt.Fprintf(w, "Profile: %s\n", prof.Name)
	if prof.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", prof.Description)
	}

	providers, err := prof.ProviderConfigs()
	if err != nil {
		return err
	}
	if len(providers) > 0 {
		fmt.Fprintf(w, "Providers:\n")
		for _, p := range providers {
			fmt.Fprintf(w, "  %s {%s}\n", p.DisplayName(), p.GUID)
			fmt.Fprintf(w, "    level: %s, keywords_any: 0x%x, keywords_all: 0x%x\n",
				p.Level, p.MatchAnyKeyword, p.MatchAllKeyword)
			if len(p.EventIDs) > 0 {
				fmt.Fprintf(w, "    event ids: %v\n", p.EventIDs)
			}
		}
	}
	if len(prof.Kernel) > 0 {
		fmt.Fprintf(w, "Kernel: %s\n", strings.Join(prof.Kernel, ", "))
	}
	return nil
}
