package main

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	plog "github.com/phuslu/log"
	"github.com/spf13/cobra"

	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/tracing"
)

var providersFlags struct {
	knownOnly bool
}

var providersCmd = &cobra.Command{
	Use:   "providers [filter]",
	Short: "List trace providers",
	Long: `List the providers registered on the system, optionally filtered by a
case-insensitive substring of the name or GUID.

Where the system list is unavailable (other platforms, or --known) the
built-in table of well-known providers is shown instead.

Examples:
  etwpipe providers
  etwpipe providers kernel
  etwpipe providers --known`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)

	providersCmd.Flags().BoolVar(&providersFlags.knownOnly, "known", false, "only list the built-in well-known providers")
}

func runProviders(cmd *cobra.Command, args []string) error {
	var filter string
	if len(args) > 0 {
		filter = args[0]
	}

	var list []tracing.ProviderInfo
	if providersFlags.knownOnly {
		list = knownProviders()
	} else {
		tracer, _, err := openBackend(appConfig)
		if err != nil {
			return err
		}
		list, err = listProviders(tracer)
		if err != nil {
			return err
		}
	}

	matched := filterProviders(list, filter)
	writeProviders(cmd.OutOrStdout(), matched)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d providers\n", len(matched), len(list))
	return nil
}

// listProviders enumerates the tracer's providers, falling back to the
// well-known table where enumeration is not supported.
func listProviders(tracer tracing.Tracer) ([]tracing.ProviderInfo, error) {
	list, err := tracer.EnumerateProviders()
	if errors.Is(err, tracing.ErrUnsupported) {
		plog.Warn().Msg("Provider enumeration is not supported here, listing well-known providers")
		return knownProviders(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate providers: %w", err)
	}
	return list, nil
}

func knownProviders() []tracing.ProviderInfo {
	out := make([]tracing.ProviderInfo, 0, len(provider.KnownProviders))
	for _, k := range provider.KnownProviders {
		out = append(out, tracing.ProviderInfo{GUID: k.GUID, Name: k.Name})
	}
	return out
}

// filterProviders keeps the entries whose name or GUID contains filter,
// ignoring case, sorted by name.
func filterProviders(list []tracing.ProviderInfo, filter string) []tracing.ProviderInfo {
	filter = strings.ToLower(strings.Trim(strings.TrimSpace(filter), "{}"))
	out := slices.DeleteFunc(slices.Clone(list), func(p tracing.ProviderInfo) bool {
		return filter != "" &&
			!strings.Contains(strings.ToLower(p.Name), filter) &&
			!strings.Contains(p.GUID.String(), filter)
	})
	slices.SortFunc(out, func(a, b tracing.ProviderInfo) int {
		return cmp.Or(
			cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)),
			cmp.Compare(a.GUID.String(), b.GUID.String()),
		)
	})
	return out
}

func writeProviders(w io.Writer, list []tracing.ProviderInfo) {
	fmt.Fprintf(w, "%-38s  %s\n", "GUID", "NAME")
	for _, p := range list {
		name := p.Name
		if known, ok := provider.Lookup(p.GUID.String()); ok {
			name = fmt.Sprintf("%s (%s: %s)", cmp.Or(name, known.Name), known.Alias, known.Description)
		}
		fmt.Fprintf(w, "{%s}  %s\n", p.GUID, name)
	}
}
