// Package profiles names reusable sets of providers and kernel categories.
// A few are built in; more can be loaded from a YAML file.
package profiles

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"etwpipe/internal/config"
	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/provider"

	"gopkg.in/yaml.v3"
)

// ErrProfileNotFound is returned by Lookup for unknown names.
var ErrProfileNotFound = fmt.Errorf("%w: profile not found", etwerr.ErrInvalidConfig)

// Profile is a named group of providers for a user session and categories
// for the kernel session.
type Profile struct {
	Name        string                  `yaml:"-"`
	Description string                  `yaml:"description,omitempty"`
	Providers   []config.ProviderConfig `yaml:"providers,omitempty"`
	Kernel      []string                `yaml:"kernel,omitempty"`
}

// processCorrelation is shared by most built-ins so events can be tied to
// process names.
var processCorrelation = config.ProviderConfig{
	Name:        "Microsoft-Windows-Kernel-Process",
	KeywordsAny: "0x10", // WINEVENT_KEYWORD_PROCESS
}

var builtins = []Profile{
	{
		Name:        "disk_io",
		Description: "physical disk and file I/O with process correlation",
		Providers: []config.ProviderConfig{
			processCorrelation,
			{Name: "Microsoft-Windows-Kernel-Disk"},
			{
				Name: "Microsoft-Windows-Kernel-File",
				// FILEIO | CREATE | READ | WRITE | DELETE_PATH
				KeywordsAny: "0x7A0",
				EventIDs:    []uint16{12, 14, 15, 16, 26},
			},
		},
	},
	{
		Name:        "process",
		Description: "process start/stop and image loads",
		Providers: []config.ProviderConfig{
			// PROCESS | IMAGE
			{Name: "Microsoft-Windows-Kernel-Process", KeywordsAny: "0x50"},
		},
		Kernel: []string{"process", "image_load"},
	},
	{
		Name:        "network",
		Description: "TCP/UDP traffic over IPv4 and IPv6",
		Providers: []config.ProviderConfig{
			// IPV4 | IPV6
			{Name: "Microsoft-Windows-Kernel-Network", KeywordsAny: "0x30"},
			processCorrelation,
		},
		Kernel: []string{"network"},
	},
	{
		Name:        "dns",
		Description: "DNS client queries",
		Providers: []config.ProviderConfig{
			{Name: "Microsoft-Windows-DNS-Client", Level: "info"},
		},
	},
	{
		Name:        "registry",
		Description: "registry access",
		Providers: []config.ProviderConfig{
			{Name: "Microsoft-Windows-Kernel-Registry"},
			processCorrelation,
		},
		Kernel: []string{"registry"},
	},
	{
		Name:        "threads",
		Description: "thread lifecycle and scheduling",
		Kernel:      []string{"thread", "dpc", "interrupt"},
	},
	{
		Name:        "memory",
		Description: "hard page faults with thread to process mapping",
		Providers:   []config.ProviderConfig{processCorrelation},
		Kernel:      []string{"hard_fault", "thread"},
	},
	{
		Name:        "sessions",
		Description: "ETW session start and stop notifications",
		Providers: []config.ProviderConfig{
			// ETW_KEYWORD_SESSION
			{Name: "Microsoft-Windows-Kernel-EventTracing", KeywordsAny: "0x10", EventIDs: []uint16{10, 11}},
		},
	},
}

// Set is a collection of profiles keyed by name.
type Set struct {
	profiles map[string]Profile
}

// Builtin returns a Set holding only the built-in profiles.
func Builtin() *Set {
	s := &Set{profiles: make(map[string]Profile, len(builtins))}
	for _, p := range builtins {
		s.profiles[p.Name] = p
	}
	return s
}

type file struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Parse reads profiles from YAML of the form
//
//	profiles:
//	  web:
//	    description: ...
//	    providers:
//	      - name: dns
//	    kernel: [network]
func Parse(data []byte) (*Set, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse profiles: %w", etwerr.ErrInvalidConfig, err)
	}
	s := &Set{profiles: make(map[string]Profile, len(f.Profiles))}
	for name, p := range f.Profiles {
		p.Name = name
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s.profiles[name] = p
	}
	return s, nil
}

// Load returns the built-ins overlaid with the profiles in path. An empty
// path returns only the built-ins.
func Load(path string) (*Set, error) {
	s := Builtin()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	extra, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Merge(extra)
	return s, nil
}

// Merge adds o's profiles to s, replacing any with the same name.
func (s *Set) Merge(o *Set) {
	maps.Copy(s.profiles, o.profiles)
}

// Lookup finds a profile by name, ignoring case.
func (s *Set) Lookup(name string) (Profile, error) {
	if p, ok := s.profiles[name]; ok {
		return p, nil
	}
	for n, p := range s.profiles {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
}

// Names returns all profile names, sorted.
func (s *Set) Names() []string {
	return slices.Sorted(maps.Keys(s.profiles))
}

// Validate checks that every provider entry and kernel category resolves.
func (p Profile) Validate() error {
	if len(p.Providers) == 0 && len(p.Kernel) == 0 {
		return fmt.Errorf("%w: profile %q enables nothing", etwerr.ErrInvalidConfig, p.Name)
	}
	if _, err := p.ProviderConfigs(); err != nil {
		return err
	}
	if _, err := p.Categories(); err != nil {
		return err
	}
	return nil
}

// ProviderConfigs resolves the profile's entries. Entries for the same GUID
// are merged: keyword masks and properties are OR-ed, the most verbose level
// wins, and event id filters are unioned unless either side allows all ids.
func (p Profile) ProviderConfigs() ([]provider.Config, error) {
	return Merge(p.Providers)
}

// Categories returns the kernel categories as a bitmask.
func (p Profile) Categories() (provider.KernelCategory, error) {
	cat, err := provider.ParseKernelCategories(p.Kernel)
	if err != nil {
		return 0, fmt.Errorf("%w: profile %q: %w", etwerr.ErrInvalidConfig, p.Name, err)
	}
	return cat, nil
}

// Merge resolves entries into provider configs, combining duplicates.
func Merge(entries []config.ProviderConfig) ([]provider.Config, error) {
	var out []provider.Config
	seen := make(map[string]int)
	for _, e := range entries {
		cfg, err := e.Provider()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", etwerr.ErrInvalidConfig, err)
		}
		key := cfg.GUID.String()
		i, ok := seen[key]
		if !ok {
			seen[key] = len(out)
			out = append(out, cfg)
			continue
		}
		out[i] = combine(out[i], cfg)
	}
	return out, nil
}

func combine(a, b provider.Config) provider.Config {
	a.MatchAnyKeyword |= b.MatchAnyKeyword
	a.MatchAllKeyword |= b.MatchAllKeyword
	a.EnableProperties |= b.EnableProperties
	a.Level = max(a.Level, b.Level)
	if a.Name == "" {
		a.Name = b.Name
	}
	if len(a.EventIDs) == 0 || len(b.EventIDs) == 0 {
		a.EventIDs = nil
	} else {
		ids := append(slices.Clone(a.EventIDs), b.EventIDs...)
		slices.Sort(ids)
		a.EventIDs = slices.Compact(ids)
	}
	return a
}
