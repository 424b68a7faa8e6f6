package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"etwpipe/internal/etw/provider"

	"github.com/BurntSushi/toml"
)

// AppConfig represents the complete application configuration.
// Command-line flags override individual fields after the file is loaded.
type AppConfig struct {
	// Metrics HTTP server
	Server ServerConfig `toml:"server"`

	// User (manifest provider) session
	Session SessionConfig `toml:"session"`

	// NT Kernel Logger session
	Kernel KernelConfig `toml:"kernel"`

	// In-memory backend used when session.backend = "synthetic"
	Synthetic SyntheticConfig `toml:"synthetic"`

	// Recording of the decoded event stream
	Capture CaptureConfig `toml:"capture"`

	// Schema metadata cache
	SchemaCache SchemaCacheConfig `toml:"schema_cache"`

	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Serve Prometheus metrics (default: false)
	Enabled bool `toml:"enabled"`

	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// SessionConfig configures the user session.
type SessionConfig struct {
	// Start the user session (default: true)
	Enabled bool `toml:"enabled"`

	// Session name; a random "etwpipe-xxxxxxxx" name is used when empty
	Name string `toml:"name"`

	// Tracing backend: "etw" (Windows) or "synthetic" (default: "etw")
	Backend string `toml:"backend"`

	// Profile whose providers are enabled in addition to Providers
	Profile string `toml:"profile"`

	// YAML file with extra profiles (optional)
	ProfilesFile string `toml:"profiles_file"`

	// Providers to enable
	Providers []ProviderConfig `toml:"providers"`

	// Delivery channel capacity in events (default: 10000)
	ChannelCapacity int `toml:"channel_capacity"`

	// ETW buffer size in KB (default: 64)
	BufferSizeKB uint32 `toml:"buffer_size_kb"`

	// Minimum and maximum number of ETW buffers (default: 64 / 128)
	MinBuffers uint32 `toml:"min_buffers"`
	MaxBuffers uint32 `toml:"max_buffers"`

	// Buffer flush interval in milliseconds (default: 1000)
	FlushIntervalMs uint32 `toml:"flush_interval_ms"`

	// Stop a leftover session with the same name before starting (default: true)
	StopIfExists bool `toml:"stop_if_exists"`

	// Log a warning when another process stops one of our sessions (default: false)
	Watch bool `toml:"watch"`
}

// ProviderConfig is one provider entry. The same shape is used by profile files.
type ProviderConfig struct {
	// Known provider name or alias (e.g. "Microsoft-Windows-Kernel-Process", "dns")
	Name string `toml:"name" yaml:"name"`

	// Provider GUID; required when Name is not a known provider
	GUID string `toml:"guid" yaml:"guid,omitempty"`

	// Trace level name or number (default: "verbose")
	Level string `toml:"level" yaml:"level,omitempty"`

	// Keyword masks as decimal or 0x-prefixed hex strings
	KeywordsAny string `toml:"keywords_any" yaml:"keywords_any,omitempty"`
	KeywordsAll string `toml:"keywords_all" yaml:"keywords_all,omitempty"`

	// Only deliver these event ids (empty = all)
	EventIDs []uint16 `toml:"event_ids" yaml:"event_ids,omitempty"`

	// Capture call stacks
	StackTrace bool `toml:"stack_trace" yaml:"stack_trace,omitempty"`
}

// KernelConfig configures the NT Kernel Logger session.
type KernelConfig struct {
	// Start the kernel session (default: false)
	Enabled bool `toml:"enabled"`

	// Session name (default: "NT Kernel Logger")
	Name string `toml:"name"`

	// Categories: process, thread, image_load, disk_io, file_io, network, registry, ...
	// (default: ["process", "thread", "image_load"])
	Categories []string `toml:"categories"`

	// Delivery channel capacity in events (default: 10000)
	ChannelCapacity int `toml:"channel_capacity"`
}

// SyntheticConfig drives the in-memory backend.
type SyntheticConfig struct {
	// YAML scenario with schemas and records (optional, a built-in demo is used when empty)
	ScenarioFile string `toml:"scenario_file"`

	// Delay between synthesized records in milliseconds (default: 10)
	IntervalMs uint32 `toml:"interval_ms"`

	// Number of times the scenario is replayed, 0 = until stopped (default: 1)
	Repeat int `toml:"repeat"`
}

// CaptureConfig contains recording settings.
type CaptureConfig struct {
	// Record every decoded event (default: false)
	Enabled bool `toml:"enabled"`

	// Output container path (default: "capture.etwp")
	Path string `toml:"path"`

	// Frame compression: "none", "zstd" or "lz4" (default: "zstd")
	Compression string `toml:"compression"`
}

// SchemaCacheConfig contains schema cache settings.
type SchemaCacheConfig struct {
	// Map implementation: "xsync", "sharded", "cornelk", "sync" (default: "xsync")
	Implementation string `toml:"implementation"`

	// Share one cache between the user and kernel sessions (default: true)
	Shared bool `toml:"shared"`
}

// SamplingConfig limits how often per-event warnings are logged.
type SamplingConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Enabled:       false,
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Session: SessionConfig{
			Enabled:         true,
			Backend:         "etw",
			ChannelCapacity: 10000,
			BufferSizeKB:    64,
			MinBuffers:      64,
			MaxBuffers:      128,
			FlushIntervalMs: 1000,
			StopIfExists:    true,
		},
		Kernel: KernelConfig{
			Enabled:         false,
			Name:            "NT Kernel Logger",
			Categories:      []string{"process", "thread", "image_load"},
			ChannelCapacity: 10000,
		},
		Synthetic: SyntheticConfig{
			IntervalMs: 10,
			Repeat:     1,
		},
		Capture: CaptureConfig{
			Enabled:     false,
			Path:        "capture.etwp",
			Compression: "zstd",
		},
		SchemaCache: SchemaCacheConfig{
			Implementation: "xsync",
			Shared:         true,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Sampling: SamplingConfig{PerSecond: 1, Burst: 5},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/etwpipe.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network: "udp",
						Address: "localhost:514",
						Tag:     "etwpipe",
						Marker:  "@cee:",
						Async:   true,
					},
				},
			},
			LibLevel: "warn",
		},
	}
}

// LoadConfig loads configuration from a TOML file on top of the defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	md, err := toml.DecodeFile(configPath, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in config file %s: %v", configPath, undecoded)
	}
	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	return nil
}

// GenerateExampleConfig writes the default configuration with a header.
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# etwpipe example configuration
# Generated from the built-in defaults. Copy it and adjust as needed.
#
# Providers are added as [[session.providers]] tables, for example:
#
# [[session.providers]]
# name = "Microsoft-Windows-Kernel-Process"
# level = "info"
# keywords_any = "0x10"

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.Enabled {
		if c.Server.ListenAddress == "" {
			return fmt.Errorf("server.listen_address cannot be empty")
		}
		if c.Server.MetricsPath == "" {
			return fmt.Errorf("server.metrics_path cannot be empty")
		}
	}

	if !c.Session.Enabled && !c.Kernel.Enabled {
		return fmt.Errorf("at least one of [session] or [kernel] must be enabled")
	}

	if c.Session.Enabled {
		switch c.Session.Backend {
		case "etw", "synthetic":
		default:
			return fmt.Errorf("session.backend must be \"etw\" or \"synthetic\", got %q", c.Session.Backend)
		}
		if c.Session.ChannelCapacity <= 0 {
			return fmt.Errorf("session.channel_capacity must be positive")
		}
		if c.Session.MinBuffers > c.Session.MaxBuffers {
			return fmt.Errorf("session.min_buffers (%d) exceeds session.max_buffers (%d)", c.Session.MinBuffers, c.Session.MaxBuffers)
		}
		for i, p := range c.Session.Providers {
			if _, err := p.Provider(); err != nil {
				return fmt.Errorf("session.providers[%d]: %w", i, err)
			}
		}
	}

	if c.Kernel.Enabled {
		if c.Kernel.ChannelCapacity <= 0 {
			return fmt.Errorf("kernel.channel_capacity must be positive")
		}
		cats, err := provider.ParseKernelCategories(c.Kernel.Categories)
		if err != nil {
			return fmt.Errorf("kernel.categories: %w", err)
		}
		if cats == 0 {
			return fmt.Errorf("kernel.categories cannot be empty")
		}
	}

	if c.Capture.Enabled && c.Capture.Path == "" {
		return fmt.Errorf("capture.path cannot be empty")
	}
	switch c.Capture.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("capture.compression must be none, zstd or lz4, got %q", c.Capture.Compression)
	}

	switch c.SchemaCache.Implementation {
	case "", "xsync", "sharded", "cornelk", "sync":
	default:
		return fmt.Errorf("schema_cache.implementation %q is not supported", c.SchemaCache.Implementation)
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}
	return nil
}

// Provider converts the entry into a provider.Config.
func (p ProviderConfig) Provider() (provider.Config, error) {
	var opts []provider.Option
	if p.Level != "" {
		lvl, err := provider.ParseLevel(p.Level)
		if err != nil {
			return provider.Config{}, err
		}
		opts = append(opts, provider.WithLevel(lvl))
	}
	if p.KeywordsAny != "" {
		mask, err := parseMask(p.KeywordsAny)
		if err != nil {
			return provider.Config{}, fmt.Errorf("keywords_any: %w", err)
		}
		opts = append(opts, provider.WithKeywordsAny(mask))
	}
	if p.KeywordsAll != "" {
		mask, err := parseMask(p.KeywordsAll)
		if err != nil {
			return provider.Config{}, fmt.Errorf("keywords_all: %w", err)
		}
		opts = append(opts, provider.WithKeywordsAll(mask))
	}
	if len(p.EventIDs) > 0 {
		opts = append(opts, provider.WithEventIDs(p.EventIDs...))
	}
	if p.StackTrace {
		opts = append(opts, provider.WithStackTrace())
	}

	switch {
	case p.GUID != "":
		cfg, err := provider.Parse(p.GUID, opts...)
		if err != nil {
			return provider.Config{}, err
		}
		if p.Name != "" {
			cfg.Name = p.Name
		}
		return cfg, nil
	case p.Name != "":
		return provider.Parse(p.Name, opts...)
	}
	return provider.Config{}, fmt.Errorf("provider needs a name or a guid")
}

// parseMask accepts decimal or 0x-prefixed hexadecimal 64-bit masks.
func parseMask(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`

	// Rate limit for warnings logged per event (default: 1/s, burst 5)
	Sampling SamplingConfig `toml:"sampling"`

	// Log level of the Windows tracing library (default: "warn")
	LibLevel string `toml:"lib_level"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "etwpipe")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}
