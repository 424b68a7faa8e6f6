package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"etwpipe/internal/etw/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigData tests configuration data, defaults, edge cases, and validation
func TestConfigData(t *testing.T) {
	tests := []struct {
		name       string
		configTOML string
		setupFunc  func(*AppConfig)
		expectErr  string
		validate   func(*testing.T, *AppConfig)
	}{
		{
			name: "default config",
			validate: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, "localhost:9190", c.Server.ListenAddress)
				assert.Equal(t, "info", c.Logging.Defaults.Level)
				assert.Len(t, c.Logging.Outputs, 3)
				assert.Equal(t, 10000, c.Session.ChannelCapacity)
				assert.Equal(t, "NT Kernel Logger", c.Kernel.Name)
				assert.Equal(t, "zstd", c.Capture.Compression)
				assert.Equal(t, "xsync", c.SchemaCache.Implementation)
			},
		},
		{
			name: "custom logging config",
			configTOML: `
[logging.defaults]
level = "debug"

[[logging.outputs]]
type = "console"
enabled = true

[[logging.outputs]]
type = "file"
enabled = true
[logging.outputs.file]
filename = "app.log"
`,
			validate: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, "debug", c.Logging.Defaults.Level)
				require.Len(t, c.Logging.Outputs, 2)
				assert.Equal(t, "console", c.Logging.Outputs[0].Type)
				require.NotNil(t, c.Logging.Outputs[1].File)
				assert.Equal(t, "app.log", c.Logging.Outputs[1].File.Filename)
			},
		},
		{
			name: "providers and kernel",
			configTOML: `
[session]
name = "my-trace"

[[session.providers]]
name = "dns"
level = "info"
keywords_any = "0x8000000000000000"

[[session.providers]]
guid = "{22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716}"
event_ids = [1, 2]
stack_trace = true

[kernel]
enabled = true
categories = ["process", "disk-io"]
`,
			validate: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, "my-trace", c.Session.Name)
				require.Len(t, c.Session.Providers, 2)

				dns, err := c.Session.Providers[0].Provider()
				require.NoError(t, err)
				assert.Equal(t, provider.LevelInfo, dns.Level)
				assert.Equal(t, uint64(0x8000000000000000), dns.MatchAnyKeyword)

				proc, err := c.Session.Providers[1].Provider()
				require.NoError(t, err)
				assert.Equal(t, []uint16{1, 2}, proc.EventIDs)
				assert.True(t, proc.CaptureStacks())

				assert.True(t, c.Kernel.Enabled)
				assert.Equal(t, []string{"process", "disk-io"}, c.Kernel.Categories)
			},
		},
		{
			name:       "unknown key",
			configTOML: "[server]\nlisten = \":1\"\n",
			expectErr:  "unknown keys",
		},
		{
			name: "invalid empty listen address",
			setupFunc: func(c *AppConfig) {
				c.Server.Enabled = true
				c.Server.ListenAddress = ""
			},
			expectErr: "listen_address",
		},
		{
			name: "no session enabled",
			setupFunc: func(c *AppConfig) {
				c.Session.Enabled = false
				c.Kernel.Enabled = false
			},
			expectErr: "at least one of",
		},
		{
			name: "bad backend",
			setupFunc: func(c *AppConfig) {
				c.Session.Backend = "dtrace"
			},
			expectErr: "session.backend",
		},
		{
			name: "zero channel capacity",
			setupFunc: func(c *AppConfig) {
				c.Session.ChannelCapacity = 0
			},
			expectErr: "channel_capacity",
		},
		{
			name: "unknown provider",
			setupFunc: func(c *AppConfig) {
				c.Session.Providers = []ProviderConfig{{Name: "Not-A-Provider"}}
			},
			expectErr: "session.providers[0]",
		},
		{
			name: "bad keyword mask",
			setupFunc: func(c *AppConfig) {
				c.Session.Providers = []ProviderConfig{{Name: "dns", KeywordsAny: "0xZZ"}}
			},
			expectErr: "keywords_any",
		},
		{
			name: "unknown kernel category",
			setupFunc: func(c *AppConfig) {
				c.Kernel.Enabled = true
				c.Kernel.Categories = []string{"process", "gpu"}
			},
			expectErr: "kernel.categories",
		},
		{
			name: "bad compression",
			setupFunc: func(c *AppConfig) {
				c.Capture.Compression = "brotli"
			},
			expectErr: "capture.compression",
		},
		{
			name: "bad cache implementation",
			setupFunc: func(c *AppConfig) {
				c.SchemaCache.Implementation = "btree"
			},
			expectErr: "schema_cache",
		},
		{
			name: "no logging outputs",
			setupFunc: func(c *AppConfig) {
				for i := range c.Logging.Outputs {
					c.Logging.Outputs[i].Enabled = false
				}
			},
			expectErr: "logging output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				c   *AppConfig
				err error
			)
			if tt.configTOML != "" {
				path := filepath.Join(t.TempDir(), "config.toml")
				require.NoError(t, os.WriteFile(path, []byte(tt.configTOML), 0644))
				c, err = LoadConfig(path)
			} else {
				c = DefaultConfig()
			}
			if err == nil {
				if tt.setupFunc != nil {
					tt.setupFunc(c)
				}
				err = c.Validate()
			}

			if tt.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectErr)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, c)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	orig := DefaultConfig()
	orig.Session.Providers = []ProviderConfig{{Name: "powershell", Level: "warning"}}
	orig.Kernel.Enabled = true
	require.NoError(t, SaveConfig(path, orig))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, orig.Session.Providers, loaded.Session.Providers)
	assert.True(t, loaded.Kernel.Enabled)
	assert.NoError(t, loaded.Validate())
}

func TestGenerateExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.toml")
	require.NoError(t, GenerateExampleConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# etwpipe example configuration"))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NoError(t, c.Validate())
}

func TestParseMask(t *testing.T) {
	for in, want := range map[string]uint64{
		"0":                   0,
		"16":                  16,
		"0x10":                16,
		"0XFF":                255,
		" 0xffffffffffffffff": ^uint64(0),
	} {
		got, err := parseMask(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseMask("ten")
	assert.Error(t, err)
}
