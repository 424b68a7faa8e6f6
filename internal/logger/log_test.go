package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"etwpipe/internal/config"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]log.Level{
		"trace":   log.TraceLevel,
		"debug":   log.DebugLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestCreateWriterRejectsIncompleteOutputs(t *testing.T) {
	_, err := createWriter(config.LogOutput{Type: "console", Enabled: true})
	require.Error(t, err)
	_, err = createWriter(config.LogOutput{Type: "kafka", Enabled: true})
	require.Error(t, err)
	_, err = createConsoleWriter(&config.ConsoleConfig{Format: "xml"})
	require.Error(t, err)
}

func TestConfigureLoggingToFile(t *testing.T) {
	saved := log.DefaultLogger
	t.Cleanup(func() { log.DefaultLogger = saved })

	path := filepath.Join(t.TempDir(), "logs", "etwpipe.log")
	cfg := config.DefaultConfig().Logging
	cfg.Outputs = []config.LogOutput{{
		Type:    "file",
		Enabled: true,
		File:    &config.FileConfig{Filename: path, MaxSize: 1, EnsureFolder: true},
	}}
	require.NoError(t, ConfigureLogging(cfg))

	l := NewLoggerWithContext("session")
	l.Info().Str("session", "demo").Msg("started")
	if c, ok := log.DefaultLogger.Writer.(interface{ Close() error }); ok {
		require.NoError(t, c.Close())
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "etwpipe*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"session"`)
	assert.Contains(t, string(data), `"message":"started"`)
}

func TestSampledLoggerSuppressesBursts(t *testing.T) {
	saved := log.DefaultLogger
	t.Cleanup(func() { log.DefaultLogger = saved })

	var buf bytes.Buffer
	log.DefaultLogger = log.Logger{Level: log.InfoLevel, Writer: &log.IOWriter{Writer: &buf}}

	s := NewSampledLoggerCtx("decoder")
	s.limiter = rate.NewLimiter(rate.Every(1<<62), 2)

	for range 5 {
		s.Error().Str("provider", "x").Msg("decode failed")
	}
	assert.Equal(t, 2, strings.Count(buf.String(), "decode failed"))
	assert.Equal(t, uint64(3), s.Suppressed())

	// Below the logger level nothing is counted.
	s.Debug().Msg("quiet")
	assert.Equal(t, uint64(3), s.Suppressed())
}
