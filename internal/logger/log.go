package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"etwpipe/internal/config"

	"github.com/phuslu/log"
)

// parseLogLevel converts string log level to log.Level
func parseLogLevel(levelStr string) log.Level {
	switch levelStr {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// parseTimeLocation parses a time location string. Unknown zones fall back to Local.
func parseTimeLocation(location string) *time.Location {
	switch location {
	case "Local", "":
		return time.Local
	case "UTC":
		return time.UTC
	default:
		if loc, err := time.LoadLocation(location); err == nil {
			return loc
		}
		return time.Local
	}
}

// mapTimeFormat maps the Unix and UnixMs names to log.TimeFormat constants.
func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

// GlogFormatter writes glog-style lines: "Ihh:mm:ss goid caller] message".
type GlogFormatter struct{}

// Formatter builds the log entry in glog format into a buffer, avoiding fmt.Fprintf.
func (f GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	var buf bytes.Buffer
	// Level (e.g., 'I' for info)
	if len(a.Level) > 0 {
		buf.WriteByte(a.Level[0] - 32)
	} else {
		buf.WriteByte('?')
	}
	// Time, Goid, Caller
	buf.WriteString(a.Time)
	buf.WriteByte(' ')
	buf.WriteString(a.Goid)
	buf.WriteByte(' ')
	buf.WriteString(a.Caller)
	buf.WriteString("] ")
	// Message
	buf.WriteString(a.Message)
	buf.WriteByte('\n')
	return w.Write(buf.Bytes())
}

// withAsync wraps w in an AsyncWriter when async is set.
func withAsync(w log.Writer, async bool) log.Writer {
	if !async {
		return w
	}
	return &log.AsyncWriter{ChannelSize: 4096, Writer: w}
}

// createConsoleWriter creates a console writer based on configuration
func createConsoleWriter(cfg *config.ConsoleConfig) (log.Writer, error) {
	var base io.Writer = os.Stderr
	if cfg.Writer == "stdout" {
		base = os.Stdout
	}

	if cfg.FastIO {
		// Plain JSON, no formatting
		return withAsync(&log.IOWriter{Writer: base}, cfg.Async), nil
	}

	cw := &log.ConsoleWriter{
		ColorOutput:    cfg.ColorOutput,
		QuoteString:    cfg.QuoteString,
		EndWithMessage: true,
		Writer:         base,
	}
	switch cfg.Format {
	case "logfmt":
		// Logfmt format
		cw.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	case "glog":
		// Glog format
		cw.Formatter = GlogFormatter{}.Formatter
	case "auto", "":
		// Default colorized console format
	default:
		return nil, fmt.Errorf("unknown console format %q", cfg.Format)
	}
	return withAsync(cw, cfg.Async), nil
}

// createFileWriter creates a rotating file writer based on configuration
func createFileWriter(cfg *config.FileConfig) (log.Writer, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("file output requires a filename")
	}
	// Ensure directory exists if requested
	if cfg.EnsureFolder {
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
			return nil, err
		}
	}
	fw := &log.FileWriter{
		Filename:     cfg.Filename,
		FileMode:     0644,
		MaxSize:      cfg.MaxSize * 1024 * 1024,
		MaxBackups:   cfg.MaxBackups,
		TimeFormat:   mapTimeFormat(cfg.TimeFormat),
		LocalTime:    cfg.LocalTime,
		HostName:     cfg.HostName,
		ProcessID:    cfg.ProcessID,
		EnsureFolder: cfg.EnsureFolder,
	}
	return withAsync(fw, cfg.Async), nil
}

// createSyslogWriter creates a syslog writer based on configuration
func createSyslogWriter(cfg *config.SyslogConfig) (log.Writer, error) {
	sw := &log.SyslogWriter{
		Network:  cfg.Network,
		Address:  cfg.Address,
		Hostname: cfg.Hostname,
		Tag:      cfg.Tag,
		Marker:   cfg.Marker,
	}
	return withAsync(sw, cfg.Async), nil
}

// createWriter creates a log.Writer based on the output configuration
func createWriter(output config.LogOutput) (log.Writer, error) {
	switch output.Type {
	case "console":
		if output.Console == nil {
			return nil, fmt.Errorf("console output missing console configuration")
		}
		return createConsoleWriter(output.Console)
	case "file":
		if output.File == nil {
			return nil, fmt.Errorf("file output missing file configuration")
		}
		return createFileWriter(output.File)
	case "syslog":
		if output.Syslog == nil {
			return nil, fmt.Errorf("syslog output missing syslog configuration")
		}
		return createSyslogWriter(output.Syslog)
	default:
		return nil, fmt.Errorf("unknown output type: %s", output.Type)
	}
}

// createMultiWriter fans out to every enabled output, falling back to stderr
// when none is enabled.
func createMultiWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers []log.Writer
	for _, output := range outputs {
		if !output.Enabled {
			continue
		}
		w, err := createWriter(output)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}

	switch len(writers) {
	case 0:
		// Fallback to stderr if no writers are configured
		return &log.IOWriter{Writer: os.Stderr}, nil
	case 1:
		// Single writer, no need for a wrapper
		return writers[0], nil
	}
	// Multiple writers use phuslu/log's MultiEntryWriter
	multi := log.MultiEntryWriter(writers)
	return &multi, nil
}

// ConfigureLogging replaces log.DefaultLogger according to cfg. Component
// loggers created afterwards inherit its level, time settings and writer.
func ConfigureLogging(cfg config.LoggingConfig) error {
	w, err := createMultiWriter(cfg.Outputs)
	if err != nil {
		return err
	}

	// The default logger serves the main application and is the base for
	// component loggers.
	log.DefaultLogger = log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       w,
	}
	// Hot paths share one rate limited sampler, see sampler.go.
	configureSampling(cfg.Sampling)

	log.Info().
		Str("level", cfg.Defaults.Level).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")
	return nil
}

// Writer returns the writer behind the default logger, for libraries that
// accept one.
func Writer() log.Writer { return log.DefaultLogger.Writer }

// ParseLevel exposes the level mapping for libraries configured separately.
func ParseLevel(s string) log.Level { return parseLogLevel(s) }

// NewLoggerWithContext creates a new logger by copying the global DefaultLogger
// (which carries the user configuration) and tagging every entry with the
// component name. Call it after ConfigureLogging so the copy sees the
// configured writer.
func NewLoggerWithContext(component string) log.Logger {
	// Copy the fields so the default logger is never modified.
	bl := &log.DefaultLogger
	return log.Logger{
		Level:        bl.Level,
		Caller:       0,
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}
