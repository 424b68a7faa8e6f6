//go:build !windows

package goetw

import (
	"etwpipe/internal/etw/tracing"

	plog "github.com/phuslu/log"
)

// Tracer is unavailable off Windows; every call reports tracing.ErrUnsupported.
type Tracer struct{}

func New() *Tracer { return &Tracer{} }

func (*Tracer) StartTrace(tracing.TraceSpec) (tracing.Trace, error) {
	return nil, tracing.ErrUnsupported
}

func (*Tracer) StopTrace(string) error { return tracing.ErrUnsupported }

func (*Tracer) EnumerateProviders() ([]tracing.ProviderInfo, error) {
	return nil, tracing.ErrUnsupported
}

func ConfigureLibLogging(string, plog.Writer) {}

func Elevated() bool { return false }
