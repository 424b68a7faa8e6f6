package logger

import (
	"sync/atomic"

	"etwpipe/internal/config"

	"github.com/phuslu/log"
	"golang.org/x/time/rate"
)

var (
	sampleRate  = rate.Limit(1)
	sampleBurst = 5
)

func configureSampling(cfg config.SamplingConfig) {
	if cfg.PerSecond > 0 {
		sampleRate = rate.Limit(cfg.PerSecond)
	}
	if cfg.Burst > 0 {
		sampleBurst = cfg.Burst
	}
}

// SampledLogger rate-limits warnings and errors logged from per-event code
// paths, where one bad provider could otherwise flood the outputs. Entries
// dropped by the limiter are counted and reported on the next entry that
// gets through.
type SampledLogger struct {
	log        log.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewSampledLoggerCtx creates a component logger limited to the configured
// sampling rate.
func NewSampledLoggerCtx(component string) *SampledLogger {
	return &SampledLogger{
		log:     NewLoggerWithContext(component),
		limiter: rate.NewLimiter(sampleRate, sampleBurst),
	}
}

// Warn returns nil when the entry is sampled out. phuslu entries are nil-safe,
// so callers chain fields unconditionally.
func (s *SampledLogger) Warn() *log.Entry { return s.sample(s.log.Warn()) }

func (s *SampledLogger) Error() *log.Entry { return s.sample(s.log.Error()) }

func (s *SampledLogger) Debug() *log.Entry { return s.sample(s.log.Debug()) }

// Suppressed is the number of entries dropped since the last one written.
func (s *SampledLogger) Suppressed() uint64 { return s.suppressed.Load() }

func (s *SampledLogger) sample(e *log.Entry) *log.Entry {
	if e == nil {
		return nil
	}
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		// The entry came from the logger's pool; Discard hands it back.
		e.Discard()
		return nil
	}
	if n := s.suppressed.Swap(0); n > 0 {
		e = e.Uint64("suppressed", n)
	}
	return e
}
