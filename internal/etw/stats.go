package etwmain

import (
	"time"

	"etwpipe/internal/etw/schema"
)

// SessionStats is a point-in-time view of a session's counters. Received
// and Lost together account for every record the backend delivered.
type SessionStats struct {
	Name  string
	Kind  Kind
	State State

	// EventsReceived counts events accepted by the delivery channel.
	EventsReceived uint64
	// EventsLost counts events dropped because the channel was full.
	EventsLost uint64
	// BuffersProcessed counts OS buffers consumed by the trace.
	BuffersProcessed uint64

	// SchemaMisses counts events delivered schema-less.
	SchemaMisses uint64
	// DecodeErrors counts properties replaced by an undecodable marker.
	DecodeErrors uint64
	// TapErrors counts failed tap calls (e.g. a recorder write error).
	TapErrors uint64

	ChannelLen int
	ChannelCap int

	// Cache counts hits and misses of the session's schema cache, which may
	// be shared with other sessions.
	Cache schema.CacheStats

	StartTime time.Time
	Duration  time.Duration
}

// EventsPerSecond is the delivery rate over the session's lifetime.
func (s SessionStats) EventsPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.EventsReceived) / s.Duration.Seconds()
}

// HasLoss reports whether any event was dropped.
func (s SessionStats) HasLoss() bool { return s.EventsLost > 0 }

// LossPercent is lost/(received+lost) as a percentage.
func (s SessionStats) LossPercent() float64 {
	total := s.EventsReceived + s.EventsLost
	if total == 0 {
		return 0
	}
	return float64(s.EventsLost) / float64(total) * 100
}

// Total is the number of records handed to the session by the backend.
func (s SessionStats) Total() uint64 { return s.EventsReceived + s.EventsLost }
