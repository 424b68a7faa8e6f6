// Package watcher reports trace sessions stopped by another process.
//
// It consumes the SessionStart and SessionStop events of the
// Microsoft-Windows-Kernel-EventTracing provider, which the OS logs for every
// trace session on the machine. A SessionStop for one of the watched session
// names whose originating process is not our own means someone ran
// "logman stop" (or similar) against us; the session's stream ends on its own
// right after, so the watcher only records who did it and what was lost.
package watcher

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"etwpipe/internal/etw/event"
	"etwpipe/internal/etw/provider"
	"etwpipe/internal/logger"
)

// Kernel-EventTracing event ids.
const (
	EventSessionStart uint16 = 10
	EventSessionStop  uint16 = 11
)

// keywordSession is the Kernel-EventTracing keyword for session lifecycle events.
const keywordSession uint64 = 0x10

// Provider returns the provider configuration that delivers the session
// lifecycle events to a user session.
func Provider() provider.Config {
	return provider.New(provider.KernelEventTracingGUID,
		provider.WithName("Microsoft-Windows-Kernel-EventTracing"),
		provider.WithLevel(provider.LevelInfo),
		provider.WithKeywordsAny(keywordSession),
		provider.WithEventIDs(EventSessionStart, EventSessionStop),
	)
}

// Stop describes an external stop of a watched session.
type Stop struct {
	Session     string
	PID         uint32
	EventsLost  uint64
	BuffersLost uint64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithOwnPID overrides the process id treated as our own.
func WithOwnPID(pid uint32) Option { return func(w *Watcher) { w.ownPID = pid } }

// WithOnStop registers a callback run for every external stop.
func WithOnStop(fn func(Stop)) Option { return func(w *Watcher) { w.onStop = fn } }

// Watcher matches session lifecycle events against a set of session names.
type Watcher struct {
	ownPID uint32
	onStop func(Stop)
	log    *logger.SampledLogger

	mu    sync.Mutex
	names map[string]struct{}
	stops []Stop

	started atomic.Uint64
}

// New creates a watcher for the given session names. Names compare case
// insensitively, as the OS does.
func New(sessions []string, opts ...Option) *Watcher {
	w := &Watcher{
		ownPID: uint32(os.Getpid()),
		log:    logger.NewSampledLoggerCtx("session_watcher"),
		names:  make(map[string]struct{}, len(sessions)),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, s := range sessions {
		w.Watch(s)
	}
	return w
}

// Watch adds a session name.
func (w *Watcher) Watch(session string) {
	w.mu.Lock()
	w.names[strings.ToLower(session)] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) watched(session string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.names[strings.ToLower(session)]
	return ok
}

// Observe inspects one event. It has the signature of a session tap and
// never fails; unrelated events are ignored.
func (w *Watcher) Observe(ev *event.Event) error {
	if ev.ProviderID != provider.KernelEventTracingGUID || ev.SchemaLess {
		return nil
	}
	switch ev.EventID {
	case EventSessionStart:
		if name := propString(ev, "SessionName"); w.watched(name) {
			w.started.Add(1)
			w.log.Debug().Str("session", name).Uint32("pid", ev.ProcessID).Msg("Watched session started")
		}
	case EventSessionStop:
		w.handleStop(ev)
	}
	return nil
}

func (w *Watcher) handleStop(ev *event.Event) {
	name := propString(ev, "SessionName")
	if !w.watched(name) {
		return
	}
	if ev.ProcessID == w.ownPID {
		w.log.Debug().Str("session", name).Msg("Ignoring stop issued by this process")
		return
	}

	st := Stop{
		Session:     name,
		PID:         ev.ProcessID,
		EventsLost:  propUint(ev, "EventsLost"),
		BuffersLost: propUint(ev, "BuffersLost"),
	}
	w.mu.Lock()
	w.stops = append(w.stops, st)
	w.mu.Unlock()

	w.log.Warn().
		Str("session", st.Session).
		Uint32("stopped_by_pid", st.PID).
		Uint64("events_lost", st.EventsLost).
		Uint64("buffers_lost", st.BuffersLost).
		Msg("Session stopped by another process")
	if w.onStop != nil {
		w.onStop(st)
	}
}

// Stops returns the external stops seen so far.
func (w *Watcher) Stops() []Stop {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Stop(nil), w.stops...)
}

// Started is the number of SessionStart events seen for watched sessions.
func (w *Watcher) Started() uint64 { return w.started.Load() }

func propString(ev *event.Event, name string) string {
	v, ok := ev.Properties.Get(name)
	if !ok {
		return ""
	}
	return v.AsString()
}

func propUint(ev *event.Event, name string) uint64 {
	v, ok := ev.Properties.Get(name)
	if !ok {
		return 0
	}
	return v.AsUint()
}
