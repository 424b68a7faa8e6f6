package etwmain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	plog "github.com/phuslu/log"

	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"
	"etwpipe/internal/logger"
)

// Manager runs several sessions as one unit, typically a user session and
// the kernel session, and merges their events into a single stream.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	sessions []*Session
	events   chan *event.Event
	log      plog.Logger

	running    bool
	isStopping atomic.Bool
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan *event.Event),
		log:    logger.NewLoggerWithContext("session_manager"),
	}
	m.log.Debug().Msg("Manager created")
	return m
}

// Add registers s. Sessions can only be added before Start and names must
// be unique.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || m.isStopping.Load() {
		return fmt.Errorf("%w: cannot add session %q to a started manager", etwerr.ErrInvalidState, s.Name())
	}
	if slices.ContainsFunc(m.sessions, func(o *Session) bool { return o.Name() == s.Name() }) {
		return fmt.Errorf("%w: session %q already added", etwerr.ErrNameConflict, s.Name())
	}
	m.sessions = append(m.sessions, s)
	return nil
}

// Start starts every session in the order they were added. If one fails,
// the ones already started are stopped again and the error is returned.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("%w: session manager already running", etwerr.ErrInvalidState)
	}
	if len(m.sessions) == 0 {
		return fmt.Errorf("%w: no sessions configured", etwerr.ErrInvalidConfig)
	}

	m.log.Info().Int("sessions", len(m.sessions)).Msg("Starting sessions...")
	for i, s := range m.sessions {
		if err := s.Start(); err != nil {
			for _, started := range m.sessions[:i] {
				if stopErr := started.Stop(); stopErr != nil {
					m.log.Error().Err(stopErr).Str("session", started.Name()).Msg("Failed to roll back session")
				}
			}
			return fmt.Errorf("failed to start session %q: %w", s.Name(), err)
		}
	}

	var forwarders sync.WaitGroup
	for _, s := range m.sessions {
		forwarders.Add(1)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer forwarders.Done()
			m.forward(s)
		}()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		forwarders.Wait()
		close(m.events)
	}()

	m.running = true
	m.log.Info().Msg("Sessions started")
	return nil
}

// forward moves one session's events onto the merged stream. It blocks on
// the reader, never on the session: the session's own channel absorbs
// bursts and counts drops.
func (m *Manager) forward(s *Session) {
	for {
		ev, err := s.Channel().Next(m.ctx)
		if err != nil {
			return
		}
		select {
		case m.events <- ev:
		case <-m.ctx.Done():
			return
		}
	}
}

// Next returns the next event from any session. Events from one session
// keep their order. etwerr.ErrChannelClosed is returned once every session
// has stopped and been drained.
func (m *Manager) Next(ctx context.Context) (*event.Event, error) {
	select {
	case ev, ok := <-m.events:
		if !ok {
			return nil, etwerr.ErrChannelClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop stops every session. Buffered events stay readable through Next.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.isStopping.Store(true)

	var errs []error
	for _, s := range slices.Backward(m.sessions) {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	m.running = false

	for _, st := range m.statsLocked() {
		m.log.Info().Str("session", st.Name).Uint64("received", st.EventsReceived).
			Uint64("lost", st.EventsLost).Float64("loss_percent", st.LossPercent()).Msg("Session summary")
	}
	return errors.Join(errs...)
}

// Close stops the sessions and abandons any undelivered events.
func (m *Manager) Close() error {
	err := m.Stop()
	m.cancel()
	m.wg.Wait()
	return err
}

// Wait blocks until every started session's trace has ended.
func (m *Manager) Wait() {
	m.mu.RLock()
	sessions := slices.Clone(m.sessions)
	m.mu.RUnlock()
	for _, s := range sessions {
		if done := s.Done(); done != nil {
			<-done
		}
	}
}

// IsRunning returns whether the sessions are running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Sessions returns the managed sessions in start order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.sessions)
}

// Session looks a session up by name.
func (m *Manager) Session(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := slices.IndexFunc(m.sessions, func(s *Session) bool { return s.Name() == name })
	if i < 0 {
		return nil, false
	}
	return m.sessions[i], true
}

// Stats returns a snapshot per session.
func (m *Manager) Stats() []SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() []SessionStats {
	out := make([]SessionStats, len(m.sessions))
	for i, s := range m.sessions {
		out[i] = s.Stats()
	}
	return out
}
