package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etwpipe/internal/etw/event"
	"etwpipe/internal/etw/provider"
)

func sessionEvent(id uint16, pid uint32, name string) *event.Event {
	return &event.Event{
		ProviderID: provider.KernelEventTracingGUID,
		EventID:    id,
		ProcessID:  pid,
		Properties: event.Properties{
			{Name: "SessionName", Value: event.Text(name)},
			{Name: "EventsLost", Value: event.Uint(12)},
			{Name: "BuffersLost", Value: event.Uint(1)},
		},
	}
}

func TestWatcherReportsExternalStop(t *testing.T) {
	var got []Stop
	w := New([]string{"etwpipe-demo", "NT Kernel Logger"},
		WithOwnPID(100),
		WithOnStop(func(s Stop) { got = append(got, s) }),
	)

	require.NoError(t, w.Observe(sessionEvent(EventSessionStart, 100, "etwpipe-demo")))
	require.NoError(t, w.Observe(sessionEvent(EventSessionStop, 100, "etwpipe-demo")))
	require.NoError(t, w.Observe(sessionEvent(EventSessionStop, 7, "someone-else")))
	require.NoError(t, w.Observe(sessionEvent(EventSessionStop, 7, "nt kernel logger")))

	assert.Equal(t, uint64(1), w.Started())
	want := []Stop{{Session: "nt kernel logger", PID: 7, EventsLost: 12, BuffersLost: 1}}
	assert.Equal(t, want, got)
	assert.Equal(t, want, w.Stops())
}

func TestWatcherIgnoresOtherEvents(t *testing.T) {
	w := New([]string{"etwpipe-demo"}, WithOwnPID(100))

	other := sessionEvent(EventSessionStop, 7, "etwpipe-demo")
	other.ProviderID = provider.KernelProcessGUID
	require.NoError(t, w.Observe(other))

	schemaLess := sessionEvent(EventSessionStop, 7, "etwpipe-demo")
	schemaLess.SchemaLess = true
	require.NoError(t, w.Observe(schemaLess))

	assert.Empty(t, w.Stops())

	w.Watch("late-session")
	require.NoError(t, w.Observe(sessionEvent(EventSessionStop, 7, "LATE-SESSION")))
	assert.Len(t, w.Stops(), 1)
}

func TestProvider(t *testing.T) {
	p := Provider()
	require.NoError(t, p.Validate())
	assert.Equal(t, provider.KernelEventTracingGUID, p.GUID)
	assert.Equal(t, []uint16{EventSessionStart, EventSessionStop}, p.EventIDs)
	assert.Equal(t, uint64(0x10), p.MatchAnyKeyword)
}
