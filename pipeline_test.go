package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etwpipe/internal/capture"
	"etwpipe/internal/config"
	"etwpipe/internal/etw/consumer"
	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"
	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/watcher"
	"etwpipe/internal/export"

	etwmain "etwpipe/internal/etw"
)

func syntheticConfig() *config.AppConfig {
	cfg := config.DefaultConfig()
	cfg.Session.Backend = "synthetic"
	cfg.Synthetic.IntervalMs = 0
	cfg.Synthetic.Repeat = 1
	return cfg
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func readJSONL(t *testing.T, r io.Reader) []*event.Event {
	t.Helper()
	var out []*event.Event
	for ev, err := range export.ReadJSONL(r) {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func eventNames(evs []*event.Event) []string {
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.EventName
	}
	return names
}

func TestPipelineSyntheticJSONL(t *testing.T) {
	p, err := NewPipeline(syntheticConfig())
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := export.NewJSONLWriter(&buf)
	n, err := p.Run(runCtx(t), sink)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Equal(t, 4, n)

	evs := readJSONL(t, &buf)
	require.Len(t, evs, 4)
	assert.Equal(t, []string{"ProcessStart", "QueryCompleted", "", "ProcessStop"}, eventNames(evs))
	assert.True(t, evs[2].SchemaLess, "the scenario's third record has no schema")
	assert.Equal(t, uint16(3020), evs[2].EventID)

	pid, ok := evs[0].Properties.Get("ProcessID")
	require.True(t, ok)
	assert.Equal(t, uint64(4242), pid.AsUint())

	stats := p.Manager().Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(4), stats[0].EventsReceived)
	assert.Zero(t, stats[0].EventsLost)
	assert.Equal(t, uint64(1), stats[0].SchemaMisses)
}

func TestPipelineUserAndKernelSessions(t *testing.T) {
	cfg := syntheticConfig()
	cfg.Kernel.Enabled = true

	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	require.Len(t, p.Manager().Sessions(), 2)

	n, err := p.Run(runCtx(t), nil)
	require.NoError(t, err)
	// The kernel session only sees the two Kernel-Process records; the DNS
	// client is not part of any kernel category.
	assert.Equal(t, 6, n)

	stats := p.Manager().Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(4), stats[0].EventsReceived, stats[0].Name)
	assert.Equal(t, uint64(2), stats[1].EventsReceived, stats[1].Name)
}

func TestPipelineProfiles(t *testing.T) {
	t.Run("dns", func(t *testing.T) {
		cfg := syntheticConfig()
		cfg.Session.Profile = "dns"

		p, err := NewPipeline(cfg)
		require.NoError(t, err)

		var buf bytes.Buffer
		sink := export.NewJSONLWriter(&buf)
		n, err := p.Run(runCtx(t), sink)
		require.NoError(t, err)
		require.NoError(t, sink.Close())
		assert.Equal(t, 2, n)

		for _, ev := range readJSONL(t, &buf) {
			assert.Equal(t, "Microsoft-Windows-DNS-Client", ev.ProviderName)
		}
	})

	t.Run("kernel categories enable the kernel session", func(t *testing.T) {
		cfg := syntheticConfig()
		cfg.Session.Profile = "process"

		p, err := NewPipeline(cfg)
		require.NoError(t, err)
		require.Len(t, p.Manager().Sessions(), 2)

		n, err := p.Run(runCtx(t), nil)
		require.NoError(t, err)
		// The user session only takes ProcessStart (keyword 0x10), the
		// kernel session takes both process records.
		assert.Equal(t, 3, n)
	})
}

func TestPipelineSessionWatcher(t *testing.T) {
	cfg := syntheticConfig()
	cfg.Session.Name = "etwpipe-watched"
	cfg.Session.Watch = true
	cfg.Kernel.Enabled = true

	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	require.NotNil(t, p.watcher)

	user := p.Manager().Sessions()[0]
	assert.True(t, slices.ContainsFunc(user.Providers(), func(c provider.Config) bool {
		return c.GUID == provider.KernelEventTracingGUID
	}))

	stop := &event.Event{
		ProviderID: provider.KernelEventTracingGUID,
		EventID:    watcher.EventSessionStop,
		ProcessID:  1,
		Properties: event.Properties{{Name: "SessionName", Value: event.Text("NT Kernel Logger")}},
	}
	require.NoError(t, p.watcher.Observe(stop))
	require.Len(t, p.watcher.Stops(), 1)

	n, err := p.Run(runCtx(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestPipelineRecordAndReplay(t *testing.T) {
	for _, compression := range []string{"none", "zstd", "lz4"} {
		t.Run(compression, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "capture.etwp")
			cfg := syntheticConfig()
			cfg.Capture.Enabled = true
			cfg.Capture.Path = path
			cfg.Capture.Compression = compression

			p, err := NewPipeline(cfg)
			require.NoError(t, err)

			var live bytes.Buffer
			sink := export.NewJSONLWriter(&live)
			n, err := p.Run(runCtx(t), sink)
			require.NoError(t, err)
			require.NoError(t, sink.Close())
			require.Equal(t, 4, n)

			player, err := capture.Open(path, capture.WithMode(capture.Accelerated))
			require.NoError(t, err)
			defer player.Close()
			assert.Equal(t, uint64(4), player.Header().EventCount)
			assert.Equal(t, compression, player.Header().Compression.String())

			var replayed bytes.Buffer
			w := export.NewJSONLWriter(&replayed)
			m, err := drain(runCtx(t), player, w)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			assert.Equal(t, 4, m)

			want := readJSONL(t, &live)
			got := readJSONL(t, &replayed)
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i].EventName, got[i].EventName)
				assert.Equal(t, want[i].EventID, got[i].EventID)
				assert.Equal(t, want[i].Timestamp.Ticks, got[i].Timestamp.Ticks)
				assert.True(t, want[i].Properties.Equal(got[i].Properties), want[i].EventName)
			}
		})
	}
}

func TestPipelineMaxEvents(t *testing.T) {
	cfg := syntheticConfig()
	cfg.Synthetic.Repeat = 0
	cfg.Synthetic.IntervalMs = 1

	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	n, err := p.Run(runCtx(t), nil, consumer.WithMaxEvents(6))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.False(t, p.Manager().IsRunning())
}

func TestPipelineCancel(t *testing.T) {
	cfg := syntheticConfig()
	cfg.Synthetic.Repeat = 0
	cfg.Synthetic.IntervalMs = 1

	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = p.Run(ctx, nil)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the context was cancelled")
	}
	assert.NoError(t, runErr)
	for _, s := range p.Manager().Sessions() {
		assert.Equal(t, etwmain.StateStopped, s.State())
	}
}

func TestPipelineDuration(t *testing.T) {
	cfg := syntheticConfig()
	cfg.Synthetic.Repeat = 0
	cfg.Synthetic.IntervalMs = 1

	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Run(runCtx(t), nil, consumer.WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewPipelineErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *config.AppConfig)
	}{
		{
			name:   "nothing to trace",
			modify: func(cfg *config.AppConfig) { cfg.Session.Backend = "etw" },
		},
		{
			name:   "unknown profile",
			modify: func(cfg *config.AppConfig) { cfg.Session.Profile = "no-such-profile" },
		},
		{
			name:   "bad compression",
			modify: func(cfg *config.AppConfig) { cfg.Capture.Compression = "gzip" },
		},
		{
			name:   "bad backend",
			modify: func(cfg *config.AppConfig) { cfg.Session.Backend = "pcap" },
		},
		{
			name: "bad provider",
			modify: func(cfg *config.AppConfig) {
				cfg.Session.Providers = []config.ProviderConfig{{Name: "Not-A-Provider"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := syntheticConfig()
			tt.modify(cfg)
			_, err := NewPipeline(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, etwerr.ErrInvalidConfig)
		})
	}
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "mine", sessionName("mine"))

	name := sessionName("")
	assert.Regexp(t, `^etwpipe-[0-9a-f]{8}$`, name)
	assert.NotEqual(t, name, sessionName(""))
}

func TestMetricsEndpoint(t *testing.T) {
	p, err := NewPipeline(syntheticConfig())
	require.NoError(t, err)
	_, err = p.Run(runCtx(t), nil)
	require.NoError(t, err)

	srv := httptest.NewServer(newMux("/metrics", false, newRegistry(p.Manager())))
	defer srv.Close()

	body := get(t, srv.URL+"/metrics", http.StatusOK)
	assert.Contains(t, body, `etwpipe_session_events_received_total{kind="user"`)
	assert.Contains(t, body, "etwpipe_schema_cache_entries")
	assert.Contains(t, body, "go_goroutines")

	assert.Contains(t, get(t, srv.URL+"/", http.StatusOK), "etwpipe v"+Version)
	get(t, srv.URL+"/debug/pprof/", http.StatusNotFound)
}

func TestPprofEndpoint(t *testing.T) {
	srv := httptest.NewServer(newMux("/metrics", true, newRegistry(etwmain.SessionList{})))
	defer srv.Close()

	assert.Contains(t, get(t, srv.URL+"/debug/pprof/", http.StatusOK), "goroutine")
}

func get(t *testing.T, url string, status int) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, status, resp.StatusCode, url)
	return string(body)
}
