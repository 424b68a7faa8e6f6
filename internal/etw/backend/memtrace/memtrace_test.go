package memtrace

import (
	"context"
	"sync"
	"testing"
	"time"

	"etwpipe/internal/etw/decoder"
	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/schema"
	"etwpipe/internal/etw/tracing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	recs    []*tracing.RawRecord
	buffers int
}

func (c *collector) HandleRecord(r *tracing.RawRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, r)
}

func (c *collector) HandleBuffer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffers++
}

func (c *collector) snapshot() ([]*tracing.RawRecord, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*tracing.RawRecord(nil), c.recs...), c.buffers
}

func startProcessing(t *testing.T, tr tracing.Trace) (*collector, chan error) {
	t.Helper()
	c := &collector{}
	errc := make(chan error, 1)
	go func() { errc <- tr.Process(c) }()
	return c, errc
}

func TestStartTraceErrors(t *testing.T) {
	tracer := New()
	spec := tracing.TraceSpec{Name: "dup"}

	tr, err := tracer.StartTrace(spec)
	require.NoError(t, err)

	_, err = tracer.StartTrace(spec)
	require.ErrorIs(t, err, tracing.ErrAlreadyExists)

	require.NoError(t, tracer.StopTrace("dup"))
	require.ErrorIs(t, tracer.StopTrace("dup"), tracing.ErrTraceNotFound)
	require.NoError(t, tr.Stop(), "second Stop is a no-op")

	_, err = tracer.StartTrace(spec)
	require.NoError(t, err, "name is free again after stop")

	tracer.SetAccessDenied(true)
	_, err = tracer.StartTrace(tracing.TraceSpec{Name: "other"})
	require.ErrorIs(t, err, tracing.ErrAccessDenied)
	assert.Equal(t, 2, tracer.Starts())
}

func TestEmitAppliesProviderFilters(t *testing.T) {
	tracer := New()
	p := provider.New(provider.KernelProcessGUID,
		provider.WithLevel(provider.LevelInfo),
		provider.WithKeywordsAny(0x10))
	tr, err := tracer.StartTrace(tracing.TraceSpec{Name: "filter", Providers: []provider.Config{p}})
	require.NoError(t, err)
	c, errc := startProcessing(t, tr)

	mt := tr.(*Trace)
	require.NoError(t, mt.Emit(
		&tracing.RawRecord{ProviderID: provider.KernelProcessGUID, EventID: 1, Level: 4, Keyword: 0x10},
		&tracing.RawRecord{ProviderID: provider.KernelProcessGUID, EventID: 2, Level: 5, Keyword: 0x10},
		&tracing.RawRecord{ProviderID: provider.KernelProcessGUID, EventID: 3, Level: 4, Keyword: 0x20},
		&tracing.RawRecord{ProviderID: provider.DNSClientGUID, EventID: 4, Level: 4},
	))

	recs, buffers := c.snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, uint16(1), recs[0].EventID)
	assert.Equal(t, 1, buffers)
	assert.Equal(t, uint64(3), mt.Filtered())

	require.NoError(t, tr.Stop())
	require.NoError(t, <-errc)
	require.ErrorIs(t, mt.Emit(&tracing.RawRecord{}), tracing.ErrTraceNotFound)
}

func TestKernelTraceFiltersByCategory(t *testing.T) {
	tracer := New()
	tr, err := tracer.StartTrace(tracing.TraceSpec{Name: "NT Kernel Logger", Kernel: true, Categories: provider.KernelNetwork})
	require.NoError(t, err)
	c, errc := startProcessing(t, tr)

	tcpip := uuid.MustParse("9a280ac0-c8e0-11d1-84e2-00c04fb998a2")
	mt := tr.(*Trace)
	require.NoError(t, mt.Emit(
		&tracing.RawRecord{ProviderID: tcpip, EventID: 10},
		&tracing.RawRecord{ProviderID: provider.KernelProcessGUID, EventID: 1},
		&tracing.RawRecord{ProviderID: provider.DNSClientGUID, EventID: 3008},
	))

	recs, _ := c.snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, tcpip, recs[0].ProviderID)
	assert.Equal(t, uint64(2), mt.Filtered())

	require.NoError(t, tr.Stop())
	require.NoError(t, <-errc)
}

func TestFileTrace(t *testing.T) {
	sc, err := DemoScenario()
	require.NoError(t, err)
	tracer := New()
	require.NoError(t, sc.InstallFile(tracer, `C:\traces\demo.etl`, time.Now()))

	t.Run("delivers every buffer and ends", func(t *testing.T) {
		tr, err := tracer.StartTrace(tracing.TraceSpec{Name: "demo", LogFile: `C:\traces\demo.etl`})
		require.NoError(t, err)
		c := &collector{}
		require.NoError(t, tr.Process(c))

		recs, buffers := c.snapshot()
		assert.Len(t, recs, 4)
		assert.Equal(t, 4, buffers)
		require.ErrorIs(t, tr.(*Trace).Emit(&tracing.RawRecord{}), tracing.ErrUnsupported)
		require.NoError(t, tr.Stop())
	})

	t.Run("providers filter the file", func(t *testing.T) {
		spec := tracing.TraceSpec{
			Name:      "demo",
			LogFile:   `C:\traces\demo.etl`,
			Providers: []provider.Config{provider.New(provider.DNSClientGUID)},
		}
		tr, err := tracer.StartTrace(spec)
		require.NoError(t, err)
		c := &collector{}
		require.NoError(t, tr.Process(c))

		recs, _ := c.snapshot()
		assert.Len(t, recs, 2)
		assert.Equal(t, uint64(2), tr.(*Trace).Filtered())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := tracer.StartTrace(tracing.TraceSpec{Name: "x", LogFile: `C:\traces\missing.etl`})
		require.ErrorIs(t, err, tracing.ErrTraceNotFound)
	})
}

func TestQuerySchema(t *testing.T) {
	s := &schema.Schema{Key: schema.Key{Provider: provider.DNSClientGUID, EventID: 3008}, EventName: "QueryCompleted"}
	tracer := New(WithSchemas(s))
	tr, err := tracer.StartTrace(tracing.TraceSpec{Name: "q"})
	require.NoError(t, err)
	defer tr.Stop()

	got, err := tr.QuerySchema(&tracing.RawRecord{ProviderID: provider.DNSClientGUID, EventID: 3008})
	require.NoError(t, err)
	assert.Equal(t, "QueryCompleted", got.EventName)

	_, err = tr.QuerySchema(&tracing.RawRecord{ProviderID: provider.DNSClientGUID, EventID: 1})
	require.ErrorIs(t, err, tracing.ErrSchemaNotFound)
}

func TestEnumerateProvidersIncludesKnown(t *testing.T) {
	sc, err := DemoScenario()
	require.NoError(t, err)
	tracer := New(WithProviders(tracing.ProviderInfo{Name: "Custom"}))
	sc.Install(tracer)

	list, err := tracer.EnumerateProviders()
	require.NoError(t, err)
	assert.Equal(t, "Custom", list[0].Name)

	names := map[string]int{}
	for _, p := range list {
		names[p.Name]++
	}
	assert.Equal(t, 1, names["Microsoft-Windows-Kernel-Process"], "no duplicates")
	assert.Contains(t, names, "Microsoft-Windows-PowerShell")
}

func TestDemoScenarioDecodes(t *testing.T) {
	sc, err := DemoScenario()
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recs, err := sc.RawRecords(now)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	s, ok := sc.schemaFor(recs[0].Key())
	require.True(t, ok)
	ev := decoder.Decode(recs[0], s)
	assert.Equal(t, "ProcessStart", ev.EventName)
	pid, _ := ev.Properties.Get("ProcessID")
	assert.Equal(t, uint64(4242), pid.AsUint())
	created, _ := ev.Properties.Get("CreateTime")
	assert.True(t, now.Equal(created.AsTime()))
	img, _ := ev.Properties.Get("ImageName")
	assert.Equal(t, `\Device\HarddiskVolume3\Windows\System32\notepad.exe`, img.AsString())
	assert.Zero(t, decoder.Errors(ev))

	_, ok = sc.schemaFor(recs[2].Key())
	assert.False(t, ok, "the third record is scripted without a schema")
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, recs[2].Data)
}

func TestDriveRepeats(t *testing.T) {
	sc, err := DemoScenario()
	require.NoError(t, err)

	tracer := New()
	sc.Install(tracer)
	tr, err := tracer.StartTrace(tracing.TraceSpec{Name: "drive", Providers: sc.ProviderConfigs()})
	require.NoError(t, err)
	c, errc := startProcessing(t, tr)

	n, err := sc.Drive(context.Background(), tr.(*Trace), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	recs, buffers := c.snapshot()
	assert.Len(t, recs, 8)
	assert.Equal(t, 8, buffers)

	require.NoError(t, tr.Stop())
	require.NoError(t, <-errc)
}

func TestEncodeRejectsArrays(t *testing.T) {
	var b decoder.Builder
	err := Encode(&b, []schema.PropertyDescriptor{{Name: "A", Type: schema.TypeUInt32, Count: 4}}, nil, 8, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arrays and structs")
}

func TestParseScenarioRejectsEmpty(t *testing.T) {
	_, err := ParseScenario([]byte("providers: []\n"))
	require.Error(t, err)
}
