package etwmain

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that can report per-session statistics. Both
// *Manager and a single-session adapter satisfy it.
type StatsSource interface {
	Stats() []SessionStats
}

// SessionList adapts a fixed set of sessions to StatsSource.
type SessionList []*Session

func (l SessionList) Stats() []SessionStats {
	out := make([]SessionStats, len(l))
	for i, s := range l {
		out[i] = s.Stats()
	}
	return out
}

// StatsCollector implements prometheus.Collector for session statistics.
// It reports on the health of the pipeline itself: how many events were
// delivered, dropped and decoded.
type StatsCollector struct {
	source StatsSource

	// Metric Descriptors
	eventsReceivedDesc   *prometheus.Desc
	eventsLostDesc       *prometheus.Desc
	buffersProcessedDesc *prometheus.Desc
	schemaMissesDesc     *prometheus.Desc
	decodeErrorsDesc     *prometheus.Desc
	tapErrorsDesc        *prometheus.Desc
	channelLenDesc       *prometheus.Desc
	channelCapDesc       *prometheus.Desc
	sessionStateDesc     *prometheus.Desc

	cacheEntriesDesc *prometheus.Desc
	cacheHitsDesc    *prometheus.Desc
	cacheMissesDesc  *prometheus.Desc
}

// NewStatsCollector creates a new session statistics collector.
func NewStatsCollector(source StatsSource) *StatsCollector {
	labels := []string{"session", "kind"}
	return &StatsCollector{
		source: source,

		eventsReceivedDesc: prometheus.NewDesc(
			"etwpipe_session_events_received_total",
			"Total number of events accepted by the session's delivery channel.",
			labels, nil,
		),
		eventsLostDesc: prometheus.NewDesc(
			"etwpipe_session_events_lost_total",
			"Total number of events dropped because the delivery channel was full.",
			labels, nil,
		),
		buffersProcessedDesc: prometheus.NewDesc(
			"etwpipe_session_buffers_processed_total",
			"Total number of trace buffers consumed by the session.",
			labels, nil,
		),
		schemaMissesDesc: prometheus.NewDesc(
			"etwpipe_session_schema_misses_total",
			"Total number of events delivered without a resolved schema.",
			labels, nil,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			"etwpipe_session_decode_errors_total",
			"Total number of properties that could not be decoded.",
			labels, nil,
		),
		tapErrorsDesc: prometheus.NewDesc(
			"etwpipe_session_tap_errors_total",
			"Total number of failed tap calls (e.g. capture writes).",
			labels, nil,
		),
		channelLenDesc: prometheus.NewDesc(
			"etwpipe_session_channel_events",
			"The current number of events buffered in the delivery channel.",
			labels, nil,
		),
		channelCapDesc: prometheus.NewDesc(
			"etwpipe_session_channel_capacity",
			"The fixed capacity of the delivery channel.",
			labels, nil,
		),
		sessionStateDesc: prometheus.NewDesc(
			"etwpipe_session_state",
			"Lifecycle state of the session (0 new, 1 started, 2 stopping, 3 stopped).",
			labels, nil,
		),
	}
}

// WithCacheMetrics also exports schema cache counters per session.
func (c *StatsCollector) WithCacheMetrics() *StatsCollector {
	c.cacheEntriesDesc = prometheus.NewDesc(
		"etwpipe_schema_cache_entries",
		"The number of schemas held by the cache.",
		[]string{"session"}, nil,
	)
	c.cacheHitsDesc = prometheus.NewDesc(
		"etwpipe_schema_cache_hits_total",
		"Total number of schema lookups served from the cache.",
		[]string{"session"}, nil,
	)
	c.cacheMissesDesc = prometheus.NewDesc(
		"etwpipe_schema_cache_misses_total",
		"Total number of schema lookups that missed the cache.",
		[]string{"session"}, nil,
	)
	return c
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsReceivedDesc
	ch <- c.eventsLostDesc
	ch <- c.buffersProcessedDesc
	ch <- c.schemaMissesDesc
	ch <- c.decodeErrorsDesc
	ch <- c.tapErrorsDesc
	ch <- c.channelLenDesc
	ch <- c.channelCapDesc
	ch <- c.sessionStateDesc
	if c.cacheEntriesDesc != nil {
		ch <- c.cacheEntriesDesc
		ch <- c.cacheHitsDesc
		ch <- c.cacheMissesDesc
	}
}

// Collect implements prometheus.Collector.
// It is called by Prometheus on each scrape.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.source.Stats() {
		name, kind := st.Name, st.Kind.String()
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), name, kind)
		}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, name, kind)
		}

		counter(c.eventsReceivedDesc, st.EventsReceived)
		counter(c.eventsLostDesc, st.EventsLost)
		counter(c.buffersProcessedDesc, st.BuffersProcessed)
		counter(c.schemaMissesDesc, st.SchemaMisses)
		counter(c.decodeErrorsDesc, st.DecodeErrors)
		counter(c.tapErrorsDesc, st.TapErrors)
		gauge(c.channelLenDesc, float64(st.ChannelLen))
		gauge(c.channelCapDesc, float64(st.ChannelCap))
		gauge(c.sessionStateDesc, float64(st.State))

		if c.cacheEntriesDesc != nil {
			cs := st.Cache
			ch <- prometheus.MustNewConstMetric(c.cacheEntriesDesc, prometheus.GaugeValue, float64(cs.Entries), name)
			ch <- prometheus.MustNewConstMetric(c.cacheHitsDesc, prometheus.CounterValue, float64(cs.Hits), name)
			ch <- prometheus.MustNewConstMetric(c.cacheMissesDesc, prometheus.CounterValue, float64(cs.Misses), name)
		}
	}
}
