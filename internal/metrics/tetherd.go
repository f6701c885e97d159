// Package metrics provides Prometheus-compatible metrics for tetherd.
package metrics

import (
	"time"
)

// TetherdMetrics holds the daemon-wide metric set. Components that own
// a metric family (the queue, for one) register it themselves against
// the shared registry; this set covers the cross-cutting values the
// daemon wires up from bus events.
type TetherdMetrics struct {
	registry *Registry

	// Counters
	TransitionsTotal  *Counter
	OnlineTotal       *Counter
	OfflineTotal      *Counter
	NotificationsSent *Counter
	ProxyRegistersOK  *Counter
	ProxyRegisterErrs *Counter
	CacheEvictions    *Counter
	PreloadsTotal     *Counter

	// Gauges
	Online         *Gauge
	LinkQuality    *Gauge
	CacheUsedBytes *Gauge
	ProxyState     *Gauge
	UptimeSeconds  *Gauge

	// Histograms
	DeliveryDuration *Histogram
	PreloadDuration  *Histogram
}

var startTime = time.Now()

// NewTetherdMetrics creates and registers the daemon metric set.
func NewTetherdMetrics(registry *Registry) *TetherdMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &TetherdMetrics{
		registry: registry,

		TransitionsTotal: registry.RegisterCounter(
			"connectivity_transitions_total",
			"Connectivity flips in either direction",
			nil,
		),
		OnlineTotal: registry.RegisterCounter(
			"connectivity_online_total",
			"Transitions to online",
			nil,
		),
		OfflineTotal: registry.RegisterCounter(
			"connectivity_offline_total",
			"Transitions to offline",
			nil,
		),
		NotificationsSent: registry.RegisterCounter(
			"notifications_sent_total",
			"Notifications emitted through the channel manager",
			nil,
		),
		ProxyRegistersOK: registry.RegisterCounter(
			"proxy_registers_total",
			"Successful proxy worker registrations",
			nil,
		),
		ProxyRegisterErrs: registry.RegisterCounter(
			"proxy_register_errors_total",
			"Failed proxy worker registrations",
			nil,
		),
		CacheEvictions: registry.RegisterCounter(
			"cache_evictions_total",
			"Cache entries removed by eviction",
			nil,
		),
		PreloadsTotal: registry.RegisterCounter(
			"cache_preloads_total",
			"Resources fetched into the cache by preload",
			nil,
		),

		Online: registry.RegisterGauge(
			"connectivity_online",
			"1 when the link is considered online",
			nil,
		),
		LinkQuality: registry.RegisterGauge(
			"connectivity_quality",
			"Current quality tier, 0 offline through 4 excellent",
			nil,
		),
		CacheUsedBytes: registry.RegisterGauge(
			"cache_used_bytes",
			"Bytes consumed by the managed cache root",
			nil,
		),
		ProxyState: registry.RegisterGauge(
			"proxy_state",
			"Numeric proxy lifecycle state",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the daemon started",
			nil,
		),

		DeliveryDuration: registry.RegisterHistogram(
			"delivery_duration_seconds",
			"Duration of queued action delivery attempts",
			nil,
			DurationBuckets,
		),
		PreloadDuration: registry.RegisterHistogram(
			"preload_duration_seconds",
			"Duration of cache preload passes",
			nil,
			DurationBuckets,
		),
	}

	return m
}

// RecordTransition records a connectivity flip.
func (m *TetherdMetrics) RecordTransition(online bool) {
	m.TransitionsTotal.Inc()
	if online {
		m.OnlineTotal.Inc()
		m.Online.Set(1)
	} else {
		m.OfflineTotal.Inc()
		m.Online.Set(0)
	}
}

// UpdateUptime refreshes the uptime gauge.
func (m *TetherdMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}
