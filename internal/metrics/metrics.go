// Package metrics exposes the Prometheus registry backing get_stats()
// (§6) and the /metrics scrape endpoint. Every value mirrors something
// already tracked by syncengine.Stats/registry.Receiver; this package
// only re-publishes it in Prometheus's wire format.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once
	reg  *Registry
)

// Registry holds every metric the server publishes.
type Registry struct {
	FramesSentTotal     prometheus.Counter
	SyncCorrectionsTotal prometheus.Counter
	BufferUnderrunsTotal prometheus.Counter

	DevicesConnected   prometheus.Gauge
	ReceiversByType    *prometheus.GaugeVec
	ReceiversByOrigin  *prometheus.GaugeVec

	ReceiverNetworkDelay *prometheus.GaugeVec
	ReceiverOffset       *prometheus.GaugeVec
	ReceiverEvictions    *prometheus.CounterVec

	DiscoveryEventsTotal *prometheus.CounterVec

	PlaybackState prometheus.Gauge
	Uptime        prometheus.Gauge
}

// Get returns the process-wide metrics registry, creating it on first use.
func Get() *Registry {
	once.Do(func() {
		reg = newRegistry()
	})
	return reg
}

func newRegistry() *Registry {
	r := &Registry{}

	r.FramesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airplay_frames_sent_total",
		Help: "Total audio frames forwarded to receivers",
	})

	r.SyncCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airplay_sync_corrections_total",
		Help: "Total per-receiver delay recalculations applied by the sync engine",
	})

	r.BufferUnderrunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airplay_buffer_underruns_total",
		Help: "Total fan-out buffer underruns observed across all receivers",
	})

	r.DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airplay_devices_connected",
		Help: "Receivers currently in the active playback group",
	})

	r.ReceiversByType = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airplay_receivers_by_type",
		Help: "Known receivers grouped by device type",
	}, []string{"device_type"})

	r.ReceiversByOrigin = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airplay_receivers_by_origin",
		Help: "Known receivers grouped by origin (manual or discovered)",
	}, []string{"origin"})

	r.ReceiverNetworkDelay = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airplay_receiver_network_delay_seconds",
		Help: "EMA-filtered network delay per receiver",
	}, []string{"receiver_id"})

	r.ReceiverOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airplay_receiver_offset_seconds",
		Help: "Composed presentation offset D_r per receiver",
	}, []string{"receiver_id"})

	r.ReceiverEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airplay_receiver_evictions_total",
		Help: "Total receiver evictions from the active group, by reason",
	}, []string{"reason"})

	r.DiscoveryEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airplay_discovery_events_total",
		Help: "mDNS discovery events observed, by kind",
	}, []string{"kind"})

	r.PlaybackState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airplay_playback_state",
		Help: "Playback state as an enum: 0=idle 1=playing 2=paused 3=stopped",
	})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airplay_uptime_seconds",
		Help: "Seconds since the server started",
	})

	return r
}

// PlaybackStateValue maps the engine's playback state strings to the
// enum published on the PlaybackState gauge.
func PlaybackStateValue(state string) float64 {
	switch state {
	case "playing":
		return 1
	case "paused":
		return 2
	case "stopped":
		return 3
	default:
		return 0
	}
}
