// Package metrics exposes Prometheus collectors for the network core.
// A nil *Metrics is valid everywhere and records nothing, so tests and
// tools that do not scrape can pass nil (or Nop) without guards at every
// call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the server and client record into.
type Metrics struct {
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter

	ValidationFailures *prometheus.CounterVec // cause
	RateLimitDrops     *prometheus.CounterVec // category
	AbuseEvents        prometheus.Counter

	Inputs         *prometheus.CounterVec // result: received, accepted, rejected
	DeltasApplied  *prometheus.CounterVec // result: applied, duplicate, out_of_order, error
	SnapshotChunks prometheus.Counter

	ConnectedPlayers prometheus.Gauge
	SnapshotProgress prometheus.Gauge
	RTTMillis        prometheus.Gauge
	LastTick         prometheus.Gauge
	TimeoutLevel     prometheus.Gauge
}

// New creates and registers all collectors on reg. Pass
// prometheus.DefaultRegisterer for the /metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	auto := promauto.With(reg)
	return &Metrics{
		MessagesSent: auto.NewCounter(prometheus.CounterOpts{
			Name: "civitas_messages_sent_total",
			Help: "Messages handed to the transport",
		}),
		MessagesReceived: auto.NewCounter(prometheus.CounterOpts{
			Name: "civitas_messages_received_total",
			Help: "Messages received from the transport",
		}),
		BytesSent: auto.NewCounter(prometheus.CounterOpts{
			Name: "civitas_bytes_sent_total",
			Help: "Payload bytes handed to the transport",
		}),
		BytesReceived: auto.NewCounter(prometheus.CounterOpts{
			Name: "civitas_bytes_received_total",
			Help: "Payload bytes received from the transport",
		}),
		ValidationFailures: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "civitas_validation_failures_total",
			Help: "Inbound messages rejected by the validator",
		}, []string{"cause"}),
		RateLimitDrops: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "civitas_rate_limit_drops_total",
			Help: "Inputs dropped by per-category token buckets",
		}, []string{"category"}),
		AbuseEvents: auto.NewCounter(prometheus.CounterOpts{
			Name: "civitas_abuse_events_total",
			Help: "Times a peer crossed the abuse message-rate window",
		}),
		Inputs: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "civitas_inputs_total",
			Help: "Player inputs by outcome; received counts every arrival",
		}, []string{"result"}),
		DeltasApplied: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "civitas_deltas_applied_total",
			Help: "State updates applied by the client, by outcome",
		}, []string{"result"}),
		SnapshotChunks: auto.NewCounter(prometheus.CounterOpts{
			Name: "civitas_snapshot_chunks_sent_total",
			Help: "Snapshot chunks handed to the transport",
		}),
		ConnectedPlayers: auto.NewGauge(prometheus.GaugeOpts{
			Name: "civitas_connected_players",
			Help: "Sessions currently connected",
		}),
		SnapshotProgress: auto.NewGauge(prometheus.GaugeOpts{
			Name: "civitas_snapshot_progress",
			Help: "Client snapshot reception progress, 0 to 1",
		}),
		RTTMillis: auto.NewGauge(prometheus.GaugeOpts{
			Name: "civitas_rtt_ms",
			Help: "Smoothed round-trip time in milliseconds",
		}),
		LastTick: auto.NewGauge(prometheus.GaugeOpts{
			Name: "civitas_last_tick",
			Help: "Latest simulation tick processed",
		}),
		TimeoutLevel: auto.NewGauge(prometheus.GaugeOpts{
			Name: "civitas_timeout_level",
			Help: "Client connection health level, 0 ok to 3 severe",
		}),
	}
}

// Nop returns metrics registered on a private throwaway registry, for
// tests that want a non-nil instance.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// MessageSent records one outbound message of n payload bytes.
func (m *Metrics) MessageSent(n int) {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
	m.BytesSent.Add(float64(n))
}

// MessageReceived records one inbound message of n payload bytes.
func (m *Metrics) MessageReceived(n int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

// ValidationFailure counts a rejected inbound message by cause.
func (m *Metrics) ValidationFailure(cause string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(cause).Inc()
}

// RateLimitDrop counts an input dropped by a category bucket.
func (m *Metrics) RateLimitDrop(category string) {
	if m == nil {
		return
	}
	m.RateLimitDrops.WithLabelValues(category).Inc()
}

// AbuseEvent counts an abuse-window crossing.
func (m *Metrics) AbuseEvent() {
	if m == nil {
		return
	}
	m.AbuseEvents.Inc()
}

// InputReceived counts an arriving input.
func (m *Metrics) InputReceived() {
	if m == nil {
		return
	}
	m.Inputs.WithLabelValues("received").Inc()
}

// InputAccepted counts an accepted input.
func (m *Metrics) InputAccepted() {
	if m == nil {
		return
	}
	m.Inputs.WithLabelValues("accepted").Inc()
}

// InputRejected counts a rejected input.
func (m *Metrics) InputRejected() {
	if m == nil {
		return
	}
	m.Inputs.WithLabelValues("rejected").Inc()
}

// DeltaApplied counts one state update by apply outcome.
func (m *Metrics) DeltaApplied(result string) {
	if m == nil {
		return
	}
	m.DeltasApplied.WithLabelValues(result).Inc()
}

// SnapshotChunksSent counts snapshot chunks handed to the transport.
func (m *Metrics) SnapshotChunksSent(n int) {
	if m == nil {
		return
	}
	m.SnapshotChunks.Add(float64(n))
}

// SetConnectedPlayers updates the connected session gauge.
func (m *Metrics) SetConnectedPlayers(n int) {
	if m == nil {
		return
	}
	m.ConnectedPlayers.Set(float64(n))
}

// SetSnapshotProgress updates the reception progress gauge.
func (m *Metrics) SetSnapshotProgress(f float64) {
	if m == nil {
		return
	}
	m.SnapshotProgress.Set(f)
}

// SetRTT updates the smoothed round-trip gauge.
func (m *Metrics) SetRTT(ms float64) {
	if m == nil {
		return
	}
	m.RTTMillis.Set(ms)
}

// SetLastTick updates the latest processed tick gauge.
func (m *Metrics) SetLastTick(t uint64) {
	if m == nil {
		return
	}
	m.LastTick.Set(float64(t))
}

// SetTimeoutLevel updates the connection health gauge.
func (m *Metrics) SetTimeoutLevel(level int) {
	if m == nil {
		return
	}
	m.TimeoutLevel.Set(float64(level))
}
