// Package telemetry exposes Prometheus collectors for session and channel activity.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "arclink"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing,
// so library code never has to branch on whether metrics are enabled.
type Metrics struct {
	refreshes *prometheus.CounterVec
	requests  *prometheus.CounterVec

	channelUp         *prometheus.GaugeVec
	channelReconnects *prometheus.CounterVec
	channelFailures   *prometheus.CounterVec
	channelMessages   *prometheus.CounterVec
}

// New builds the collectors and registers them on reg (when non-nil).
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Token refresh network calls by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Authorized requests by outcome.",
		}, []string{"outcome"}),
		channelUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "connected",
			Help:      "1 while the named channel is connected.",
		}, []string{"channel"}),
		channelReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after abnormal closes.",
		}, []string{"channel"}),
		channelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "failed_total",
			Help:      "Channels that entered the failed state, by reason.",
		}, []string{"channel", "reason"}),
		channelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Messages by channel and direction (in|out).",
		}, []string{"channel", "direction"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.refreshes, m.requests,
		m.channelUp, m.channelReconnects, m.channelFailures, m.channelMessages,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Refresh records a refresh network call outcome ("ok" or "failed").
func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// Request records an authorized request outcome.
func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ChannelConnected flips the connected gauge for a channel.
func (m *Metrics) ChannelConnected(channel string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.channelUp.WithLabelValues(channel).Set(v)
}

// ChannelReconnect counts a scheduled reconnect.
func (m *Metrics) ChannelReconnect(channel string) {
	if m == nil {
		return
	}
	m.channelReconnects.WithLabelValues(channel).Inc()
}

// ChannelFailed counts a transition into the failed state.
func (m *Metrics) ChannelFailed(channel, reason string) {
	if m == nil {
		return
	}
	m.channelFailures.WithLabelValues(channel, reason).Inc()
}

// ChannelMessage counts one message in the given direction.
func (m *Metrics) ChannelMessage(channel, direction string) {
	if m == nil {
		return
	}
	m.channelMessages.WithLabelValues(channel, direction).Inc()
}
