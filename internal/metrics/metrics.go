// Package metrics exposes voice transport statistics as Prometheus
// metrics, gathered at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicelink/voicelink/internal/voice"
)

// SessionProvider exposes the live voice session state.
type SessionProvider interface {
	IsRunning() bool
	Stats() voice.Stats
}

// Collector is a prometheus.Collector that gathers voicelink metrics at
// scrape time.
type Collector struct {
	session   SessionProvider
	startTime time.Time

	sessionRunning      *prometheus.Desc
	packetsSent         *prometheus.Desc
	bytesSent           *prometheus.Desc
	framesSilent        *prometheus.Desc
	keepalivesSent      *prometheus.Desc
	speakingTransitions *prometheus.Desc
	uptime              *prometheus.Desc
}

// NewCollector creates a collector over the given session.
func NewCollector(session SessionProvider) *Collector {
	return &Collector{
		session:   session,
		startTime: time.Now(),
		sessionRunning: prometheus.NewDesc(
			"voicelink_session_running",
			"Whether a voice transport loop is currently active (1 or 0).",
			nil, nil,
		),
		packetsSent: prometheus.NewDesc(
			"voicelink_media_packets_sent_total",
			"Media packets transmitted over UDP in the current or last session.",
			nil, nil,
		),
		bytesSent: prometheus.NewDesc(
			"voicelink_media_bytes_sent_total",
			"Media bytes transmitted over UDP, headers included.",
			nil, nil,
		),
		framesSilent: prometheus.NewDesc(
			"voicelink_frames_silent_total",
			"20ms frame ticks with no audio to send.",
			nil, nil,
		),
		keepalivesSent: prometheus.NewDesc(
			"voicelink_keepalives_sent_total",
			"Control-channel keepalive messages emitted.",
			nil, nil,
		),
		speakingTransitions: prometheus.NewDesc(
			"voicelink_speaking_transitions_total",
			"Silence-audio transitions announced on the control channel.",
			nil, nil,
		),
		uptime: prometheus.NewDesc(
			"voicelink_uptime_seconds",
			"Seconds since the process started.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionRunning
	ch <- c.packetsSent
	ch <- c.bytesSent
	ch <- c.framesSilent
	ch <- c.keepalivesSent
	ch <- c.speakingTransitions
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	running := 0.0
	if c.session.IsRunning() {
		running = 1.0
	}
	stats := c.session.Stats()

	ch <- prometheus.MustNewConstMetric(c.sessionRunning, prometheus.GaugeValue, running)
	ch <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(stats.PacketsSent))
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(stats.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.framesSilent, prometheus.CounterValue, float64(stats.FramesSilent))
	ch <- prometheus.MustNewConstMetric(c.keepalivesSent, prometheus.CounterValue, float64(stats.KeepalivesSent))
	ch <- prometheus.MustNewConstMetric(c.speakingTransitions, prometheus.CounterValue, float64(stats.SpeakingTransitions))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
