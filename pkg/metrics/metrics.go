// Package metrics exposes transfer counters on the default prometheus
// registry. The server binary serves them over HTTP when asked to.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prefix = "rcopy"

var (
	PacketsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_packets_sent_total",
		Help: "PDUs handed to the channel, by flag name.",
	}, []string{"flag"})

	PacketsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_packets_received_total",
		Help: "Checksum-passing PDUs processed, by flag name.",
	}, []string{"flag"})

	Retransmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_retransmits_total",
		Help: "DATA retransmissions, by cause (srej or timeout).",
	}, []string{"cause"})

	ChecksumDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_checksum_drops_total",
		Help: "Datagrams silently dropped for failing the checksum.",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_sessions_active",
		Help: "Transfer sessions currently running.",
	})

	TransfersCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_transfers_completed_total",
		Help: "Sessions that reached EOF teardown.",
	})

	TransfersFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_transfers_failed_total",
		Help: "Sessions that ended on a fatal error.",
	})
)

func init() {
	prometheus.MustRegister(
		PacketsSent,
		PacketsReceived,
		Retransmits,
		ChecksumDrops,
		SessionsActive,
		TransfersCompleted,
		TransfersFailed,
	)
}

// Handler returns the scrape endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
