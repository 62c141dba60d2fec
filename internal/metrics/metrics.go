// Package metrics registers the gateway's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendsTotal counts outbound sends by kind (text|document) and
	// outcome (ok|not_ready|transport_error).
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wagateway",
		Name:      "sends_total",
		Help:      "Outbound WhatsApp sends by kind and outcome.",
	}, []string{"kind", "outcome"})

	// RendersTotal counts PDF render jobs by outcome (ok|fetch_error|render_error).
	RendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wagateway",
		Name:      "renders_total",
		Help:      "HTML-to-PDF render jobs by outcome.",
	}, []string{"outcome"})

	// ReconnectsTotal counts link reconnect attempts.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wagateway",
		Name:      "reconnects_total",
		Help:      "Link reconnect attempts.",
	})

	// LinkReady is 1 while the link is authenticated and usable.
	LinkReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wagateway",
		Name:      "link_ready",
		Help:      "1 while the WhatsApp link accepts sends.",
	})
)
