package main

import "github.com/prometheus/client_golang/prometheus"

var (
	openConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_open_connections",
		Help: "Current number of open websocket connections on this node",
	})
	eventsIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_events_in_total",
		Help: "Inbound client events by name",
	}, []string{"event"})
	eventsOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_events_out_total",
		Help: "Outbound server events by name",
	}, []string{"event"})
	relayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_relayed_messages_total",
		Help: "Encrypted payloads relayed between peers",
	})
	matchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_matches_total",
		Help: "Rooms created, by pairing kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(openConnections, eventsIn, eventsOut, relayedTotal, matchesTotal)
}
