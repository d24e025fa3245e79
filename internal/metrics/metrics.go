// Package metrics declares the Prometheus collectors exported by eventrelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publish metrics
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_publish_total",
			Help: "Total number of publish attempts by outcome",
		},
		[]string{"topic", "outcome"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventrelay_publish_duration_seconds",
			Help:    "Duration of a single publish including broker acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	// Relay metrics
	RelayStageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_relay_messages_total",
			Help: "Total number of relayed messages by terminal stage",
		},
		[]string{"subscription", "stage"},
	)

	RelayInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventrelay_relay_in_flight",
			Help: "Messages currently being processed by the relay",
		},
		[]string{"subscription"},
	)

	RelayReceiveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_relay_receive_errors_total",
			Help: "Total number of failed receive attempts",
		},
		[]string{"subscription"},
	)

	RelayDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_relay_duplicates_total",
			Help: "Redelivered messages acknowledged without republishing",
		},
		[]string{"subscription"},
	)

	// Dead letter metrics
	DeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_dead_letter_total",
			Help: "Total number of messages written to the dead letter topic",
		},
		[]string{"reason"},
	)

	// Provisioning metrics
	ProvisionedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_provisioned_total",
			Help: "Topology objects created by the provisioner",
		},
		[]string{"kind"},
	)

	// Broker health
	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventrelay_broker_connected",
			Help: "1 if the broker client is connected, 0 otherwise",
		},
	)
)
