// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "freightflow"

var (
	OfferAccepts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offer",
			Name:      "accept_attempts_total",
			Help:      "Offer accept attempts by outcome",
		},
		[]string{"outcome"},
	)

	OffersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offer",
			Name:      "created_total",
			Help:      "Offers persisted by kind",
		},
		[]string{"kind"},
	)

	SweepResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "results_total",
			Help:      "Sweeper actions by job and result",
		},
		[]string{"job", "result"},
	)

	SettlementEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "events_total",
			Help:      "Processor events handled by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ProcessorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "processor_calls_total",
			Help:      "Payment processor calls by operation and result",
		},
		[]string{"op", "result"},
	)

	PayoutsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "payouts_created_total",
			Help:      "Payout records created by recipient role",
		},
		[]string{"role"},
	)
)
