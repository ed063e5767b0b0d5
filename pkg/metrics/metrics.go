// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcilePasses counts completed reconciliation passes.
	ReconcilePasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "reconcile",
		Name:      "passes_total",
		Help:      "Completed reconciliation passes.",
	})
	// ReconcileAdopted counts orphaned containers adopted into the store.
	ReconcileAdopted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "reconcile",
		Name:      "adopted_total",
		Help:      "Orphaned running containers adopted into the instance table.",
	})
	// ReconcileDemoted counts records demoted because their container vanished.
	ReconcileDemoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "reconcile",
		Name:      "demoted_total",
		Help:      "Instance records marked stopped after their container vanished.",
	})
	// ReconcileEvicted counts stale terminal records removed.
	ReconcileEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "reconcile",
		Name:      "evicted_total",
		Help:      "Terminal instance records evicted after the retention window.",
	})

	// GatewaySplices counts upgrade requests spliced to an instance.
	GatewaySplices = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "gateway",
		Name:      "splices_total",
		Help:      "Upgrade requests spliced through to an instance control port.",
	})
	// GatewayRejects counts upgrade requests reset without a response.
	GatewayRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "gateway",
		Name:      "rejects_total",
		Help:      "Upgrade requests reset because no routable instance matched.",
	})
)
