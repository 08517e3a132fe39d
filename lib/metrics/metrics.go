// Package metrics declares the Prometheus collectors exported by the custody services at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "custody"

// Collectors.
var (
	WalletsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wallets_created_total",
		Help:      "Wallets created.",
	})
	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Send requests by result (broadcast, rejected, failed).",
	}, []string{"result"})
	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "confirmations_total",
		Help:      "Transactions moved to a terminal status by the confirmation watcher.",
	}, []string{"status"})
	Watching = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watchers_running",
		Help:      "Broadcast transactions waiting for a confirmation.",
	})
	Reconciled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciled_transactions_total",
		Help:      "Incoming transactions inserted by the reconciler.",
	})
	ReconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_errors_total",
		Help:      "Reconciliation passes that failed.",
	})
	BalanceCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "balance_cache_total",
		Help:      "Balance cache lookups by outcome (hit, miss, error).",
	}, []string{"outcome"})
)

// Send results.
const (
	SendBroadcast = "broadcast"
	SendRejected  = "rejected"
	SendFailed    = "failed"
)

// Cache outcomes.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)
