package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersOriginated tracks orders created by the balance detector
	OrdersOriginated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udeposit_orders_originated_total",
			Help: "Total number of orders originated by the balance detector",
		},
	)

	// StageTransitions tracks order status transitions per stage and outcome
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udeposit_stage_transitions_total",
			Help: "Total number of order status transitions",
		},
		[]string{"stage", "outcome"},
	)

	// QueueDepth tracks the main queue depth per stage
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "udeposit_queue_depth",
			Help: "Number of items waiting in each stage queue",
		},
		[]string{"stage"},
	)

	// ItemsRecovered tracks items the sweep moved back from processing
	ItemsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udeposit_items_recovered_total",
			Help: "Total number of hanging items recovered back to their queue",
		},
	)

	// LockContention tracks lock acquisitions lost to another worker
	LockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udeposit_lock_contention_total",
			Help: "Total number of lock acquisitions that found the lock held",
		},
		[]string{"stage"},
	)

	// ChainReadErrors tracks chain RPC read failures per chain
	ChainReadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udeposit_chain_read_errors_total",
			Help: "Total number of chain balance/code read failures",
		},
		[]string{"chain"},
	)

	// VerificationDuration tracks how long completed verifications polled
	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "udeposit_verification_duration_seconds",
			Help:    "Duration of completed verification polling sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)
