package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	staleFeeRates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxbill",
		Subsystem: "reconciliation",
		Name:      "stale_fee_rates",
		Help:      "Billing profiles whose cached current rate disagrees with the fee policy in the last run.",
	})

	lapsedDeposits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxbill",
		Subsystem: "reconciliation",
		Name:      "lapsed_deposits",
		Help:      "Authorized deposits past their hold expiry in the last run.",
	})

	unprocessedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxbill",
		Subsystem: "reconciliation",
		Name:      "unprocessed_events",
		Help:      "Webhook events not processed within the grace period in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "luxbill",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "luxbill",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		staleFeeRates,
		lapsedDeposits,
		unprocessedEvents,
		runDuration,
		runErrors,
	)
}
