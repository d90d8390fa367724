package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters exported on the admin server /metrics endpoint.
type Metrics struct {
	TakesProcessed    *prometheus.CounterVec // result: ready|failed|redelivered
	HDDeliveries      *prometheus.CounterVec // result: delivered|failed
	LedgerOps         *prometheus.CounterVec // op, outcome: applied|duplicate|rejected
	Compensations     prometheus.Counter
	ReferralsSettled  prometheus.Counter
	SessionsAbandoned prometheus.Counter
}

var (
	global *Metrics
	mu     sync.Mutex
)

// New builds and registers the metric set. Safe to call more than once; the
// same instance is returned after the first call.
func New() *Metrics {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return global
	}

	m := &Metrics{
		TakesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photoset_takes_processed_total",
			Help: "Take generation tasks by terminal result",
		}, []string{"result"}),
		HDDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photoset_hd_deliveries_total",
			Help: "HD delivery tasks by result",
		}, []string{"result"}),
		LedgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photoset_ledger_operations_total",
			Help: "Ledger operations by op and outcome",
		}, []string{"op", "outcome"}),
		Compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photoset_compensations_total",
			Help: "Compensations actually issued",
		}),
		ReferralsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photoset_referral_bonuses_settled_total",
			Help: "Referral bonuses moved from pending to available",
		}),
		SessionsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photoset_sessions_abandoned_total",
			Help: "Sessions abandoned by the stale-session reaper",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.TakesProcessed, m.HDDeliveries, m.LedgerOps,
		m.Compensations, m.ReferralsSettled, m.SessionsAbandoned,
	} {
		registerOrGet(c)
	}

	global = m
	return m
}

func registerOrGet(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return
		}
	}
}
