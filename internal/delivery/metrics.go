package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Attempt outcomes used as metric labels.
const (
	OutcomeDone     = "done"
	OutcomeAccepted = "accepted"
	OutcomeFailed   = "failed"
)

// Recorder exposes Prometheus metrics for delivery. A nil Recorder records
// nothing.
type Recorder struct {
	attempts *prometheus.CounterVec
	results  prometheus.Counter
	givenUp  prometheus.Counter
}

// NewRecorder registers delivery metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circles_delivery_attempts_total",
			Help: "Delivery attempts of outcome wrappers by outcome",
		}, []string{"outcome"}),
		results: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circles_delivery_async_results_total",
			Help: "Async result reports that completed a wrapper",
		}),
		givenUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circles_delivery_over_total",
			Help: "Outcome wrappers given up after reaching the retry limit",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.attempts, r.results, r.givenUp)
	}
	return r
}

func (r *Recorder) attempt(outcome string) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(outcome).Inc()
}

func (r *Recorder) asyncResult() {
	if r == nil {
		return
	}
	r.results.Inc()
}

func (r *Recorder) over() {
	if r == nil {
		return
	}
	r.givenUp.Inc()
}
