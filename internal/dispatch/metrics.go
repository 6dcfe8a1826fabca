package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Roles of a node for one applied event.
const (
	RoleMaster   = "master"
	RoleFollower = "follower"
)

// Recorder counts applied and rejected events. A nil *Recorder records
// nothing.
type Recorder struct {
	applied  *prometheus.CounterVec
	rejected *prometheus.CounterVec
	finals   prometheus.Counter
}

// NewRecorder creates the dispatch metrics and registers them with reg when
// reg is not nil.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circles_events_applied_total",
			Help: "Events applied on this node.",
		}, []string{"kind", "role"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circles_events_rejected_total",
			Help: "Events rejected by verify or manage.",
		}, []string{"kind", "code"}),
		finals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circles_events_finalized_total",
			Help: "Result steps run on this node as master.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.applied, r.rejected, r.finals)
	}
	return r
}

func (r *Recorder) apply(kind, role string) {
	if r == nil {
		return
	}
	r.applied.WithLabelValues(kind, role).Inc()
}

func (r *Recorder) reject(kind, code string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(kind, code).Inc()
}

func (r *Recorder) finalize() {
	if r == nil {
		return
	}
	r.finals.Inc()
}
