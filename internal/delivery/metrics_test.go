package delivery

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.attempt(OutcomeFailed)
	r.attempt(OutcomeFailed)
	r.attempt(OutcomeDone)
	r.over()

	assert.Equal(t, 2.0, promtest.ToFloat64(r.attempts.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.attempts.WithLabelValues(OutcomeDone)))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.givenUp))

	n, err := promtest.GatherAndCount(reg, "circles_delivery_over_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.attempt(OutcomeDone)
		r.asyncResult()
		r.over()
	})
}
