package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_CountersStartAtZero(t *testing.T) {
	m := New("C")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EventsEmitted))

	m.EventsEmitted.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsEmitted))
}

func TestNew_GaugesAreSettable(t *testing.T) {
	m := New("C")
	m.PipeSubscribers.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.PipeSubscribers))
}
