package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Outcome("started")
	m.Outcome("started")
	m.Event("message_new", "ok")
	m.Send("text", nil)
	m.Send("attachment", errors.New("boom"))
	m.Failure("handle")
	m.Attachment("ticket", 20*time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("message_new", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("attachment", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("handle")))

	n, err := testutil.GatherAndCount(reg, "regbot_attachment_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Outcome("answer")
		m.Event("message_new", "ok")
		m.Send("text", nil)
		m.Attachment("ticket", time.Second, nil)
		m.Failure("deliver")
	})
}
