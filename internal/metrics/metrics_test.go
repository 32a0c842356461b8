package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	require.NotNil(t, c)

	c.RecordTrigger()
	c.RecordDelivery("sms", "sent")
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Panics(t, func() { NewCollector(reg) }, "double registration must panic")
}

func TestSchedulerMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordTrigger()
	c.RecordTrigger()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.triggers))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.inFlight))

	c.RecordResult("success", 0.2)
	c.RecordResult("timeout", 30)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.results.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.results.WithLabelValues("timeout")))

	c.RecordConflict()
	c.RecordPersistFailure()
	c.SetQueued(7)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistFailures))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.queued))
}

func TestDeliveryMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordDelivery("email", "retry")
	c.RecordDelivery("email", "retry")
	c.RecordDelivery("email", "failed")
	c.RecordNotification("partially_sent")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.deliveries.WithLabelValues("email", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveries.WithLabelValues("email", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("partially_sent")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTrigger()
		c.RecordResult("success", 1)
		c.RecordConflict()
		c.RecordPersistFailure()
		c.SetQueued(1)
		c.RecordDelivery("sse", "sent")
		c.RecordNotification("sent")
	})
}
