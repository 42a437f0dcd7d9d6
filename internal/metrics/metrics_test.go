package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveProvider("rental", "get_status", "ok", 0.1)
		m.Order("completed")
		m.Deposit("credited")
		m.Ledger("credit", "ok")
		m.Queue(1, 1)
		m.Evicted(2)
		m.Discrepancy("rental", "cancel")
		m.Error("order")
		m.ChatIn("buy")
		m.ChatOut("text")
	})
}

func TestRegistryIsSingleton(t *testing.T) {
	m := Registry("bot_otp_test")
	assert.Same(t, m, Registry("other"))

	m.Order("refunded_timeout")
	m.Order("refunded_timeout")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Orders.WithLabelValues("refunded_timeout")))

	m.Queue(4, 2)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.QueueRunning))
}
