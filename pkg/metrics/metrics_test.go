package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	products := m.ForIndex("products")
	orders := m.ForIndex("orders")

	products.Sync(ResultCopied)
	products.Sync(ResultCopied)
	products.Sync(ResultInSync)
	orders.Sync(ResultFailed)
	products.SkippedTick()
	products.Copy(1024, time.Second)
	products.Copy(512, 2*time.Second)
	products.Generation(2)
	orders.Generation(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncs.WithLabelValues("products", ResultCopied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncs.WithLabelValues("products", ResultInSync)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncs.WithLabelValues("orders", ResultFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.syncs.WithLabelValues("orders", ResultCopied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skippedTicks.WithLabelValues("products")))
	assert.Equal(t, 1536.0, testutil.ToFloat64(m.copiedBytes.WithLabelValues("products")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.generation.WithLabelValues("products")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generation.WithLabelValues("orders")))

	count, err := testutil.GatherAndCount(reg, "replica_copy_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	im := m.ForIndex("products")
	assert.Nil(t, im)

	// None of these should panic.
	im.Sync(ResultCopied)
	im.SkippedTick()
	im.Copy(1, time.Second)
	im.Generation(1)
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
