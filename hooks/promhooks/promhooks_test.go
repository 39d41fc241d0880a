package promhooks

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersTrackEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(reg, "test")

	h.CacheHit("users")
	h.CacheHit("users")
	h.CacheMiss("users")
	h.LockDenied("users", "k")
	h.QueueFlushed("users", 3, "rollback")
	h.FlushCommitted(2, 1, 0)
	h.FlushRolledBack(errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(h.CacheHitsTotal.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.CacheMissesTotal.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.LockDeniedTotal.WithLabelValues("users")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.QueueEvictionsTotal.WithLabelValues("users", "rollback")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.FlushedRowsTotal.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.FlushesTotal.WithLabelValues("commit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.FlushesTotal.WithLabelValues("rollback")))
}
