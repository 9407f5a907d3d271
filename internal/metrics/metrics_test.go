package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.TransactionDone("ok")
	c.Restart("keep_alive")
	c.CacheLookup("hit")
	c.BodyBytes(10)
	c.SetActiveEntries(3)
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.CacheLookup("hit")
	c.CacheLookup("hit")
	c.CacheLookup("miss")
	c.BodyBytes(42)
	c.SetActiveEntries(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.bodyBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activeEntries))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	c := NewCollector(reg)
	c.CacheDoom()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "anyfetch_cache_dooms_total 1"))
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
