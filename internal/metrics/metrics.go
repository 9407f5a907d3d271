// Package metrics exposes prometheus counters for the network and cache
// layers. A nil *Collector is valid and records nothing, so components can be
// built without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "anyfetch"

// Collector groups every metric of the process.
type Collector struct {
	transactions  *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	proxyFallback prometheus.Counter
	socketsReused prometheus.Counter
	bodyBytes     prometheus.Counter

	cacheLookups  *prometheus.CounterVec
	cacheDooms    prometheus.Counter
	pendingWaits  prometheus.Counter
	activeEntries prometheus.Gauge
}

// NewRegistry creates a registry preloaded with process and Go runtime
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Handler serves reg in the prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NewCollector registers all metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "transactions_total",
			Help:      "Network transactions by final outcome.",
		}, []string{"outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "restarts_total",
			Help:      "Transparent transaction restarts by reason.",
		}, []string{"reason"}),
		proxyFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "proxy_fallbacks_total",
			Help:      "Times a failing proxy was abandoned for the next candidate.",
		}),
		socketsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "sockets_reused_total",
			Help:      "Requests sent on an idle keep-alive socket.",
		}),
		bodyBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "body_bytes_total",
			Help:      "Response body bytes read from the network.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache admissions by result.",
		}, []string{"result"}),
		cacheDooms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "dooms_total",
			Help:      "Entries doomed.",
		}),
		pendingWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "pending_waits_total",
			Help:      "Transactions queued behind another user of the same entry.",
		}),
		activeEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "active_entries",
			Help:      "Entries currently in use by at least one transaction.",
		}),
	}
	reg.MustRegister(
		c.transactions, c.restarts, c.proxyFallback, c.socketsReused, c.bodyBytes,
		c.cacheLookups, c.cacheDooms, c.pendingWaits, c.activeEntries,
	)
	return c
}

// TransactionDone counts a finished network transaction; outcome is "ok" or
// an error code.
func (c *Collector) TransactionDone(outcome string) {
	if c == nil {
		return
	}
	c.transactions.WithLabelValues(outcome).Inc()
}

// Restart counts a transparent restart.
func (c *Collector) Restart(reason string) {
	if c == nil {
		return
	}
	c.restarts.WithLabelValues(reason).Inc()
}

// ProxyFallback counts a proxy reconsideration that found another candidate.
func (c *Collector) ProxyFallback() {
	if c == nil {
		return
	}
	c.proxyFallback.Inc()
}

// SocketReused counts a request sent over a pooled socket.
func (c *Collector) SocketReused() {
	if c == nil {
		return
	}
	c.socketsReused.Inc()
}

// BodyBytes adds n body bytes.
func (c *Collector) BodyBytes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bodyBytes.Add(float64(n))
}

// CacheLookup counts an admission result such as "hit", "miss", "validate".
func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// CacheDoom counts a doomed entry.
func (c *Collector) CacheDoom() {
	if c == nil {
		return
	}
	c.cacheDooms.Inc()
}

// PendingWait counts a transaction parked in a pending queue.
func (c *Collector) PendingWait() {
	if c == nil {
		return
	}
	c.pendingWaits.Inc()
}

// SetActiveEntries records the size of the active entry table.
func (c *Collector) SetActiveEntries(n int) {
	if c == nil {
		return
	}
	c.activeEntries.Set(float64(n))
}
