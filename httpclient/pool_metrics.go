package httpclient

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Pool Stats Types
// =============================================================================

// PoolStats is a snapshot of the connection pool: its limits and the
// connections it currently tracks.
//
// Example usage:
//
//	stats := client.PoolStats()
//	fmt.Printf("open: %d idle: %d\n", stats.TotalConnections, stats.IdleConnections)
//	for key, h := range stats.Hosts {
//	    fmt.Printf("%s active=%d\n", key, h.ActiveConnections)
//	}
type PoolStats struct {
	// MaxConnections is the cap on open connections across all hosts.
	// Zero means unlimited.
	MaxConnections int

	// MaxConnectionsPerHost is the cap on open connections per pool key.
	// Zero means unlimited.
	MaxConnectionsPerHost int

	// IdleTimeout is how long an idle connection stays pooled.
	IdleTimeout time.Duration

	// TotalConnections counts idle and in-use connections.
	TotalConnections int

	// IdleConnections counts pooled connections waiting for reuse.
	IdleConnections int

	// ActiveConnections counts connections serving a request.
	ActiveConnections int

	// Exhausted counts new connections refused because a cap was reached.
	Exhausted int64

	// Hosts breaks the counts down by pool key.
	Hosts map[string]HostStats

	// Latency holds the recent time to response per "host:port".
	Latency map[string]LatencyStats
}

// HostStats are the connection counts of one pool key.
type HostStats struct {
	TotalConnections  int
	IdleConnections   int
	ActiveConnections int
}

func (p *connectionPool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		MaxConnections:        max(p.cfg.maxConnections, 0),
		MaxConnectionsPerHost: max(p.cfg.maxConnectionsPerHost, 0),
		IdleTimeout:           p.cfg.idleTimeout,
		TotalConnections:      p.total,
		Exhausted:             p.exhausted,
		Hosts:                 make(map[string]HostStats, len(p.open)),
	}
	for key, n := range p.open {
		idle := len(p.idle[key])
		s.IdleConnections += idle
		s.Hosts[key.String()] = HostStats{
			TotalConnections:  n,
			IdleConnections:   idle,
			ActiveConnections: n - idle,
		}
	}
	s.ActiveConnections = s.TotalConnections - s.IdleConnections
	return s
}

// =============================================================================
// Client Methods
// =============================================================================

// PoolStats returns a snapshot of the client's connection pool.
func (c *Client) PoolStats() PoolStats {
	s := c.pool.stats()
	s.Latency = c.latency.snapshot()
	return s
}

// =============================================================================
// Prometheus Export
// =============================================================================

// PoolCollector exports the pool gauges of a Client to Prometheus.
//
// Example:
//
//	prometheus.MustRegister(httpclient.NewPoolCollector(client, "payments"))
type PoolCollector struct {
	client *Client

	total     *prometheus.Desc
	idle      *prometheus.Desc
	active    *prometheus.Desc
	exhausted *prometheus.Desc
	hostOpen  *prometheus.Desc
	latency   *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector returns a collector for client. name is exported as the
// "client" label.
func NewPoolCollector(client *Client, name string) *PoolCollector {
	labels := prometheus.Labels{"client": name}
	return &PoolCollector{
		client: client,
		total: prometheus.NewDesc(
			"http_client_pool_connections",
			"Open connections, idle and in use.",
			nil, labels,
		),
		idle: prometheus.NewDesc(
			"http_client_pool_idle_connections",
			"Pooled connections waiting for reuse.",
			nil, labels,
		),
		active: prometheus.NewDesc(
			"http_client_pool_active_connections",
			"Connections serving a request.",
			nil, labels,
		),
		exhausted: prometheus.NewDesc(
			"http_client_pool_exhausted_total",
			"New connections refused because a pool cap was reached.",
			nil, labels,
		),
		hostOpen: prometheus.NewDesc(
			"http_client_pool_host_connections",
			"Open connections per pool key.",
			[]string{"pool_key"}, labels,
		),
		latency: prometheus.NewDesc(
			"http_client_host_response_seconds",
			"Recent time to response head per host.",
			[]string{"host", "quantile"}, labels,
		),
	}
}

// Describe implements prometheus.Collector.
func (pc *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.total
	ch <- pc.idle
	ch <- pc.active
	ch <- pc.exhausted
	ch <- pc.hostOpen
	ch <- pc.latency
}

// Collect implements prometheus.Collector.
func (pc *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := pc.client.PoolStats()

	ch <- prometheus.MustNewConstMetric(pc.total, prometheus.GaugeValue, float64(s.TotalConnections))
	ch <- prometheus.MustNewConstMetric(pc.idle, prometheus.GaugeValue, float64(s.IdleConnections))
	ch <- prometheus.MustNewConstMetric(pc.active, prometheus.GaugeValue, float64(s.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(pc.exhausted, prometheus.CounterValue, float64(s.Exhausted))

	keys := make([]string, 0, len(s.Hosts))
	for k := range s.Hosts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ch <- prometheus.MustNewConstMetric(
			pc.hostOpen, prometheus.GaugeValue, float64(s.Hosts[k].TotalConnections), k,
		)
	}

	hosts := make([]string, 0, len(s.Latency))
	for h, ls := range s.Latency {
		if ls.P50 > 0 {
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	for _, h := range hosts {
		ls := s.Latency[h]
		for _, q := range []struct {
			label string
			value time.Duration
		}{{"0.5", ls.P50}, {"0.95", ls.P95}, {"0.99", ls.P99}} {
			ch <- prometheus.MustNewConstMetric(
				pc.latency, prometheus.GaugeValue, q.value.Seconds(), h, q.label,
			)
		}
	}
}
