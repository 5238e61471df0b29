package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus metrics collector
type Collector struct {
	GetRoutes      func() map[string][]string
	GetBufferStats func() (idle, capacity int)

	// Info metric (always 1)
	serverInfo *prometheus.Desc

	// Routing metrics
	hostsTotal      *prometheus.Desc
	backendsPerHost *prometheus.Desc

	// Session metrics
	sessionsTotal  *prometheus.Desc
	sessionsActive *prometheus.Desc
	sessionsFailed *prometheus.Desc
	bytesUp        *prometheus.Desc
	bytesDown      *prometheus.Desc
	latencySum     *prometheus.Desc
	latencyCount   *prometheus.Desc

	// Buffer pool metrics
	buffersAvailable *prometheus.Desc
	buffersCapacity  *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock      sync.RWMutex
	sessionsCount    map[string]float64 // "host\x00backend\x00outcome"
	failedCount      map[string]float64 // "host\x00reason"
	bytesUpByHost    map[string]float64
	bytesDownByHost  map[string]float64
	latencySumByHost map[string]float64
	latencyCntByHost map[string]float64
	activeByFrontend map[string]float64
}

const keySep = "\x00"

func joinKey(parts ...string) string {
	return strings.Join(parts, keySep)
}

// NewCollector creates a new metrics collector
func NewCollector(getRoutes func() map[string][]string, getBufferStats func() (idle, capacity int)) *Collector {
	return &Collector{
		GetRoutes:      getRoutes,
		GetBufferStats: getBufferStats,
		serverInfo: prometheus.NewDesc(
			"ops_lb_server_info",
			"Load balancer process info metric (always 1)",
			[]string{"node", "pod"},
			nil,
		),
		hostsTotal: prometheus.NewDesc(
			"ops_lb_hosts_total",
			"Number of virtual hosts in the routing table",
			[]string{"node", "pod"},
			nil,
		),
		backendsPerHost: prometheus.NewDesc(
			"ops_lb_host_backends",
			"Number of backend entries registered for a virtual host",
			[]string{"host", "node", "pod"},
			nil,
		),
		sessionsTotal: prometheus.NewDesc(
			"ops_lb_sessions_total",
			"Total number of finished sessions by host, backend and outcome",
			[]string{"host", "backend", "outcome", "node", "pod"},
			nil,
		),
		sessionsActive: prometheus.NewDesc(
			"ops_lb_sessions_active",
			"Number of sessions in progress per frontend",
			[]string{"frontend", "node", "pod"},
			nil,
		),
		sessionsFailed: prometheus.NewDesc(
			"ops_lb_sessions_failed_total",
			"Total number of failed sessions by host and reason",
			[]string{"host", "reason", "node", "pod"},
			nil,
		),
		bytesUp: prometheus.NewDesc(
			"ops_lb_bytes_upstream_total",
			"Total bytes relayed from clients to backends",
			[]string{"host", "node", "pod"},
			nil,
		),
		bytesDown: prometheus.NewDesc(
			"ops_lb_bytes_downstream_total",
			"Total bytes relayed from backends to clients",
			[]string{"host", "node", "pod"},
			nil,
		),
		latencySum: prometheus.NewDesc(
			"ops_lb_session_duration_seconds_sum",
			"Sum of session durations in seconds",
			[]string{"host", "node", "pod"},
			nil,
		),
		latencyCount: prometheus.NewDesc(
			"ops_lb_session_duration_seconds_count",
			"Number of sessions whose duration was observed",
			[]string{"host", "node", "pod"},
			nil,
		),
		buffersAvailable: prometheus.NewDesc(
			"ops_lb_buffers_available",
			"Relay buffers currently free in the pool",
			[]string{"node", "pod"},
			nil,
		),
		buffersCapacity: prometheus.NewDesc(
			"ops_lb_buffers_capacity",
			"Relay buffers allocated in the pool",
			[]string{"node", "pod"},
			nil,
		),
		sessionsCount:    make(map[string]float64),
		failedCount:      make(map[string]float64),
		bytesUpByHost:    make(map[string]float64),
		bytesDownByHost:  make(map[string]float64),
		latencySumByHost: make(map[string]float64),
		latencyCntByHost: make(map[string]float64),
		activeByFrontend: make(map[string]float64),
	}
}

// IncActiveSession increments the active sessions gauge for a frontend.
func (c *Collector) IncActiveSession(frontend string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.activeByFrontend[frontend]++
}

// DecActiveSession decrements the active sessions gauge for a frontend.
func (c *Collector) DecActiveSession(frontend string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if c.activeByFrontend[frontend] > 0 {
		c.activeByFrontend[frontend]--
	}
}

// RecordSession records a finished session. An empty host is reported as
// "unknown" so sessions that failed before resolution are still counted.
func (c *Collector) RecordSession(host, backend, outcome string, bytesUp, bytesDown int64, duration time.Duration) {
	if host == "" {
		host = "unknown"
	}
	if backend == "" {
		backend = "none"
	}

	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.sessionsCount[joinKey(host, backend, outcome)]++
	c.bytesUpByHost[host] += float64(bytesUp)
	c.bytesDownByHost[host] += float64(bytesDown)
	c.latencySumByHost[host] += duration.Seconds()
	c.latencyCntByHost[host]++
	if outcome != "ok" {
		c.failedCount[joinKey(host, outcome)]++
	}
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serverInfo
	ch <- c.hostsTotal
	ch <- c.backendsPerHost
	ch <- c.sessionsTotal
	ch <- c.sessionsActive
	ch <- c.sessionsFailed
	ch <- c.bytesUp
	ch <- c.bytesDown
	ch <- c.latencySum
	ch <- c.latencyCount
	ch <- c.buffersAvailable
	ch <- c.buffersCapacity
}

func nodeAndPod() (string, string) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}
	return nodeName, podName
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName, podName := nodeAndPod()

	ch <- prometheus.MustNewConstMetric(
		c.serverInfo,
		prometheus.GaugeValue,
		1,
		nodeName, podName,
	)

	if c.GetRoutes != nil {
		routes := c.GetRoutes()
		ch <- prometheus.MustNewConstMetric(
			c.hostsTotal,
			prometheus.GaugeValue,
			float64(len(routes)),
			nodeName, podName,
		)
		for host, backends := range routes {
			ch <- prometheus.MustNewConstMetric(
				c.backendsPerHost,
				prometheus.GaugeValue,
				float64(len(backends)),
				host, nodeName, podName,
			)
		}
	}

	if c.GetBufferStats != nil {
		idle, capacity := c.GetBufferStats()
		ch <- prometheus.MustNewConstMetric(
			c.buffersAvailable,
			prometheus.GaugeValue,
			float64(idle),
			nodeName, podName,
		)
		ch <- prometheus.MustNewConstMetric(
			c.buffersCapacity,
			prometheus.GaugeValue,
			float64(capacity),
			nodeName, podName,
		)
	}

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for key, value := range c.sessionsCount {
		parts := strings.Split(key, keySep)
		if len(parts) == 3 {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsTotal,
				prometheus.CounterValue,
				value,
				parts[0], parts[1], parts[2], nodeName, podName,
			)
		}
	}

	for frontend, value := range c.activeByFrontend {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsActive,
			prometheus.GaugeValue,
			value,
			frontend, nodeName, podName,
		)
	}

	for key, value := range c.failedCount {
		parts := strings.Split(key, keySep)
		if len(parts) == 2 {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsFailed,
				prometheus.CounterValue,
				value,
				parts[0], parts[1], nodeName, podName,
			)
		}
	}

	for host, value := range c.bytesUpByHost {
		ch <- prometheus.MustNewConstMetric(
			c.bytesUp,
			prometheus.CounterValue,
			value,
			host, nodeName, podName,
		)
	}

	for host, value := range c.bytesDownByHost {
		ch <- prometheus.MustNewConstMetric(
			c.bytesDown,
			prometheus.CounterValue,
			value,
			host, nodeName, podName,
		)
	}

	for host, sum := range c.latencySumByHost {
		ch <- prometheus.MustNewConstMetric(
			c.latencySum,
			prometheus.CounterValue,
			sum,
			host, nodeName, podName,
		)
		ch <- prometheus.MustNewConstMetric(
			c.latencyCount,
			prometheus.CounterValue,
			c.latencyCntByHost[host],
			host, nodeName, podName,
		)
	}
}
