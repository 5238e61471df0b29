package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	return NewCollector(
		func() map[string][]string {
			return map[string][]string{
				"a.example": {"127.0.0.1:9000", "127.0.0.1:9001"},
				"b.example": {"127.0.0.1:9002"},
			}
		},
		func() (int, int) { return 3, 4 },
	)
}

func TestCollector_Gauges(t *testing.T) {
	t.Setenv("NODE_NAME", "node-1")
	t.Setenv("POD_NAME", "lb-0")
	c := newTestCollector()

	expected := `
# HELP ops_lb_buffers_available Relay buffers currently free in the pool
# TYPE ops_lb_buffers_available gauge
ops_lb_buffers_available{node="node-1",pod="lb-0"} 3
# HELP ops_lb_buffers_capacity Relay buffers allocated in the pool
# TYPE ops_lb_buffers_capacity gauge
ops_lb_buffers_capacity{node="node-1",pod="lb-0"} 4
# HELP ops_lb_host_backends Number of backend entries registered for a virtual host
# TYPE ops_lb_host_backends gauge
ops_lb_host_backends{host="a.example",node="node-1",pod="lb-0"} 2
ops_lb_host_backends{host="b.example",node="node-1",pod="lb-0"} 1
# HELP ops_lb_hosts_total Number of virtual hosts in the routing table
# TYPE ops_lb_hosts_total gauge
ops_lb_hosts_total{node="node-1",pod="lb-0"} 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"ops_lb_buffers_available", "ops_lb_buffers_capacity", "ops_lb_host_backends", "ops_lb_hosts_total"))
}

func TestCollector_RecordSession(t *testing.T) {
	t.Setenv("NODE_NAME", "node-1")
	t.Setenv("POD_NAME", "lb-0")
	c := newTestCollector()

	c.RecordSession("a.example", "127.0.0.1:9000", "ok", 100, 2000, time.Second)
	c.RecordSession("a.example", "127.0.0.1:9000", "ok", 50, 10, time.Second)
	c.RecordSession("", "", "HostNotFound", 10, 0, 0)

	expected := `
# HELP ops_lb_sessions_failed_total Total number of failed sessions by host and reason
# TYPE ops_lb_sessions_failed_total counter
ops_lb_sessions_failed_total{host="unknown",node="node-1",pod="lb-0",reason="HostNotFound"} 1
# HELP ops_lb_sessions_total Total number of finished sessions by host, backend and outcome
# TYPE ops_lb_sessions_total counter
ops_lb_sessions_total{backend="127.0.0.1:9000",host="a.example",node="node-1",outcome="ok",pod="lb-0"} 2
ops_lb_sessions_total{backend="none",host="unknown",node="node-1",outcome="HostNotFound",pod="lb-0"} 1
# HELP ops_lb_bytes_downstream_total Total bytes relayed from backends to clients
# TYPE ops_lb_bytes_downstream_total counter
ops_lb_bytes_downstream_total{host="a.example",node="node-1",pod="lb-0"} 2010
ops_lb_bytes_downstream_total{host="unknown",node="node-1",pod="lb-0"} 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"ops_lb_sessions_failed_total", "ops_lb_sessions_total", "ops_lb_bytes_downstream_total"))
}

func TestCollector_ActiveSessions(t *testing.T) {
	c := newTestCollector()
	c.IncActiveSession(":8080")
	c.IncActiveSession(":8080")
	c.DecActiveSession(":8080")
	c.DecActiveSession(":8443") // never goes negative

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	var got map[string]float64
	for _, mf := range families {
		if mf.GetName() != "ops_lb_sessions_active" {
			continue
		}
		got = make(map[string]float64)
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "frontend" {
					got[l.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{":8080": 1}, got)
}
