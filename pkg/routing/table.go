package routing

import (
	"net"
	"sort"
	"strings"

	"github.com/ops-lb/pkg/proxyerr"
)

// Table maps a virtual host to the ordered list of backends registered for it.
// It is filled during configuration and only read once a server is running,
// so lookups take no lock.
type Table struct {
	pools map[string][]string
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{pools: make(map[string][]string)}
}

// Add appends backend to the pool of host, creating the entry if absent.
// Duplicates are kept: a backend listed twice receives twice the share.
func (t *Table) Add(host, backend string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "empty virtual host for backend %q", backend)
	}
	h, p, err := net.SplitHostPort(backend)
	if err != nil || h == "" || !isPortNumber(p) {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "backend %q for host %q is not host:port", backend, host)
	}
	t.pools[host] = append(t.pools[host], backend)
	return nil
}

// Lookup returns the backends for host in registration order.
func (t *Table) Lookup(host string) ([]string, error) {
	backends := t.pools[host]
	if len(backends) == 0 {
		return nil, proxyerr.Errorf(proxyerr.ErrNoBackendForHost, "host=%q", host)
	}
	return backends, nil
}

// Hosts returns the registered virtual hosts, sorted.
func (t *Table) Hosts() []string {
	hosts := make([]string, 0, len(t.pools))
	for h := range t.pools {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Len returns the number of registered virtual hosts.
func (t *Table) Len() int {
	return len(t.pools)
}

// Snapshot returns a copy of the table contents.
func (t *Table) Snapshot() map[string][]string {
	out := make(map[string][]string, len(t.pools))
	for h, b := range t.pools {
		out[h] = append([]string(nil), b...)
	}
	return out
}
