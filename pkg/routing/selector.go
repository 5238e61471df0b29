package routing

import (
	"sync/atomic"

	"github.com/ops-lb/pkg/proxyerr"
)

// Selector picks one backend for a resolved virtual host.
type Selector interface {
	Select(host string) (string, error)
	Name() string
}

// RoundRobin cycles through each host's backends in registration order.
// Every host owns its own cursor, so hosts balance independently.
//
// Cursors are allocated at construction from the table, which must not change
// afterwards. Selection never looks at backend health.
type RoundRobin struct {
	table   *Table
	cursors map[string]*atomic.Uint64
}

var _ Selector = (*RoundRobin)(nil)

// NewRoundRobin creates a round-robin selector over table.
func NewRoundRobin(table *Table) *RoundRobin {
	cursors := make(map[string]*atomic.Uint64, table.Len())
	for _, host := range table.Hosts() {
		cursors[host] = new(atomic.Uint64)
	}
	return &RoundRobin{table: table, cursors: cursors}
}

// Select returns the next backend for host. Concurrent callers each take a
// distinct rotation slot; two sessions may still land on the same backend
// when the pool is smaller than the number of callers.
func (r *RoundRobin) Select(host string) (string, error) {
	backends, err := r.table.Lookup(host)
	if err != nil {
		return "", err
	}
	cursor, ok := r.cursors[host]
	if !ok {
		return "", proxyerr.Errorf(proxyerr.ErrNoBackendForHost, "host=%q has no rotation state", host)
	}
	if len(backends) == 1 {
		return backends[0], nil
	}

	n := cursor.Add(1) - 1
	return backends[n%uint64(len(backends))], nil
}

// Name returns the policy name.
func (r *RoundRobin) Name() string {
	return "round-robin"
}
