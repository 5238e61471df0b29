package server

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ops-lb/pkg/bufpool"
	"github.com/ops-lb/pkg/config"
	"github.com/ops-lb/pkg/history"
	"github.com/ops-lb/pkg/metrics"
	"github.com/ops-lb/pkg/proxy"
	"github.com/ops-lb/pkg/routing"
)

// ProxyServer proxy server
type ProxyServer struct {
	cfg       *config.Config
	timeouts  config.Timeouts
	selector  routing.Selector
	extractor *proxy.HostExtractor
	buffers   *bufpool.Pool
	history   *history.Log
	tlsConfig *tls.Config

	registry  *prometheus.Registry
	collector *metrics.Collector

	// accept EOF log throttling (to avoid flooding debug logs)
	acceptEOFLock       sync.Mutex
	acceptEOFLastLogAt  time.Time
	acceptEOFSuppressed int
}

// State is the phase a session is in.
type State int

const (
	StateAccepted State = iota
	StateTLSHandshaking
	StateHostResolving
	StateBackendDialing
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "Accepted"
	case StateTLSHandshaking:
		return "TLSHandshaking"
	case StateHostResolving:
		return "HostResolving"
	case StateBackendDialing:
		return "BackendDialing"
	case StateRelaying:
		return "Relaying"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// Session is one accepted client connection. It is owned by the goroutine
// serving it and turned into a history record when it closes.
type Session struct {
	ID         string
	Frontend   string
	ClientAddr string
	Host       string
	Backend    string
	Start      time.Time
	State      State
	BytesUp    int64
	BytesDown  int64
	Err        error

	// quiet suppresses the per-session log line for connections that closed
	// without sending anything.
	quiet bool
}
