package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/ops-lb/pkg/proxy"
	"github.com/ops-lb/pkg/proxyerr"
	"github.com/ops-lb/pkg/routing"
)

// Frontend is one listening address.
type Frontend struct {
	Addr string // host:port
	TLS  bool
	// Backlog caps the number of connections served at once; 0 means no cap.
	Backlog int
	// ProxyProtocol strips a HAProxy PROXY v1/v2 header before anything else.
	ProxyProtocol bool
}

// Timeouts bounds every blocking phase of a session.
type Timeouts struct {
	Dial       time.Duration // backend connect
	Handshake  time.Duration // server-side TLS handshake
	HeaderRead time.Duration // reading the request head for host extraction
	Idle       time.Duration // no bytes in either direction
	BufferWait time.Duration // waiting for a free relay buffer
	Shutdown   time.Duration // draining in-flight sessions on stop
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Dial:       30 * time.Second,
		Handshake:  10 * time.Second,
		HeaderRead: 30 * time.Second,
		Idle:       120 * time.Second,
		BufferWait: 5 * time.Second,
		Shutdown:   30 * time.Second,
	}
}

// Config is the engine configuration. It is built once, then frozen when a
// server is created from it; setters fail after that.
type Config struct {
	mu     sync.Mutex
	frozen bool

	countBuf      int
	sizeBuf       int
	frontends     []Frontend
	routes        *routing.Table
	hostPattern   *regexp.Regexp
	maxHeaderSize int
	timeouts      Timeouts
	identity      *tls.Certificate
}

// New returns a configuration with default buffer sizing, host pattern and
// timeouts, and no frontends or backends.
func New() *Config {
	return &Config{
		countBuf:      512,
		sizeBuf:       1024,
		routes:        routing.NewTable(),
		hostPattern:   regexp.MustCompile(proxy.DefaultHostPattern),
		maxHeaderSize: proxy.DefaultMaxHeaderSize,
		timeouts:      DefaultTimeouts(),
	}
}

func (c *Config) checkMutable() error {
	if c.frozen {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "configuration is frozen once a server has started")
	}
	return nil
}

// SetCountBuf sets how many relay buffers the pool holds.
func (c *Config) SetCountBuf(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMutable(); err != nil {
		return err
	}
	if n <= 0 {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "buffer count must be positive, got %d", n)
	}
	c.countBuf = n
	return nil
}

// SetSizeBuf sets the size in bytes of every relay buffer.
func (c *Config) SetSizeBuf(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMutable(); err != nil {
		return err
	}
	if n <= 0 {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "buffer size must be positive, got %d", n)
	}
	c.sizeBuf = n
	return nil
}

// AddFrontend registers a listening address. Call it once per listener.
func (c *Config) AddFrontend(fe Frontend) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMutable(); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(fe.Addr); err != nil {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "frontend address %q: %v", fe.Addr, err)
	}
	if fe.Backlog < 0 {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "frontend %s backlog must not be negative", fe.Addr)
	}
	c.frontends = append(c.frontends, fe)
	return nil
}

// AddBackend appends backend to the pool of host, creating the entry if absent.
// A bare port or a bare hostname is normalized to host:port; an empty or
// malformed address is rejected.
func (c *Config) AddBackend(host, backend string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMutable(); err != nil {
		return err
	}
	addr, err := routing.NormalizeBackendAddr(backend, "127.0.0.1")
	if err != nil {
		return proxyerr.Wrap(proxyerr.ErrInvalidConfiguration, fmt.Errorf("host %q: %w", host, err))
	}
	return c.routes.Add(host, addr)
}

// SetHostPattern sets the pattern whose single capturing group yields the host.
func (c *Config) SetHostPattern(pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMutable(); err != nil {
		return err
	}
	re, err := proxy.CompileHostPattern(pattern)
	if err != nil {
		return err
	}
	c.hostPattern = re
	return nil
}

// SetMaxHeaderSize bounds how many bytes are read while looking for the host.
func (c *Config) SetMaxHeaderSize(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMutable(); err != nil {
		return err
	}
	if n <= 0 {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "max header size must be positive, got %d", n)
	}
	c.maxHeaderSize = n
	return nil
}

// SetTimeouts replaces the timeouts. Zero fields keep their current value.
func (c *Config) SetTimeouts(t Timeouts) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMutable(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"dial": t.Dial, "handshake": t.Handshake, "header_read": t.HeaderRead,
		"idle": t.Idle, "buffer_wait": t.BufferWait, "shutdown": t.Shutdown,
	} {
		if d < 0 {
			return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "%s timeout must not be negative", name)
		}
	}
	merge := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	merge(&c.timeouts.Dial, t.Dial)
	merge(&c.timeouts.Handshake, t.Handshake)
	merge(&c.timeouts.HeaderRead, t.HeaderRead)
	merge(&c.timeouts.Idle, t.Idle)
	merge(&c.timeouts.BufferWait, t.BufferWait)
	merge(&c.timeouts.Shutdown, t.Shutdown)
	return nil
}

// SetTLSIdentity sets the certificate presented by TLS frontends. A leaf
// certificate outside its validity window is rejected.
func (c *Config) SetTLSIdentity(cert tls.Certificate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMutable(); err != nil {
		return err
	}
	if len(cert.Certificate) == 0 {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "TLS identity has an empty certificate chain")
	}
	leaf := cert.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return proxyerr.Wrap(proxyerr.ErrInvalidConfiguration, fmt.Errorf("parse TLS identity: %w", err))
		}
		leaf = parsed
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "TLS identity not valid before %s", leaf.NotBefore.Format(time.RFC3339))
	}
	if now.After(leaf.NotAfter) {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "TLS identity expired on %s", leaf.NotAfter.Format(time.RFC3339))
	}
	cert.Leaf = leaf
	c.identity = &cert
	return nil
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validate()
}

func (c *Config) validate() error {
	if len(c.frontends) == 0 {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "no frontend configured")
	}
	if c.routes.Len() == 0 {
		return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "no backend configured")
	}
	for _, fe := range c.frontends {
		if fe.TLS && c.identity == nil {
			return proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "frontend %s has TLS enabled but no identity is set", fe.Addr)
		}
	}
	return nil
}

// Freeze validates the configuration and makes it read-only.
func (c *Config) Freeze() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.validate(); err != nil {
		return err
	}
	c.frozen = true
	return nil
}

// Frozen reports whether Freeze has succeeded.
func (c *Config) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// Frontends returns the registered frontends for the listener layer to bind.
func (c *Config) Frontends() []Frontend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frontend(nil), c.frontends...)
}

// Routes returns the routing table. Callers must not modify it.
func (c *Config) Routes() *routing.Table { return c.routes }

// CountBuf returns the buffer pool size.
func (c *Config) CountBuf() int { return c.countBuf }

// SizeBuf returns the size of one buffer.
func (c *Config) SizeBuf() int { return c.sizeBuf }

// HostPattern returns the compiled host extraction pattern.
func (c *Config) HostPattern() *regexp.Regexp { return c.hostPattern }

// MaxHeaderSize returns the host extraction read bound.
func (c *Config) MaxHeaderSize() int { return c.maxHeaderSize }

// Timeouts returns the session timeouts.
func (c *Config) Timeouts() Timeouts { return c.timeouts }

// TLSIdentity returns the TLS certificate, or nil.
func (c *Config) TLSIdentity() *tls.Certificate { return c.identity }
