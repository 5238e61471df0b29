package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ops-lb/pkg/proxy"
	"github.com/ops-lb/pkg/routing"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk configuration structure.
type FileConfig struct {
	Frontends   []FrontendConfig        `yaml:"frontends"`
	Backends    []routing.BackendConfig `yaml:"backends"`
	Buffers     BufferConfig            `yaml:"buffers"`
	HostPattern string                  `yaml:"host_pattern"`    // Single capturing group yielding the host
	MaxHeader   int                     `yaml:"max_header_size"` // Bytes read while looking for the host
	TLS         TLSConfig               `yaml:"tls"`
	Log         LogConfig               `yaml:"log"`
	Proxy       ProxyConfig             `yaml:"proxy"`
	History     HistoryConfig           `yaml:"history"`
	Metrics     MetricsConfig           `yaml:"metrics"`
}

// FrontendConfig frontend listener configuration
type FrontendConfig struct {
	Listen        string `yaml:"listen"`         // Listen address (format: ip:port or :port)
	TLS           bool   `yaml:"tls"`            // Terminate TLS with the configured identity
	Backlog       int    `yaml:"backlog"`        // Max concurrently served connections (0 = unlimited)
	ProxyProtocol bool   `yaml:"proxy_protocol"` // Expect a PROXY v1/v2 header
}

// BufferConfig relay buffer pool sizing
type BufferConfig struct {
	Count       int `yaml:"count"`        // Number of buffers
	Size        int `yaml:"size"`         // Bytes per buffer
	WaitTimeout int `yaml:"wait_timeout"` // Seconds to wait for a free buffer
}

// TLSConfig server identity files
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig log configuration
type LogConfig struct {
	Level string `yaml:"level"` // "debug" enables debug lines
}

// ProxyConfig proxy configuration
type ProxyConfig struct {
	DialTimeout      int `yaml:"dial_timeout"`
	ReadTimeout      int `yaml:"read_timeout"`      // Header read timeout
	HandshakeTimeout int `yaml:"handshake_timeout"` // TLS handshake timeout
	IdleTimeout      int `yaml:"idle_timeout"`      // No traffic in either direction
	ShutdownTimeout  int `yaml:"shutdown_timeout"`  // Drain period on stop
}

// HistoryConfig history store configuration
type HistoryConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // SQLite database file
}

// MetricsConfig metrics listener configuration. Empty fields fall back to
// the command line flags.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// ErrConfigNotFound is returned by LoadConfig when the file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*FileConfig, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *FileConfig) SetDefaults() {
	if c.Buffers.Count == 0 {
		c.Buffers.Count = 512
	}
	if c.Buffers.Size == 0 {
		c.Buffers.Size = 1024
	}
	if c.Buffers.WaitTimeout == 0 {
		c.Buffers.WaitTimeout = 5
	}
	if c.HostPattern == "" {
		c.HostPattern = proxy.DefaultHostPattern
	}
	if c.MaxHeader == 0 {
		c.MaxHeader = proxy.DefaultMaxHeaderSize
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 30
	}
	if c.Proxy.ReadTimeout == 0 {
		c.Proxy.ReadTimeout = 30
	}
	if c.Proxy.HandshakeTimeout == 0 {
		c.Proxy.HandshakeTimeout = 10
	}
	if c.Proxy.IdleTimeout == 0 {
		c.Proxy.IdleTimeout = 120
	}
	if c.Proxy.ShutdownTimeout == 0 {
		c.Proxy.ShutdownTimeout = 30
	}

	if c.History.Backend == "" {
		c.History.Backend = "memory"
	}
}

// GetDialTimeout gets dial timeout
func (c *FileConfig) GetDialTimeout() time.Duration {
	return time.Duration(c.Proxy.DialTimeout) * time.Second
}

// GetReadTimeout gets header read timeout
func (c *FileConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Proxy.ReadTimeout) * time.Second
}

// GetHandshakeTimeout gets TLS handshake timeout
func (c *FileConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(c.Proxy.HandshakeTimeout) * time.Second
}

// GetIdleTimeout gets relay idle timeout
func (c *FileConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Proxy.IdleTimeout) * time.Second
}

// GetShutdownTimeout gets graceful shutdown timeout
func (c *FileConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Proxy.ShutdownTimeout) * time.Second
}

// GetBufferWaitTimeout gets the buffer pool wait ceiling
func (c *FileConfig) GetBufferWaitTimeout() time.Duration {
	return time.Duration(c.Buffers.WaitTimeout) * time.Second
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *FileConfig) ApplyEnvOverrides() {
	// LB_FRONTEND_ADDR adds a plain frontend, LB_TLS_FRONTEND_ADDR a TLS one
	if val := os.Getenv("LB_FRONTEND_ADDR"); val != "" {
		c.Frontends = append(c.Frontends, FrontendConfig{Listen: val})
	}
	if val := os.Getenv("LB_TLS_FRONTEND_ADDR"); val != "" {
		c.Frontends = append(c.Frontends, FrontendConfig{Listen: val, TLS: true})
	}
	// LB_BACKENDS: "host=ip:port,host=ip:port,..." appended after file backends
	if val := os.Getenv("LB_BACKENDS"); val != "" {
		c.Backends = append(c.Backends, routing.ParseBackendAddrString(val, "localhost")...)
	}
	if val := os.Getenv("LB_HOST_PATTERN"); val != "" {
		c.HostPattern = val
	}
	envInt("LB_MAX_HEADER_SIZE", &c.MaxHeader)

	envInt("LB_BUFFER_COUNT", &c.Buffers.Count)
	envInt("LB_BUFFER_SIZE", &c.Buffers.Size)
	envInt("LB_BUFFER_WAIT_SECONDS", &c.Buffers.WaitTimeout)

	if val := os.Getenv("LB_TLS_CERT_FILE"); val != "" {
		c.TLS.CertFile = val
	}
	if val := os.Getenv("LB_TLS_KEY_FILE"); val != "" {
		c.TLS.KeyFile = val
	}

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}

	// Proxy config
	envInt("PROXY_DIAL_TIMEOUT_SECONDS", &c.Proxy.DialTimeout)
	envInt("PROXY_READ_TIMEOUT_SECONDS", &c.Proxy.ReadTimeout)
	envInt("PROXY_HANDSHAKE_TIMEOUT_SECONDS", &c.Proxy.HandshakeTimeout)
	envInt("PROXY_IDLE_TIMEOUT_SECONDS", &c.Proxy.IdleTimeout)
	envInt("PROXY_SHUTDOWN_TIMEOUT_SECONDS", &c.Proxy.ShutdownTimeout)

	// History config
	if val := os.Getenv("HISTORY_BACKEND"); val != "" {
		c.History.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("HISTORY_PATH"); val != "" {
		c.History.Path = val
	}

	// Metrics config
	if val := os.Getenv("METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
	if val := os.Getenv("METRICS_TELEMETRY_PATH"); val != "" {
		c.Metrics.TelemetryPath = val
	}
}

// Build turns the file configuration into an engine Config. TLS key pair
// files are loaded here when any frontend needs them.
func (c *FileConfig) Build() (*Config, error) {
	cfg := New()
	if err := cfg.SetCountBuf(c.Buffers.Count); err != nil {
		return nil, err
	}
	if err := cfg.SetSizeBuf(c.Buffers.Size); err != nil {
		return nil, err
	}
	if err := cfg.SetHostPattern(c.HostPattern); err != nil {
		return nil, err
	}
	if err := cfg.SetMaxHeaderSize(c.MaxHeader); err != nil {
		return nil, err
	}
	if err := cfg.SetTimeouts(Timeouts{
		Dial:       c.GetDialTimeout(),
		Handshake:  c.GetHandshakeTimeout(),
		HeaderRead: c.GetReadTimeout(),
		Idle:       c.GetIdleTimeout(),
		BufferWait: c.GetBufferWaitTimeout(),
		Shutdown:   c.GetShutdownTimeout(),
	}); err != nil {
		return nil, err
	}

	needTLS := false
	for _, fe := range c.Frontends {
		if err := cfg.AddFrontend(Frontend{
			Addr:          fe.Listen,
			TLS:           fe.TLS,
			Backlog:       fe.Backlog,
			ProxyProtocol: fe.ProxyProtocol,
		}); err != nil {
			return nil, err
		}
		needTLS = needTLS || fe.TLS
	}
	for _, b := range c.Backends {
		if err := cfg.AddBackend(b.Name, b.Address); err != nil {
			return nil, err
		}
	}

	if needTLS {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair (cert=%s key=%s): %w", c.TLS.CertFile, c.TLS.KeyFile, err)
		}
		if err := cfg.SetTLSIdentity(cert); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
