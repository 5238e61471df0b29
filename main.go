package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/ops-lb/pkg/config"
	"github.com/ops-lb/pkg/history"
	"github.com/ops-lb/pkg/logging"
	"github.com/ops-lb/pkg/server"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").Default(":9090").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
	bindAddr      = kingpin.Flag("bind-addr", "Frontend address used when the configuration defines none.").Default(":8080").String()

	// Global config
	appConfig *config.FileConfig
)

func main() {
	kingpin.Parse()

	// Load configuration
	var err error
	appConfig, err = loadFileConfig(*configFile)
	if err != nil {
		logging.Fatalf("Configuration error: %v", err)
	}
	logging.SetLevel(appConfig.Log.Level)

	if len(appConfig.Frontends) == 0 {
		appConfig.Frontends = append(appConfig.Frontends, config.FrontendConfig{Listen: *bindAddr})
	}

	logging.Logf("Load balancer initialized with ID: %s", logging.GetInstanceID())

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logging.Fatalf("Load balancer error: %v", err)
	}
	logging.Log("Shutdown complete")
	logging.Flush()
}

// loadFileConfig reads the configuration file. Only a missing file falls
// back to defaults plus environment overrides; any other error is returned.
func loadFileConfig(path string) (*config.FileConfig, error) {
	fc, err := config.LoadConfig(path)
	if err == nil {
		return fc, nil
	}
	if !errors.Is(err, config.ErrConfigNotFound) {
		return nil, err
	}
	logging.Logf("Warning: %v, using defaults", err)
	fc = &config.FileConfig{}
	fc.SetDefaults()
	fc.ApplyEnvOverrides()
	return fc, nil
}

// openHistory creates the history store named by the configuration.
func openHistory(cfg config.HistoryConfig) (history.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("history backend sqlite requires history.path")
		}
		return history.NewSQLiteStore(history.SQLiteConfig{Path: cfg.Path})
	}
	return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
}

func run(ctx context.Context) error {
	cfg, err := appConfig.Build()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := openHistory(appConfig.History)
	if err != nil {
		return err
	}

	proxyServer, err := server.NewProxyServer(cfg, store)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create load balancer: %w", err)
	}
	defer proxyServer.Close()

	// Print the routing table once at startup
	routes := cfg.Routes()
	for _, host := range routes.Hosts() {
		backends, _ := routes.Lookup(host)
		logging.Logf("[route] host=%s backends=%s", host, strings.Join(backends, ","))
	}
	logging.Logf("[startup] buffers count=%d size=%d history=%s", cfg.CountBuf(), cfg.SizeBuf(), appConfig.History.Backend)

	// Get metrics config from command line or config file
	metricsPath := *telemetryPath
	metricsAddr := *listenAddress
	if appConfig.Metrics.TelemetryPath != "" {
		metricsPath = appConfig.Metrics.TelemetryPath
	}
	if appConfig.Metrics.ListenAddress != "" {
		metricsAddr = appConfig.Metrics.ListenAddress
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxyServer.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return proxyServer.StartMetricsServer(gctx, metricsAddr, metricsPath)
	})
	return g.Wait()
}
