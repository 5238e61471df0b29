package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ops-lb/pkg/bufpool"
	"github.com/ops-lb/pkg/config"
	"github.com/ops-lb/pkg/history"
	"github.com/ops-lb/pkg/logging"
	"github.com/ops-lb/pkg/metrics"
	"github.com/ops-lb/pkg/proxy"
	"github.com/ops-lb/pkg/routing"
)

// NewProxyServer creates a new proxy server. cfg is validated and frozen:
// later setter calls on it fail. A nil store keeps history in memory.
func NewProxyServer(cfg *config.Config, store history.Store) (*ProxyServer, error) {
	if err := cfg.Freeze(); err != nil {
		return nil, err
	}
	timeouts := cfg.Timeouts()

	pool, err := bufpool.New(cfg.CountBuf(), cfg.SizeBuf(), timeouts.BufferWait)
	if err != nil {
		return nil, err
	}
	extractor, err := proxy.NewHostExtractor(cfg.HostPattern(), cfg.MaxHeaderSize())
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if id := cfg.TLSIdentity(); id != nil {
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{*id},
			MinVersion:   tls.VersionTLS12,
		}
	}

	registry := prometheus.NewRegistry()

	server := &ProxyServer{
		cfg:       cfg,
		timeouts:  timeouts,
		selector:  routing.NewRoundRobin(cfg.Routes()),
		extractor: extractor,
		buffers:   pool,
		history:   history.NewLog(store),
		tlsConfig: tlsConfig,
		registry:  registry,
	}

	// Create collector with callbacks that use this server instance
	collector := metrics.NewCollector(
		cfg.Routes().Snapshot,
		func() (int, int) {
			idle, _ := pool.Stats()
			return idle, pool.Count()
		},
	)

	server.collector = collector
	registry.MustRegister(collector)

	logging.Logf("[startup] selector=%s hosts=%d max_header=%d buffers=%dx%d",
		server.selector.Name(), cfg.Routes().Len(), extractor.MaxHeaderSize(), pool.Count(), pool.Size())

	return server, nil
}

// History returns the session history log.
func (s *ProxyServer) History() *history.Log {
	return s.history
}

// Buffers returns the relay buffer pool.
func (s *ProxyServer) Buffers() *bufpool.Pool {
	return s.buffers
}

// Close releases the history store.
func (s *ProxyServer) Close() error {
	return s.history.Close()
}

// Handler serves metrics on metricsPath plus /healthz and /history.
func (s *ProxyServer) Handler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/history", s.serveHistory)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
<head><title>Ops LB Exporter</title></head>
<body>
<h1>Ops LB Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
<p><a href="/history">History</a></p>
</body>
</html>`))
	})
	return mux
}

type historyResponse struct {
	Total   int               `json:"total"`
	Records []*history.Record `json:"records"`
}

const defaultHistoryLimit = 100

// serveHistory answers GET /history?host=&backend=&outcome=&client=&since=&until=&limit=&offset=
func (s *ProxyServer) serveHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v := r.URL.Query()
	q := &history.Query{
		Host:       v.Get("host"),
		Backend:    v.Get("backend"),
		Outcome:    v.Get("outcome"),
		ClientAddr: v.Get("client"),
		Limit:      defaultHistoryLimit,
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if raw := v.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, name+": expected RFC3339 time", http.StatusBadRequest)
				return
			}
			*dst = t
		}
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		if raw := v.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, name+": expected integer", http.StatusBadRequest)
				return
			}
			*dst = n
		}
	}
	if err := q.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	records, err := s.history.Query(ctx, q)
	if err != nil {
		logging.Logf("[history] query failed err=%v", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	total, err := s.history.Count(ctx, &history.Query{
		Host: q.Host, Backend: q.Backend, Outcome: q.Outcome, ClientAddr: q.ClientAddr,
		Since: q.Since, Until: q.Until,
	})
	if err != nil {
		logging.Logf("[history] count failed err=%v", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*history.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(historyResponse{Total: total, Records: records})
}

// StartMetricsServer starts the metrics server and stops it when ctx is done.
func (s *ProxyServer) StartMetricsServer(ctx context.Context, metricsAddr, metricsPath string) error {
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           s.Handler(metricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz history=/history", metricsAddr, metricsPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
