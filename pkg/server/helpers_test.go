package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ops-lb/pkg/config"
	"github.com/ops-lb/pkg/history"
)

// echoBackend answers every request with its lowercased headers as
// "name=value" lines plus the body length and digest. The ServerName
// response header identifies the backend.
func echoBackend(t *testing.T, name string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		lines := make([]string, 0, len(r.Header)+3)
		for k, vs := range r.Header {
			for _, v := range vs {
				lines = append(lines, fmt.Sprintf("%s=%s", strings.ToLower(k), v))
			}
		}
		sort.Strings(lines)
		lines = append(lines,
			fmt.Sprintf("host=%s", r.Host),
			fmt.Sprintf("bodylen=%d", len(body)),
			fmt.Sprintf("bodysha=%x", sha256.Sum256(body)),
		)
		w.Header().Set("ServerName", name)
		_, _ = io.WriteString(w, strings.Join(lines, "\n"))
	}))
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String()
}

// tcpBackend runs handle for every accepted connection and counts accepts.
func tcpBackend(t *testing.T, handle func(net.Conn)) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := new(atomic.Int32)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln.Addr().String(), accepted
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig returns a config with short timeouts suitable for tests.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	require.NoError(t, cfg.SetTimeouts(config.Timeouts{
		Dial:       2 * time.Second,
		Handshake:  2 * time.Second,
		HeaderRead: 2 * time.Second,
		Idle:       5 * time.Second,
		BufferWait: time.Second,
		Shutdown:   time.Second,
	}))
	return cfg
}

type testLB struct {
	srv    *ProxyServer
	addr   string
	cancel context.CancelFunc
	done   chan error
}

// startLB registers fe (bound to an ephemeral port), builds the server and
// serves until the test ends.
func startLB(t *testing.T, cfg *config.Config, fe config.Frontend) *testLB {
	t.Helper()
	if fe.Addr == "" {
		fe.Addr = "127.0.0.1:0"
	}
	require.NoError(t, cfg.AddFrontend(fe))
	srv, err := NewProxyServer(cfg, nil)
	require.NoError(t, err)

	ln, err := srv.Listen(fe)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	lb := &testLB{srv: srv, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { lb.done <- srv.Serve(ctx, ln, fe) }()
	t.Cleanup(func() {
		cancel()
		<-lb.done
	})
	return lb
}

func (lb *testLB) records(t *testing.T, q *history.Query, n int) []*history.Record {
	t.Helper()
	if q == nil {
		q = &history.Query{}
	}
	require.Eventually(t, func() bool {
		c, err := lb.srv.History().Count(context.Background(), q)
		return err == nil && c >= n
	}, 5*time.Second, 10*time.Millisecond, "waiting for %d history records", n)
	recs, err := lb.srv.History().Query(context.Background(), q)
	require.NoError(t, err)
	return recs
}

type response struct {
	server string
	body   string
}

// do sends one request through the balancer with the given Host header.
func (lb *testLB) do(t *testing.T, method, host string, body io.Reader, tlsConf *tls.Config) (*response, error) {
	t.Helper()
	scheme := "http"
	tr := &http.Transport{DisableKeepAlives: true}
	if tlsConf != nil {
		scheme = "https"
		tr.TLSClientConfig = tlsConf
	}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, scheme+"://"+lb.addr+"/echo", body)
	require.NoError(t, err)
	req.Host = host
	req.Header.Set("ValidHead", "1245")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &response{server: resp.Header.Get("ServerName"), body: string(b)}, nil
}

// selfSignedIdentity returns a server certificate for "localhost" and a
// client config that trusts it.
func selfSignedIdentity(t *testing.T) (tls.Certificate, *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		&tls.Config{RootCAs: roots, ServerName: "localhost"}
}
