package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/ops-lb/pkg/config"
	"github.com/ops-lb/pkg/logging"
)

// Listen binds fe. A positive backlog caps how many connections are served
// at once; further clients wait in the kernel accept queue.
func (s *ProxyServer) Listen(fe config.Frontend) (net.Listener, error) {
	ln, err := net.Listen("tcp", fe.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", fe.Addr, err)
	}
	if fe.Backlog > 0 {
		ln = netutil.LimitListener(ln, fe.Backlog)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is done, running one session per
// connection. On stop it closes ln, waits up to the shutdown timeout for
// in-flight sessions and then force-closes whatever is left.
func (s *ProxyServer) Serve(ctx context.Context, ln net.Listener, fe config.Frontend) error {
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	bound := ln.Addr().String()
	logging.Logf("[listen] frontend addr=%s tls=%t backlog=%d proxy_protocol=%t", bound, fe.TLS, fe.Backlog, fe.ProxyProtocol)

	var (
		wg        sync.WaitGroup
		acceptErr error
		tempDelay time.Duration
	)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("listener %s closed: %w", fe.Addr, err)
				break
			}
			// Transient accept failure (e.g. EMFILE): back off like net/http does.
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			logging.Logf("[accept] error addr=%s err=%v retry_in=%s", fe.Addr, err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(connCtx, conn, fe, bound)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	logging.Logf("[listen] frontend stopping addr=%s drain_timeout=%s", fe.Addr, s.timeouts.Shutdown)
	select {
	case <-done:
	case <-time.After(s.timeouts.Shutdown):
		logging.Logf("[listen] drain timeout addr=%s, closing remaining sessions", fe.Addr)
		connCancel()
		<-done
	}
	logging.Logf("[listen] frontend stopped addr=%s", fe.Addr)
	return acceptErr
}

// ListenAndServe binds every configured frontend, then serves them all until
// ctx is done or one of them fails. A bind failure is returned before any
// frontend starts accepting.
func (s *ProxyServer) ListenAndServe(ctx context.Context) error {
	frontends := s.cfg.Frontends()
	listeners := make([]net.Listener, 0, len(frontends))
	for _, fe := range frontends {
		ln, err := s.Listen(fe)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, fe := range frontends {
		ln := listeners[i]
		fe := fe
		g.Go(func() error {
			return s.Serve(gctx, ln, fe)
		})
	}
	return g.Wait()
}
