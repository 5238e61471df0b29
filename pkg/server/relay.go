package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/ops-lb/pkg/proxyerr"
)

// activity tracks the last time either direction of a session moved bytes.
type activity struct {
	idle time.Duration
	last atomic.Int64 // unix nanos
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

// stale reports whether nothing has moved in either direction for the idle period.
func (a *activity) stale() bool {
	return time.Since(time.Unix(0, a.last.Load())) >= a.idle
}

type pumpResult struct {
	dir string
	n   int64
	err error
}

// pump copies src to dst through buf until src ends or an error occurs.
// io.CopyBuffer is not used because ReaderFrom/WriterTo would bypass buf.
// A read deadline firing only ends the pump when the whole session is idle.
func (a *activity) pump(dst, src net.Conn, buf []byte) (int64, error) {
	var total int64
	for {
		if a.idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(a.idle))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			a.touch()
			if a.idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(a.idle))
			}
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				if isTimeout(werr) {
					return total, proxyerr.Wrap(proxyerr.ErrIdleTimeout, werr)
				}
				return total, werr
			}
			a.touch()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			if a.idle > 0 && isTimeout(rerr) {
				if !a.stale() {
					continue
				}
				return total, proxyerr.Wrap(proxyerr.ErrIdleTimeout, rerr)
			}
			return total, rerr
		}
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// relay moves bytes both ways between client and backend until both
// directions finish. A clean end of one direction is propagated as a
// half-close; any other error closes both connections. It returns bytes
// sent upstream (client to backend) and downstream, and the first error.
func (s *ProxyServer) relay(ctx context.Context, client, backend net.Conn, upBuf, downBuf []byte) (up, down int64, err error) {
	a := &activity{idle: s.timeouts.Idle}
	a.touch()

	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = backend.Close()
	})
	defer stop()

	results := make(chan pumpResult, 2)
	go func() {
		n, err := a.pump(backend, client, upBuf)
		if err == nil {
			closeWrite(backend)
		}
		results <- pumpResult{dir: "upstream", n: n, err: err}
	}()
	go func() {
		n, err := a.pump(client, backend, downBuf)
		if err == nil {
			closeWrite(client)
		}
		results <- pumpResult{dir: "downstream", n: n, err: err}
	}()

	for i := 0; i < 2; i++ {
		res := <-results
		if res.dir == "upstream" {
			up = res.n
		} else {
			down = res.n
		}
		if res.err != nil && err == nil {
			err = fmt.Errorf("%s: %w", res.dir, res.err)
			_ = client.Close()
			_ = backend.Close()
		}
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, proxyerr.ErrIdleTimeout) {
		err = fmt.Errorf("session aborted by shutdown: %w", ctx.Err())
	}
	return up, down, err
}
