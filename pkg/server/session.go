package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"

	"github.com/ops-lb/pkg/config"
	"github.com/ops-lb/pkg/history"
	"github.com/ops-lb/pkg/logging"
	"github.com/ops-lb/pkg/proxy"
	"github.com/ops-lb/pkg/proxyerr"
)

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// handleSession drives one client connection through
// Accepted -> (TLSHandshaking) -> HostResolving -> BackendDialing -> Relaying -> Closed.
// Cancelling ctx closes the connection wherever the session is blocked.
// bound is the listener's actual address, recorded as the session frontend.
func (s *ProxyServer) handleSession(ctx context.Context, conn net.Conn, fe config.Frontend, bound string) {
	sess := &Session{
		ID:         uuid.NewString(),
		Frontend:   bound,
		ClientAddr: remoteAddr(conn),
		Start:      time.Now(),
		State:      StateAccepted,
	}
	s.collector.IncActiveSession(bound)
	defer s.collector.DecActiveSession(bound)
	defer s.finish(sess)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logging.Debugf("[session][debug] accepted id=%s frontend=%s client=%s", sess.ID, bound, sess.ClientAddr)

	var client net.Conn = conn
	if fe.ProxyProtocol {
		c, src, err := readProxyHeader(conn, s.timeouts.HeaderRead)
		if err != nil {
			sess.Err = err
			return
		}
		client = c
		if src != "" {
			logging.Debugf("[session][debug] proxy protocol id=%s peer=%s src=%s", sess.ID, sess.ClientAddr, src)
			sess.ClientAddr = src
		}
	}

	if fe.TLS {
		sess.State = StateTLSHandshaking
		tlsConn, err := s.handshake(ctx, client)
		if err != nil {
			sess.Err = err
			return
		}
		client = tlsConn
	}

	sess.State = StateHostResolving
	upBuf, err := s.buffers.Acquire(ctx)
	if err != nil {
		sess.Err = err
		return
	}
	defer upBuf.Release()

	_ = client.SetReadDeadline(time.Now().Add(s.timeouts.HeaderRead))
	host, head, err := s.extractor.Extract(client, upBuf.B)
	_ = client.SetReadDeadline(time.Time{})
	if err != nil {
		if len(head) == 0 && !isTimeout(err) {
			sess.quiet = true
			s.logAcceptEOF(sess.ClientAddr)
		}
		sess.Err = err
		return
	}
	sess.Host = host

	backend, err := s.selector.Select(host)
	if err != nil {
		sess.Err = err
		return
	}
	sess.Backend = backend

	sess.State = StateBackendDialing
	dialer := net.Dialer{Timeout: s.timeouts.Dial}
	backendConn, err := dialer.DialContext(ctx, "tcp", backend)
	if err != nil {
		sess.Err = proxyerr.Wrap(proxyerr.ErrBackendUnreachable, err)
		return
	}
	defer backendConn.Close()
	logging.Debugf("[session][debug] dial connected id=%s host=%s backend=%s local=%s", sess.ID, host, backend, backendConn.LocalAddr())

	downBuf, err := s.buffers.Acquire(ctx)
	if err != nil {
		sess.Err = err
		return
	}
	defer downBuf.Release()

	sess.State = StateRelaying
	src := &proxy.BufferedConn{Conn: client, Buf: head}
	up, down, err := s.relay(ctx, src, backendConn, upBuf.B, downBuf.B)
	sess.BytesUp, sess.BytesDown = up, down
	sess.Err = err
}

// handshake runs the server side of TLS on conn within the handshake timeout.
func (s *ProxyServer) handshake(ctx context.Context, conn net.Conn) (*tls.Conn, error) {
	if s.tlsConfig == nil {
		return nil, proxyerr.Errorf(proxyerr.ErrTLSHandshakeFailed, "no TLS identity configured")
	}
	hctx, cancel := context.WithTimeout(ctx, s.timeouts.Handshake)
	defer cancel()

	tlsConn := tls.Server(conn, s.tlsConfig)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, proxyerr.Wrap(proxyerr.ErrTLSHandshakeFailed, err)
	}
	return tlsConn, nil
}

// finish turns the session into exactly one history record and updates metrics.
func (s *ProxyServer) finish(sess *Session) {
	failedIn := sess.State
	sess.State = StateClosed
	duration := time.Since(sess.Start)
	outcome := proxyerr.Kind(sess.Err)

	rec := &history.Record{
		ID:         sess.ID,
		Time:       sess.Start,
		Frontend:   sess.Frontend,
		ClientAddr: sess.ClientAddr,
		Host:       sess.Host,
		Backend:    sess.Backend,
		BytesUp:    sess.BytesUp,
		BytesDown:  sess.BytesDown,
		Duration:   duration,
		Outcome:    outcome,
	}
	if sess.Err != nil {
		rec.Error = sess.Err.Error()
	}
	s.history.Append(rec)
	s.collector.RecordSession(sess.Host, sess.Backend, outcome, sess.BytesUp, sess.BytesDown, duration)

	if sess.quiet {
		return
	}
	if sess.Err != nil {
		serr := &proxyerr.SessionError{Op: failedIn.String(), SessionID: sess.ID, RemoteAddr: sess.ClientAddr, Err: sess.Err}
		logging.Logf("[session] failed %v host=%q backend=%q outcome=%s up=%s down=%s duration=%s",
			serr, sess.Host, sess.Backend, outcome,
			sizestr.ToString(sess.BytesUp), sizestr.ToString(sess.BytesDown), duration.Truncate(time.Millisecond))
		return
	}
	logging.Logf("[session] done id=%s frontend=%s client=%s host=%s backend=%s up=%s down=%s duration=%s",
		sess.ID, sess.Frontend, sess.ClientAddr, sess.Host, sess.Backend,
		sizestr.ToString(sess.BytesUp), sizestr.ToString(sess.BytesDown), duration.Truncate(time.Millisecond))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *ProxyServer) logAcceptEOF(remote string) {
	if !logging.DebugEnabled() {
		return
	}
	now := time.Now()

	s.acceptEOFLock.Lock()
	defer s.acceptEOFLock.Unlock()

	// Log at most once per 5s; count suppressed events.
	const window = 5 * time.Second
	if !s.acceptEOFLastLogAt.IsZero() && now.Sub(s.acceptEOFLastLogAt) < window {
		s.acceptEOFSuppressed++
		return
	}

	if s.acceptEOFSuppressed > 0 && !s.acceptEOFLastLogAt.IsZero() {
		logging.Logf(
			"[accept][debug] closed before sending data (remote=%s) (suppressed=%d in last=%s)",
			remote,
			s.acceptEOFSuppressed,
			now.Sub(s.acceptEOFLastLogAt).Truncate(time.Second),
		)
	} else {
		logging.Logf("[accept][debug] closed before sending data (remote=%s)", remote)
	}

	s.acceptEOFSuppressed = 0
	s.acceptEOFLastLogAt = now
}
