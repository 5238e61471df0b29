// Package proxyerr defines the error kinds a proxy session can end with.
package proxyerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is fatal at setup and prevents any listener from starting.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	ErrTLSHandshakeFailed  = errors.New("tls handshake failed")
	ErrHostNotFound        = errors.New("host not found")
	ErrNoBackendForHost    = errors.New("no backend for host")
	ErrBackendUnreachable  = errors.New("backend unreachable")
	ErrBufferPoolExhausted = errors.New("buffer pool exhausted")
	ErrIdleTimeout         = errors.New("idle timeout")
)

// Outcome labels recorded in history and metrics.
const (
	KindOK                   = "ok"
	KindInvalidConfiguration = "InvalidConfiguration"
	KindTLSHandshakeFailed   = "TLSHandshakeFailed"
	KindHostNotFound         = "HostNotFound"
	KindNoBackendForHost     = "NoBackendForHost"
	KindBackendUnreachable   = "BackendUnreachable"
	KindBufferPoolExhausted  = "BufferPoolExhausted"
	KindIdleTimeout          = "IdleTimeout"
	KindRelayError           = "RelayError"
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidConfiguration, KindInvalidConfiguration},
	{ErrTLSHandshakeFailed, KindTLSHandshakeFailed},
	{ErrHostNotFound, KindHostNotFound},
	{ErrNoBackendForHost, KindNoBackendForHost},
	{ErrBackendUnreachable, KindBackendUnreachable},
	{ErrBufferPoolExhausted, KindBufferPoolExhausted},
	{ErrIdleTimeout, KindIdleTimeout},
}

// Kind returns the outcome label for err. A nil error is KindOK and any error
// outside the taxonomy is KindRelayError.
func Kind(err error) string {
	if err == nil {
		return KindOK
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindRelayError
}

// Errorf wraps kind with a formatted message so errors.Is(err, kind) holds.
func Errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Wrap attaches kind to cause. Both stay reachable through errors.Is.
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// SessionError wraps an error with the session it terminated.
type SessionError struct {
	Op         string // state the session was in
	SessionID  string
	RemoteAddr string
	Err        error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
