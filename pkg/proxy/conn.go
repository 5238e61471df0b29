// Package proxy holds the byte-level helpers a session uses before relaying:
// host extraction from the raw request head and replay of sniffed bytes.
package proxy

import (
	"net"
)

// BufferedConn is a connection wrapper that replays bytes already consumed
// from Conn before reading from it again.
type BufferedConn struct {
	net.Conn
	Buf []byte
	Pos int
}

// Read implements io.Reader interface
func (bc *BufferedConn) Read(b []byte) (n int, err error) {
	if bc.Pos < len(bc.Buf) {
		n = copy(b, bc.Buf[bc.Pos:])
		bc.Pos += n
		return n, nil
	}
	return bc.Conn.Read(b)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (bc *BufferedConn) CloseWrite() error {
	if cw, ok := bc.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
