package proxy

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ops-lb/pkg/proxyerr"
)

func newExtractor(t *testing.T, pattern string, max int) *HostExtractor {
	t.Helper()
	re, err := CompileHostPattern(pattern)
	require.NoError(t, err)
	h, err := NewHostExtractor(re, max)
	require.NoError(t, err)
	return h
}

func TestNewHostExtractor_MaxHeaderSize(t *testing.T) {
	assert.Equal(t, DefaultMaxHeaderSize, newExtractor(t, DefaultHostPattern, 0).MaxHeaderSize())
	assert.Equal(t, 512, newExtractor(t, DefaultHostPattern, 512).MaxHeaderSize())
}

func TestCompileHostPattern(t *testing.T) {
	_, err := CompileHostPattern(DefaultHostPattern)
	assert.NoError(t, err)

	_, err = CompileHostPattern(`\r\nHost: (.+)(:|\r\n)`)
	assert.ErrorIs(t, err, proxyerr.ErrInvalidConfiguration, "two groups")

	_, err = CompileHostPattern(`\r\nHost: .+\r\n`)
	assert.ErrorIs(t, err, proxyerr.ErrInvalidConfiguration, "no group")

	_, err = CompileHostPattern(`\r\nHost: ([`)
	assert.ErrorIs(t, err, proxyerr.ErrInvalidConfiguration, "syntax")
}

func TestHostExtractor_Match(t *testing.T) {
	h := newExtractor(t, DefaultHostPattern, 0)

	tests := []struct {
		name, head, want string
		ok               bool
	}{
		{"plain", "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n", "localhost", true},
		{"port excluded", "GET / HTTP/1.1\r\nHost: example.com:8443\r\nAccept: */*\r\n\r\n", "example.com", true},
		{"case sensitive", "GET / HTTP/1.1\r\nhost: localhost\r\n\r\n", "", false},
		{"incomplete line", "GET / HTTP/1.1\r\nHost: local", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := h.Match([]byte(tt.head))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostExtractor_ExtractIncremental(t *testing.T) {
	h := newExtractor(t, DefaultHostPattern, 0)
	req := "POST /index HTTP/1.1\r\nHost: localhost\r\nValidHead: 1245\r\nContent-Length: 3\r\n\r\nabc"

	// One byte per Read forces many iterations before the match completes.
	r := iotest.OneByteReader(strings.NewReader(req))
	buf := make([]byte, 16)

	host, head, err := h.Extract(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.True(t, strings.HasPrefix(req, string(head)))

	// Replaying head followed by the rest yields the original stream.
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, req, string(head)+string(rest))
}

func TestHostExtractor_ExceedsMaxHeader(t *testing.T) {
	h := newExtractor(t, DefaultHostPattern, 64)
	junk := bytes.Repeat([]byte("X"), 1024)

	_, head, err := h.Extract(bytes.NewReader(junk), make([]byte, 16))
	assert.ErrorIs(t, err, proxyerr.ErrHostNotFound)
	assert.Len(t, head, 64)
}

func TestHostExtractor_StreamEndsFirst(t *testing.T) {
	h := newExtractor(t, DefaultHostPattern, 0)
	_, _, err := h.Extract(strings.NewReader("GET / HTTP/1.1\r\n\r\n"), make([]byte, 64))
	assert.ErrorIs(t, err, proxyerr.ErrHostNotFound)
}

func TestBufferedConn_ReplaysThenReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	bc := &BufferedConn{Conn: server, Buf: []byte("head-")}
	go func() {
		_, _ = client.Write([]byte("tail"))
	}()

	buf := make([]byte, 3)
	var out []byte
	for len(out) < len("head-tail") {
		n, err := bc.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:n]...)
	}
	assert.Equal(t, "head-tail", string(out))
	assert.Equal(t, len(bc.Buf), bc.Pos, "replay bytes fully consumed")
	assert.NoError(t, bc.CloseWrite(), "pipe has no half-close; CloseWrite is a no-op")
}
