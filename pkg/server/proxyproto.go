package server

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ops-lb/pkg/proxy"
)

var proxyProtoV2Sig = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}

const (
	proxyProtoV1MaxLine = 107 // including CRLF
	proxyProtoV2MaxBody = 4096
)

// readProxyHeader consumes a HAProxy PROXY protocol header (v1/v2) from conn.
// It returns a connection that replays any payload bytes read past the
// header and the source address the header carries ("" for LOCAL/UNKNOWN).
// A connection that does not start with a PROXY header is an error.
func readProxyHeader(conn net.Conn, readTimeout time.Duration) (net.Conn, string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	defer conn.SetReadDeadline(time.Time{})

	br := bufio.NewReaderSize(conn, 256)
	prefix, err := br.Peek(len(proxyProtoV2Sig))
	if err != nil && len(prefix) < 6 {
		return nil, "", fmt.Errorf("proxy protocol: reading header: %w", err)
	}

	var src string
	switch {
	case bytes.HasPrefix(prefix, []byte("PROXY ")):
		src, err = readProxyV1(br)
	case bytes.Equal(prefix, proxyProtoV2Sig):
		src, err = readProxyV2(br)
	default:
		return nil, "", fmt.Errorf("proxy protocol: missing header")
	}
	if err != nil {
		return nil, "", err
	}

	// Hand over whatever payload bufio already pulled off the socket.
	rest := make([]byte, br.Buffered())
	_, _ = io.ReadFull(br, rest)
	return &proxy.BufferedConn{Conn: conn, Buf: rest}, src, nil
}

// readProxyV1 parses "PROXY TCP4 1.1.1.1 2.2.2.2 123 456\r\n".
func readProxyV1(br *bufio.Reader) (string, error) {
	var line []byte
	for len(line) < proxyProtoV1MaxLine {
		b, err := br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("proxy protocol v1: %w", err)
		}
		line = append(line, b)
		if bytes.HasSuffix(line, []byte("\r\n")) {
			break
		}
	}
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return "", fmt.Errorf("proxy protocol v1: header line too long")
	}

	// parts: PROXY TCP4 src dst sport dport
	parts := strings.Fields(string(line[:len(line)-2]))
	if len(parts) >= 2 && parts[1] == "UNKNOWN" {
		return "", nil
	}
	if len(parts) != 6 {
		return "", fmt.Errorf("proxy protocol v1: malformed header %q", line)
	}
	if ip := net.ParseIP(parts[2]); ip == nil {
		return "", fmt.Errorf("proxy protocol v1: bad source address %q", parts[2])
	}
	if _, err := strconv.ParseUint(parts[4], 10, 16); err != nil {
		return "", fmt.Errorf("proxy protocol v1: bad source port %q", parts[4])
	}
	return net.JoinHostPort(parts[2], parts[4]), nil
}

// readProxyV2 parses the binary header: 12 byte signature, version/command,
// family/protocol, 2 byte length, then the address block.
func readProxyV2(br *bufio.Reader) (string, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return "", fmt.Errorf("proxy protocol v2: %w", err)
	}
	if hdr[12]>>4 != 0x2 {
		return "", fmt.Errorf("proxy protocol v2: unsupported version %d", hdr[12]>>4)
	}
	l := int(binary.BigEndian.Uint16(hdr[14:16]))
	if l > proxyProtoV2MaxBody {
		return "", fmt.Errorf("proxy protocol v2: header length %d too large", l)
	}
	body := make([]byte, l)
	if _, err := io.ReadFull(br, body); err != nil {
		return "", fmt.Errorf("proxy protocol v2: %w", err)
	}

	// LOCAL command carries no addresses.
	if hdr[12]&0x0F == 0x0 {
		return "", nil
	}
	switch hdr[13] >> 4 {
	case 0x1: // AF_INET: 4+4+2+2 bytes
		if l < 12 {
			return "", fmt.Errorf("proxy protocol v2: short inet block")
		}
		port := binary.BigEndian.Uint16(body[8:10])
		return net.JoinHostPort(net.IP(body[0:4]).String(), strconv.Itoa(int(port))), nil
	case 0x2: // AF_INET6: 16+16+2+2 bytes
		if l < 36 {
			return "", fmt.Errorf("proxy protocol v2: short inet6 block")
		}
		port := binary.BigEndian.Uint16(body[32:34])
		return net.JoinHostPort(net.IP(body[0:16]).String(), strconv.Itoa(int(port))), nil
	}
	return "", nil
}
