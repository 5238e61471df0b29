package proxy

import (
	"errors"
	"io"
	"regexp"

	"github.com/ops-lb/pkg/proxyerr"
)

// DefaultHostPattern captures the Host header value without its port.
const DefaultHostPattern = `\r\nHost: ([^:\r\n]+)(?::\d+)?\r\n`

// DefaultMaxHeaderSize bounds how much of a request head is buffered while
// looking for the host.
const DefaultMaxHeaderSize = 8 * 1024

// HostExtractor recovers the virtual host from the leading bytes of a
// connection by matching a pattern against the raw header text.
type HostExtractor struct {
	pattern   *regexp.Regexp
	maxHeader int
}

// CompileHostPattern compiles pattern and checks it has exactly one capturing group.
func CompileHostPattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.ErrInvalidConfiguration, err)
	}
	if n := re.NumSubexp(); n != 1 {
		return nil, proxyerr.Errorf(proxyerr.ErrInvalidConfiguration,
			"host pattern %q must have exactly one capturing group, has %d", pattern, n)
	}
	return re, nil
}

// NewHostExtractor builds an extractor from an already validated pattern.
func NewHostExtractor(pattern *regexp.Regexp, maxHeader int) (*HostExtractor, error) {
	if pattern == nil {
		return nil, proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "host pattern not set")
	}
	if pattern.NumSubexp() != 1 {
		return nil, proxyerr.Errorf(proxyerr.ErrInvalidConfiguration,
			"host pattern %q must have exactly one capturing group", pattern.String())
	}
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderSize
	}
	return &HostExtractor{pattern: pattern, maxHeader: maxHeader}, nil
}

// Match applies the pattern to data and returns the captured host.
func (h *HostExtractor) Match(data []byte) (string, bool) {
	m := h.pattern.FindSubmatch(data)
	if m == nil || len(m[1]) == 0 {
		return "", false
	}
	return string(m[1]), true
}

// Extract reads from r in chunks of len(buf) until the pattern matches.
// It returns the host and every byte consumed, which the caller must replay
// to the backend. The read stops with ErrHostNotFound once maxHeader bytes
// have been seen without a match or when r ends first.
func (h *HostExtractor) Extract(r io.Reader, buf []byte) (host string, head []byte, err error) {
	if len(buf) == 0 {
		return "", nil, errors.New("host extractor: empty read buffer")
	}
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			head = append(head, buf[:n]...)
			if host, ok := h.Match(head); ok {
				return host, head, nil
			}
			if len(head) >= h.maxHeader {
				return "", head, proxyerr.Errorf(proxyerr.ErrHostNotFound, "no match in first %d bytes", len(head))
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return "", head, proxyerr.Errorf(proxyerr.ErrHostNotFound, "stream ended after %d bytes", len(head))
			}
			return "", head, proxyerr.Wrap(proxyerr.ErrHostNotFound, rerr)
		}
	}
}

// MaxHeaderSize returns the configured bound.
func (h *HostExtractor) MaxHeaderSize() int {
	return h.maxHeader
}
