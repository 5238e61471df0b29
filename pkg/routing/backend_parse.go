package routing

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

func isPortNumber(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port < 65536
}

// NormalizeBackendAddr normalizes backend address format.
// - If address is only a port number (e.g., "6443"), prepend defaultHost.
// - If address is ":port", use defaultHost as the host.
// - If address is hostname without port, append ":80".
// Anything else must be a valid host:port; an empty address, a malformed
// host:port (e.g. "a:b:c", "[::1", a bare IPv6 "::1") or a bad port is rejected.
func NormalizeBackendAddr(addr string, defaultHost string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("backend address is empty")
	}

	// Check if address contains a colon (host:port format)
	if strings.Contains(addr, ":") {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return "", fmt.Errorf("backend address %q: %w", addr, err)
		}
		if !isPortNumber(port) {
			return "", fmt.Errorf("backend address %q: invalid port %q", addr, port)
		}
		if host == "" {
			host = defaultHost
		}
		return net.JoinHostPort(host, port), nil
	}

	// No colon, check if it's a valid port number
	if isPortNumber(addr) {
		return net.JoinHostPort(defaultHost, addr), nil
	}
	if strings.ContainsAny(addr, "[]/ \t") {
		return "", fmt.Errorf("backend address %q: invalid hostname", addr)
	}

	// Not a port, treat as hostname and use default port
	return net.JoinHostPort(addr, "80"), nil
}

// ParseBackendAddrString parses the comma-separated backend list format (LB_BACKENDS).
//
// Each item is "host=address", where host is the virtual host matched in the
// request head and address is the backend it may be routed to, e.g.
//
//	app.example.com=10.0.0.1:8080,app.example.com=10.0.0.2:8080,api.example.com=8765
//
// Repeating a host adds another backend to that host's pool.
// An item without "=" is an address for defaultName.
// Addresses are kept verbatim; they are normalized and checked when added
// to the configuration.
func ParseBackendAddrString(s string, defaultName string) []BackendConfig {
	out := make([]BackendConfig, 0)
	if strings.TrimSpace(s) == "" {
		return out
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, addr, found := strings.Cut(part, "=")
		if !found {
			name, addr = defaultName, part
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = strings.TrimSpace(defaultName)
		}

		out = append(out, BackendConfig{
			Name:    name,
			Address: strings.TrimSpace(addr),
		})
	}

	return out
}
