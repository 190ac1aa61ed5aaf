// Package addresses provides utilities for parsing server addresses and
// classifying the endpoints of established connections.
package addresses

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when an address does not name a port
const DefaultPort = 7051

// HostPort is a parsed server address
type HostPort struct {
	Host string // Hostname or IP literal, without brackets
	Port int
}

// String formats the address for net.Dial
func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// ParseHostPort parses addresses of the form:
// - "host"
// - "host:port"
// - "[v6addr]:port"
// - "v6addr"
//
// A missing port is filled in with defaultPort.
func ParseHostPort(address string, defaultPort int) (HostPort, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return HostPort{}, fmt.Errorf("empty address")
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		// No port present. Bare IPv6 literals contain colons, so only
		// accept the whole string when it parses as an IP or a hostname.
		trimmed := strings.Trim(address, "[]")
		if ip := net.ParseIP(trimmed); ip != nil {
			return HostPort{Host: trimmed, Port: defaultPort}, nil
		}
		if !IsValidHostname(trimmed) {
			return HostPort{}, fmt.Errorf("invalid address %q: %w", address, err)
		}
		return HostPort{Host: trimmed, Port: defaultPort}, nil
	}

	if host == "" {
		return HostPort{}, fmt.Errorf("invalid address %q: missing host", address)
	}
	if net.ParseIP(host) == nil && !IsValidHostname(host) {
		return HostPort{}, fmt.Errorf("invalid address %q: bad hostname", address)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return HostPort{}, fmt.Errorf("invalid address %q: bad port %q", address, portStr)
	}
	return HostPort{Host: host, Port: port}, nil
}

// ParseAddressList parses a comma-separated list of addresses, e.g.
// "master-1:7051,master-2,master-3:7151". Empty entries are skipped.
func ParseAddressList(list string, defaultPort int) ([]HostPort, error) {
	var result []HostPort
	for _, entry := range strings.Split(list, ",") {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		hp, err := ParseHostPort(entry, defaultPort)
		if err != nil {
			return nil, err
		}
		result = append(result, hp)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no addresses in %q", list)
	}
	return result, nil
}

// IsValidHostname validates a hostname.
// The name must contain only alphanumeric characters, dots, dashes, and underscores
func IsValidHostname(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}

	for _, r := range name {
		if (r < 'a' || r > 'z') &&
			(r < 'A' || r > 'Z') &&
			(r < '0' || r > '9') &&
			r != '.' && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// IsLoopbackConnection reports whether a connection between local and remote
// never leaves the host. Ports are ignored. Unix domain sockets are always
// loopback; addresses that carry no IP (in-memory pipes) never are.
func IsLoopbackConnection(local, remote net.Addr) bool {
	if local == nil || remote == nil {
		return false
	}
	if _, ok := remote.(*net.UnixAddr); ok {
		return true
	}

	localIP := addrIP(local)
	remoteIP := addrIP(remote)
	if localIP == nil || remoteIP == nil {
		return false
	}
	if localIP.Equal(remoteIP) {
		return true
	}
	return localIP.IsLoopback() && remoteIP.IsLoopback()
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
