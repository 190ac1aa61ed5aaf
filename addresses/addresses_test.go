package addresses

import (
	"net"
	"testing"
)

func TestParseHostPort(t *testing.T) {
	tests := []struct {
		address      string
		expectedHost string
		expectedPort int
		expectError  bool
	}{
		{address: "192.168.1.100:7151", expectedHost: "192.168.1.100", expectedPort: 7151},
		{address: "192.168.1.100", expectedHost: "192.168.1.100", expectedPort: DefaultPort},
		{address: "master.example.org", expectedHost: "master.example.org", expectedPort: DefaultPort},
		{address: " master.example.org:7051 ", expectedHost: "master.example.org", expectedPort: 7051},
		{address: "[::1]:7052", expectedHost: "::1", expectedPort: 7052},
		{address: "::1", expectedHost: "::1", expectedPort: DefaultPort},
		{address: "[fe80::1]", expectedHost: "fe80::1", expectedPort: DefaultPort},
		{address: "", expectError: true},
		{address: "host:notaport", expectError: true},
		{address: "host:0", expectError: true},
		{address: "host:70000", expectError: true},
		{address: ":7051", expectError: true},
		{address: "bad host!", expectError: true},
	}

	for _, test := range tests {
		t.Run(test.address, func(t *testing.T) {
			hp, err := ParseHostPort(test.address, DefaultPort)
			if test.expectError {
				if err == nil {
					t.Errorf("Expected error for %q, got %+v", test.address, hp)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error for %q: %v", test.address, err)
			}
			if hp.Host != test.expectedHost {
				t.Errorf("Expected host %q, got %q", test.expectedHost, hp.Host)
			}
			if hp.Port != test.expectedPort {
				t.Errorf("Expected port %d, got %d", test.expectedPort, hp.Port)
			}
		})
	}
}

func TestHostPortString(t *testing.T) {
	if s := (HostPort{Host: "::1", Port: 7051}).String(); s != "[::1]:7051" {
		t.Errorf("Expected [::1]:7051, got %s", s)
	}
	if s := (HostPort{Host: "a.example.org", Port: 1}).String(); s != "a.example.org:1" {
		t.Errorf("Expected a.example.org:1, got %s", s)
	}
}

func TestParseAddressList(t *testing.T) {
	list, err := ParseAddressList("m1:7051, m2 ,,m3:7151", DefaultPort)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 addresses, got %d", len(list))
	}
	if list[1].Host != "m2" || list[1].Port != DefaultPort {
		t.Errorf("Unexpected second entry %+v", list[1])
	}
	if list[2].Port != 7151 {
		t.Errorf("Unexpected third entry %+v", list[2])
	}

	if _, err := ParseAddressList(" , ", DefaultPort); err == nil {
		t.Error("Expected error for empty list")
	}
	if _, err := ParseAddressList("m1,bad host", DefaultPort); err == nil {
		t.Error("Expected error for invalid entry")
	}
}

func TestIsValidHostname(t *testing.T) {
	valid := []string{"localhost", "tserver-1.example.org", "host_2"}
	invalid := []string{"", "a b", "host/1", "host?x"}

	for _, name := range valid {
		if !IsValidHostname(name) {
			t.Errorf("Expected %q to be valid", name)
		}
	}
	for _, name := range invalid {
		if IsValidHostname(name) {
			t.Errorf("Expected %q to be invalid", name)
		}
	}
}

func TestIsLoopbackConnection(t *testing.T) {
	tcp := func(ip string, port int) net.Addr {
		return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
	}

	tests := []struct {
		name     string
		local    net.Addr
		remote   net.Addr
		expected bool
	}{
		{"same loopback", tcp("127.0.0.1", 40000), tcp("127.0.0.1", 7051), true},
		{"different loopback", tcp("127.0.0.1", 40000), tcp("127.0.0.2", 7051), true},
		{"ipv6 loopback", tcp("::1", 40000), tcp("::1", 7051), true},
		{"same external ip", tcp("10.1.2.3", 40000), tcp("10.1.2.3", 7051), true},
		{"remote host", tcp("10.1.2.3", 40000), tcp("10.1.2.4", 7051), false},
		{"unix socket", &net.UnixAddr{Name: "@a", Net: "unix"}, &net.UnixAddr{Name: "@b", Net: "unix"}, true},
		{"nil remote", tcp("127.0.0.1", 1), nil, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsLoopbackConnection(test.local, test.remote); got != test.expected {
				t.Errorf("Expected %v, got %v", test.expected, got)
			}
		})
	}

	// In-memory pipes carry no IP and are never loopback
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	if IsLoopbackConnection(c1.LocalAddr(), c1.RemoteAddr()) {
		t.Error("net.Pipe should not be classified as loopback")
	}
}
