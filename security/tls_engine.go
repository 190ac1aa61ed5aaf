// Copyright 2025 Morgridge Institute for Research
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// StdTLSContext runs TLS handshakes with crypto/tls, carrying the records
// in negotiation messages instead of on the socket
type StdTLSContext struct {
	config *tls.Config
}

// NewTLSContext creates a TLS context from config. The config is cloned
// for every handshake.
func NewTLSContext(config *tls.Config) *StdTLSContext {
	if config == nil {
		config = &tls.Config{}
	}
	return &StdTLSContext{config: config}
}

// NewTLSContextFromFiles loads an optional certificate pair and an optional
// CA bundle. serverName is used to verify the server when verification is on.
func NewTLSContextFromFiles(certFile, keyFile, caFile, serverName string) (*StdTLSContext, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate pair: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", caFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", caFile)
		}
		config.RootCAs = pool
		config.ClientCAs = pool
	}

	return NewTLSContext(config), nil
}

// InitiateHandshake implements TLSContext
func (c *StdTLSContext) InitiateHandshake(role HandshakeRole) (TLSHandshaker, error) {
	if role == RoleServer && len(c.config.Certificates) == 0 && c.config.GetCertificate == nil {
		return nil, fmt.Errorf("server-side TLS handshake requires a certificate")
	}
	config := c.config.Clone()
	// Resumption would make the handshake shape depend on earlier connections
	config.SessionTicketsDisabled = true
	if role == RoleClient {
		config.ClientSessionCache = nil
	}

	// Room for a pending input request plus the final result, so an
	// aborted handshake goroutine never blocks
	events := make(chan handshakeEvent, 2)
	return &stdHandshaker{
		role:   role,
		config: config,
		conn:   &handshakeConn{input: make(chan []byte), events: events},
		events: events,
	}, nil
}

// handshakeEvent is reported by the handshake goroutine whenever it needs
// a token from the peer or has finished
type handshakeEvent struct {
	out  []byte
	done bool
	err  error
}

// stdHandshaker runs tls.Conn.Handshake on a helper goroutine and steps it
// one flight at a time. Only one of Continue and the goroutine runs at once.
type stdHandshaker struct {
	role    HandshakeRole
	config  *tls.Config
	conn    *handshakeConn
	tlsConn *tls.Conn
	events  chan handshakeEvent

	started  bool
	done     bool
	finished bool
	aborted  bool
}

func (h *stdHandshaker) SetVerificationMode(mode VerificationMode) {
	switch mode {
	case VerifyNone:
		if h.role == RoleClient {
			h.config.InsecureSkipVerify = true
		} else {
			h.config.ClientAuth = tls.RequestClientCert
		}
	case VerifyRemoteCertAndHost:
		if h.role == RoleClient {
			h.config.InsecureSkipVerify = false
		} else if h.config.ClientCAs != nil {
			h.config.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
}

func (h *stdHandshaker) Continue(ctx context.Context, token []byte) ([]byte, bool, error) {
	if h.done {
		return nil, true, fmt.Errorf("TLS handshake already complete")
	}
	if h.aborted {
		return nil, false, fmt.Errorf("TLS handshake aborted")
	}

	if !h.started {
		h.started = true
		h.conn.in = append(h.conn.in, token...)
		if h.role == RoleClient {
			h.tlsConn = tls.Client(h.conn, h.config)
		} else {
			h.tlsConn = tls.Server(h.conn, h.config)
		}
		go h.run()
	} else {
		select {
		case h.conn.input <- token:
		case <-ctx.Done():
			h.Abort()
			return nil, false, ctx.Err()
		}
	}

	select {
	case ev := <-h.events:
		if ev.err != nil {
			h.Abort()
			return nil, false, ev.err
		}
		h.done = ev.done
		return ev.out, ev.done, nil
	case <-ctx.Done():
		h.Abort()
		return nil, false, ctx.Err()
	}
}

// Abort unblocks the handshake goroutine, which then exits with an error.
// A finished handshake is left alone.
func (h *stdHandshaker) Abort() {
	if h.finished {
		return
	}
	h.aborted = true
	h.conn.abort()
}

func (h *stdHandshaker) run() {
	err := h.tlsConn.Handshake()
	h.events <- handshakeEvent{out: h.conn.takeOutput(), done: err == nil, err: err}
}

func (h *stdHandshaker) Finish(raw net.Conn) (net.Conn, error) {
	if err := h.finish(raw); err != nil {
		return nil, err
	}
	return h.tlsConn, nil
}

func (h *stdHandshaker) FinishNoWrap(raw net.Conn) error {
	if err := h.finish(raw); err != nil {
		return err
	}
	if len(h.conn.in) > 0 {
		return fmt.Errorf("%d bytes of unexpected TLS data after handshake", len(h.conn.in))
	}
	return nil
}

func (h *stdHandshaker) finish(raw net.Conn) error {
	if !h.done {
		return fmt.Errorf("TLS handshake not complete")
	}
	if h.finished {
		return fmt.Errorf("TLS handshake already finished")
	}
	h.finished = true
	h.conn.raw = raw
	return nil
}

func (h *stdHandshaker) RemoteCertificate() (*x509.Certificate, error) {
	if !h.done {
		return nil, fmt.Errorf("TLS handshake not complete")
	}
	certs := h.tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("peer presented no certificate")
	}
	return certs[0], nil
}

// handshakeConn is the transport under tls.Conn. During the handshake,
// writes are collected into the next outbound token and reads block until
// Continue supplies the peer's token. Once raw is set it passes through.
type handshakeConn struct {
	in     []byte
	out    []byte
	input  chan []byte
	events chan handshakeEvent

	abortOnce sync.Once
	raw       net.Conn
}

func (c *handshakeConn) abort() {
	c.abortOnce.Do(func() {
		close(c.input)
	})
}

func (c *handshakeConn) takeOutput() []byte {
	out := c.out
	c.out = nil
	return out
}

func (c *handshakeConn) Read(b []byte) (int, error) {
	if len(c.in) == 0 {
		if c.raw != nil {
			return c.raw.Read(b)
		}
		// Hand the flight we have so far to the peer and wait for its reply
		c.events <- handshakeEvent{out: c.takeOutput()}
		token, ok := <-c.input
		if !ok {
			return 0, io.ErrClosedPipe
		}
		c.in = append(c.in, token...)
		if len(c.in) == 0 {
			return 0, io.ErrUnexpectedEOF
		}
	}
	n := copy(b, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *handshakeConn) Write(b []byte) (int, error) {
	if c.raw != nil {
		return c.raw.Write(b)
	}
	c.out = append(c.out, b...)
	return len(b), nil
}

func (c *handshakeConn) Close() error {
	if c.raw != nil {
		return c.raw.Close()
	}
	c.abort()
	return nil
}

func (c *handshakeConn) LocalAddr() net.Addr {
	if c.raw != nil {
		return c.raw.LocalAddr()
	}
	return tokenAddr{}
}

func (c *handshakeConn) RemoteAddr() net.Addr {
	if c.raw != nil {
		return c.raw.RemoteAddr()
	}
	return tokenAddr{}
}

func (c *handshakeConn) SetDeadline(t time.Time) error {
	if c.raw != nil {
		return c.raw.SetDeadline(t)
	}
	return nil
}

func (c *handshakeConn) SetReadDeadline(t time.Time) error {
	if c.raw != nil {
		return c.raw.SetReadDeadline(t)
	}
	return nil
}

func (c *handshakeConn) SetWriteDeadline(t time.Time) error {
	if c.raw != nil {
		return c.raw.SetWriteDeadline(t)
	}
	return nil
}

// tokenAddr stands in for an address until the handshake is attached to a
// real connection
type tokenAddr struct{}

func (tokenAddr) Network() string { return "tls-token" }
func (tokenAddr) String() string  { return "tls-token" }
