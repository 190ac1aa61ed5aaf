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

// Package stream provides low-level socket stream management for RPC
// connections.
//
// A Stream owns the connection for the lifetime of the negotiation and
// afterwards. Every blocking operation takes a context; the context deadline
// (or the stream timeout, if the context has none) is applied to the socket
// so that a stalled peer surfaces as ErrTimeout instead of blocking forever.
package stream

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/bbockelm/tabletrpc/addresses"
)

// ErrTimeout is wrapped by every error caused by an exceeded deadline
var ErrTimeout = errors.New("stream deadline exceeded")

// ErrNetwork is wrapped by every other transport failure
var ErrNetwork = errors.New("network communication error")

// aLongTimeAgo is used to unblock pending I/O when a context is cancelled
var aLongTimeAgo = time.Unix(1, 0)

// Stream represents an RPC connection
type Stream struct {
	conn net.Conn

	// Connection information
	peerAddr string // Remote address of the connection

	// Timeout applied when the caller's context has no deadline (0 = none)
	timeout time.Duration
}

// NewStream creates a new stream from a connection
func NewStream(conn net.Conn) *Stream {
	peerAddr := ""
	if conn != nil && conn.RemoteAddr() != nil {
		peerAddr = conn.RemoteAddr().String()
	}

	return &Stream{
		conn:     conn,
		peerAddr: peerAddr,
	}
}

// armDeadline applies the effective deadline to the connection and arranges
// for pending I/O to be interrupted if ctx is cancelled. The returned
// function must be called once the I/O completes.
func (s *Stream) armDeadline(ctx context.Context) (func() bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok && s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	return context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(aLongTimeAgo)
	}), nil
}

// classify maps a raw I/O error to ErrTimeout or ErrNetwork
func (s *Stream) classify(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("%s %s", op, s.peerAddr))
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return errors.Wrap(ErrTimeout, fmt.Sprintf("%s %s: %v", op, s.peerAddr, err))
	}
	return errors.Wrap(ErrNetwork, fmt.Sprintf("%s %s: %v", op, s.peerAddr, err))
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Write writes all of data to the connection
func (s *Stream) Write(ctx context.Context, data []byte) error {
	if s.conn == nil {
		return errors.Wrap(ErrNetwork, "write on closed stream")
	}
	stop, err := s.armDeadline(ctx)
	if err != nil {
		return s.classify(ctx, "write to", err)
	}
	defer stop()

	for len(data) > 0 {
		n, err := s.conn.Write(data)
		if err != nil {
			return s.classify(ctx, "write to", err)
		}
		data = data[n:]
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes from the connection
func (s *Stream) ReadFull(ctx context.Context, buf []byte) error {
	if s.conn == nil {
		return errors.Wrap(ErrNetwork, "read on closed stream")
	}
	stop, err := s.armDeadline(ctx)
	if err != nil {
		return s.classify(ctx, "read from", err)
	}
	defer stop()

	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return s.classify(ctx, "read from", err)
	}
	return nil
}

// IsConnected returns true if the stream has a connection
func (s *Stream) IsConnected() bool {
	return s.conn != nil
}

// IsLoopback returns true if both ends of the connection are on this host
func (s *Stream) IsLoopback() bool {
	if s.conn == nil {
		return false
	}
	return addresses.IsLoopbackConnection(s.conn.LocalAddr(), s.conn.RemoteAddr())
}

// Close closes the stream
func (s *Stream) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// GetConnection returns the underlying connection
func (s *Stream) GetConnection() net.Conn {
	return s.conn
}

// SetConnection replaces the underlying connection, e.g. with a TLS
// connection layered over the original one
func (s *Stream) SetConnection(conn net.Conn) {
	s.conn = conn
}

// GetPeerAddr returns the remote address of the connection
func (s *Stream) GetPeerAddr() string {
	return s.peerAddr
}

// SetPeerAddr overrides the remote address used in diagnostics
func (s *Stream) SetPeerAddr(addr string) {
	s.peerAddr = addr
}

// SetTimeout sets the timeout used when the caller's context has no deadline
func (s *Stream) SetTimeout(duration time.Duration) {
	s.timeout = duration
}

// GetTimeout returns the current stream timeout
func (s *Stream) GetTimeout() time.Duration {
	return s.timeout
}
