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

package message

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bbockelm/tabletrpc/protocol"
	"github.com/bbockelm/tabletrpc/stream"
)

// Channel sends and receives framed messages over a stream.
//
// A frame is a 4-byte big-endian length followed by that many bytes:
// a varint-delimited header and a varint-delimited body.
type Channel struct {
	stream         *stream.Stream
	maxMessageSize int
}

// NewChannel creates a channel over s. A non-positive maxMessageSize
// selects protocol.DefaultMaxMessageSize.
func NewChannel(s *stream.Stream, maxMessageSize int) *Channel {
	if maxMessageSize <= 0 {
		maxMessageSize = protocol.DefaultMaxMessageSize
	}
	return &Channel{stream: s, maxMessageSize: maxMessageSize}
}

// Stream returns the underlying stream
func (c *Channel) Stream() *stream.Stream {
	return c.stream
}

// ConnectionHeader returns the 7-byte preamble a client sends first
func ConnectionHeader() []byte {
	b := make([]byte, 0, protocol.ConnectionHeaderLength)
	b = append(b, protocol.MagicNumber...)
	return append(b, protocol.CurrentRPCVersion, protocol.ServiceClass, protocol.AuthProtocol)
}

// ValidateConnectionHeader checks a received preamble
func ValidateConnectionHeader(b []byte) error {
	if len(b) != protocol.ConnectionHeaderLength {
		return errors.Wrap(ErrMalformed, fmt.Sprintf("connection header has %d bytes", len(b)))
	}
	if string(b[:len(protocol.MagicNumber)]) != protocol.MagicNumber {
		return errors.Wrap(ErrMalformed, fmt.Sprintf("bad connection header magic %q", b[:len(protocol.MagicNumber)]))
	}
	if v := b[len(protocol.MagicNumber)]; v != protocol.CurrentRPCVersion {
		return errors.Wrap(ErrMalformed, fmt.Sprintf("unsupported RPC version %d", v))
	}
	return nil
}

// EncodeFrame builds a complete frame from encoded header and body
func EncodeFrame(header, body []byte) []byte {
	payload := protowire.AppendVarint(nil, uint64(len(header)))
	payload = append(payload, header...)
	payload = protowire.AppendVarint(payload, uint64(len(body)))
	payload = append(payload, body...)

	frame := make([]byte, protocol.FrameLengthPrefixLength, protocol.FrameLengthPrefixLength+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	return append(frame, payload...)
}

// SplitFrame separates a frame payload (without the length prefix) into
// header and body
func SplitFrame(payload []byte) ([]byte, []byte, error) {
	header, n := protowire.ConsumeBytes(payload)
	if n < 0 {
		return nil, nil, errors.Wrap(ErrMalformed, fmt.Sprintf("frame header: %v", protowire.ParseError(n)))
	}
	rest := payload[n:]

	body, n := protowire.ConsumeBytes(rest)
	if n < 0 {
		return nil, nil, errors.Wrap(ErrMalformed, fmt.Sprintf("frame body: %v", protowire.ParseError(n)))
	}
	if n != len(rest) {
		return nil, nil, errors.Wrap(ErrMalformed, fmt.Sprintf("%d trailing bytes in frame", len(rest)-n))
	}
	return header, body, nil
}

// SendConnectionHeader writes the connection preamble
func (c *Channel) SendConnectionHeader(ctx context.Context) error {
	return c.stream.Write(ctx, ConnectionHeader())
}

// ReceiveConnectionHeader reads and validates a connection preamble
func (c *Channel) ReceiveConnectionHeader(ctx context.Context) error {
	buf := make([]byte, protocol.ConnectionHeaderLength)
	if err := c.stream.ReadFull(ctx, buf); err != nil {
		return err
	}
	return ValidateConnectionHeader(buf)
}

// SendRequest sends body in a frame whose header carries callID
func (c *Channel) SendRequest(ctx context.Context, callID int32, body Marshaler) error {
	header := RequestHeader{CallID: callID}
	return c.stream.Write(ctx, EncodeFrame(header.Marshal(), body.Marshal()))
}

// SendResponse sends body in a frame with the given response header
func (c *Channel) SendResponse(ctx context.Context, header *ResponseHeader, body Marshaler) error {
	return c.stream.Write(ctx, EncodeFrame(header.Marshal(), body.Marshal()))
}

// ReceiveResponse reads one frame and decodes its response header. The
// returned body is still encoded; its type depends on header.IsError.
func (c *Channel) ReceiveResponse(ctx context.Context) (*ResponseHeader, []byte, error) {
	rawHeader, body, err := c.receiveFrame(ctx)
	if err != nil {
		return nil, nil, err
	}
	header := &ResponseHeader{}
	if err := header.Unmarshal(rawHeader); err != nil {
		return nil, nil, err
	}
	return header, body, nil
}

// ReceiveRequest reads one frame and decodes its request header
func (c *Channel) ReceiveRequest(ctx context.Context) (*RequestHeader, []byte, error) {
	rawHeader, body, err := c.receiveFrame(ctx)
	if err != nil {
		return nil, nil, err
	}
	header := &RequestHeader{}
	if err := header.Unmarshal(rawHeader); err != nil {
		return nil, nil, err
	}
	return header, body, nil
}

func (c *Channel) receiveFrame(ctx context.Context) ([]byte, []byte, error) {
	var prefix [protocol.FrameLengthPrefixLength]byte
	if err := c.stream.ReadFull(ctx, prefix[:]); err != nil {
		return nil, nil, err
	}

	// Compared unconverted so a huge prefix cannot wrap negative on 32-bit
	length := uint64(binary.BigEndian.Uint32(prefix[:]))
	if length > uint64(c.maxMessageSize) {
		return nil, nil, &ErrMessageTooLarge{Length: length, MaxSize: c.maxMessageSize}
	}

	payload := make([]byte, int(length))
	if err := c.stream.ReadFull(ctx, payload); err != nil {
		return nil, nil, err
	}
	return SplitFrame(payload)
}

// FormatBytes renders a short hex and ASCII preview for debug logs
func FormatBytes(data []byte) string {
	const limit = 32
	preview := data
	if len(preview) > limit {
		preview = preview[:limit]
	}
	ascii := bytes.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '.'
		}
		return r
	}, preview)
	return fmt.Sprintf("[%d bytes] %x %q", len(data), preview, ascii)
}
