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

// Package message provides serialization and deserialization of the
// messages exchanged while an RPC connection is being set up.
//
// Messages use the protobuf wire format. Only the handful of messages used
// by connection negotiation are implemented, directly on top of protowire:
//   - RequestHeader / ResponseHeader: per-frame envelope headers
//   - ErrorStatus: body of a response whose header has is_error set
//   - Negotiate: every negotiation step
//   - ConnectionContext: the final message of connection setup
//
// Unknown fields are skipped on decode, as protobuf requires.
package message

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bbockelm/tabletrpc/protocol"
)

// ErrMalformed is wrapped by every decoding failure
var ErrMalformed = errors.New("malformed message")

// ErrMessageTooLarge is returned when a frame exceeds the maximum allowed size
type ErrMessageTooLarge struct {
	Length  uint64
	MaxSize int
}

func (e *ErrMessageTooLarge) Error() string {
	return fmt.Sprintf("message length (%d bytes) exceeds maximum allowed size (%d bytes)", e.Length, e.MaxSize)
}

// Marshaler is implemented by every message type in this package
type Marshaler interface {
	Marshal() []byte
}

// Field numbers
const (
	requestHeaderCallID = 3

	responseHeaderCallID  = 1
	responseHeaderIsError = 2

	errorStatusMessage = 1
	errorStatusCode    = 2

	negotiateSupportedFeatures = 1
	negotiateStep              = 2
	negotiateToken             = 3
	negotiateSaslMechanisms    = 4
	negotiateTLSHandshake      = 5
	negotiateChannelBindings   = 6

	saslMechanismName = 2

	connectionContextUserInfo = 2
	userInfoEffectiveUser     = 1
	userInfoRealUser          = 2
)

// RequestHeader precedes every client-to-server message body
type RequestHeader struct {
	CallID int32
}

// ResponseHeader precedes every server-to-client message body
type ResponseHeader struct {
	CallID  int32
	IsError bool
}

// ErrorStatus is the body of an error response
type ErrorStatus struct {
	Message string
	Code    protocol.ErrorCode
	HasCode bool
}

// SaslMechanism names one authentication mechanism
type SaslMechanism struct {
	Mechanism string
}

// Negotiate is the envelope of every negotiation step. Has* fields record
// presence, since an empty token and an absent token mean different things.
type Negotiate struct {
	Step protocol.NegotiateStep

	// Raw feature flag values, unknown ones included
	SupportedFeatures []protocol.FeatureFlag

	Token    []byte
	HasToken bool

	SaslMechanisms []SaslMechanism

	TLSHandshake    []byte
	HasTLSHandshake bool

	ChannelBindings    []byte
	HasChannelBindings bool
}

// ConnectionContext is sent by the client once negotiation has succeeded
type ConnectionContext struct {
	EffectiveUser string
	RealUser      string
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	// int32 is sign-extended to 64 bits on the wire
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// fieldFunc handles one field. It returns the number of bytes consumed, or
// 0 if it does not recognize the field and it should be skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk iterates over the fields of an encoded message
func walk(name string, b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformed, fmt.Sprintf("%s: bad tag: %v", name, protowire.ParseError(n)))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return errors.Wrap(ErrMalformed, fmt.Sprintf("%s: field %d: %v", name, num, err))
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrap(ErrMalformed, fmt.Sprintf("%s: field %d: %v", name, num, protowire.ParseError(n)))
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	// Copy so the message does not alias the receive buffer
	return append([]byte{}, v...), n, nil
}

func missingField(name, field string) error {
	return errors.Wrap(ErrMalformed, fmt.Sprintf("%s: missing required field %s", name, field))
}

// Marshal encodes the request header
func (h *RequestHeader) Marshal() []byte {
	return appendInt32(nil, requestHeaderCallID, h.CallID)
}

// Unmarshal decodes a request header
func (h *RequestHeader) Unmarshal(b []byte) error {
	hasCallID := false
	err := walk("RequestHeader", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == requestHeaderCallID && typ == protowire.VarintType {
			v, n, err := consumeVarint(b)
			h.CallID = int32(v)
			hasCallID = true
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if !hasCallID {
		return missingField("RequestHeader", "call_id")
	}
	return nil
}

// Marshal encodes the response header
func (h *ResponseHeader) Marshal() []byte {
	b := appendInt32(nil, responseHeaderCallID, h.CallID)
	if h.IsError {
		b = protowire.AppendTag(b, responseHeaderIsError, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Unmarshal decodes a response header
func (h *ResponseHeader) Unmarshal(b []byte) error {
	hasCallID := false
	err := walk("ResponseHeader", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return 0, nil
		}
		switch num {
		case responseHeaderCallID:
			v, n, err := consumeVarint(b)
			h.CallID = int32(v)
			hasCallID = true
			return n, err
		case responseHeaderIsError:
			v, n, err := consumeVarint(b)
			h.IsError = protowire.DecodeBool(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if !hasCallID {
		return missingField("ResponseHeader", "call_id")
	}
	return nil
}

// Marshal encodes the error status
func (e *ErrorStatus) Marshal() []byte {
	b := appendString(nil, errorStatusMessage, e.Message)
	if e.HasCode {
		b = appendInt32(b, errorStatusCode, int32(e.Code))
	}
	return b
}

// Unmarshal decodes an error status
func (e *ErrorStatus) Unmarshal(b []byte) error {
	hasMessage := false
	err := walk("ErrorStatus", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == errorStatusMessage && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			e.Message = string(v)
			hasMessage = true
			return n, err
		case num == errorStatusCode && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			e.Code = protocol.ErrorCode(int32(v))
			e.HasCode = true
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if !hasMessage {
		return missingField("ErrorStatus", "message")
	}
	return nil
}

// Marshal encodes the negotiate message. Features are written unpacked.
func (m *Negotiate) Marshal() []byte {
	var b []byte
	for _, f := range m.SupportedFeatures {
		b = appendInt32(b, negotiateSupportedFeatures, int32(f))
	}
	b = appendInt32(b, negotiateStep, int32(m.Step))
	if m.HasToken {
		b = appendBytes(b, negotiateToken, m.Token)
	}
	for _, mech := range m.SaslMechanisms {
		inner := appendString(nil, saslMechanismName, mech.Mechanism)
		b = appendBytes(b, negotiateSaslMechanisms, inner)
	}
	if m.HasTLSHandshake {
		b = appendBytes(b, negotiateTLSHandshake, m.TLSHandshake)
	}
	if m.HasChannelBindings {
		b = appendBytes(b, negotiateChannelBindings, m.ChannelBindings)
	}
	return b
}

// Unmarshal decodes a negotiate message. Both packed and unpacked
// encodings of supported_features are accepted.
func (m *Negotiate) Unmarshal(b []byte) error {
	hasStep := false
	err := walk("Negotiate", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case negotiateSupportedFeatures:
			switch typ {
			case protowire.VarintType:
				v, n, err := consumeVarint(b)
				m.SupportedFeatures = append(m.SupportedFeatures, protocol.FeatureFlag(int32(v)))
				return n, err
			case protowire.BytesType:
				packed, n, err := consumeBytes(b)
				if err != nil {
					return 0, err
				}
				for len(packed) > 0 {
					v, vn, err := consumeVarint(packed)
					if err != nil {
						return 0, err
					}
					m.SupportedFeatures = append(m.SupportedFeatures, protocol.FeatureFlag(int32(v)))
					packed = packed[vn:]
				}
				return n, nil
			}
		case negotiateStep:
			if typ == protowire.VarintType {
				v, n, err := consumeVarint(b)
				m.Step = protocol.NegotiateStep(int32(v))
				hasStep = true
				return n, err
			}
		case negotiateToken:
			if typ == protowire.BytesType {
				v, n, err := consumeBytes(b)
				m.Token, m.HasToken = v, true
				return n, err
			}
		case negotiateSaslMechanisms:
			if typ == protowire.BytesType {
				v, n, err := consumeBytes(b)
				if err != nil {
					return 0, err
				}
				var mech SaslMechanism
				if err := mech.unmarshal(v); err != nil {
					return 0, err
				}
				m.SaslMechanisms = append(m.SaslMechanisms, mech)
				return n, nil
			}
		case negotiateTLSHandshake:
			if typ == protowire.BytesType {
				v, n, err := consumeBytes(b)
				m.TLSHandshake, m.HasTLSHandshake = v, true
				return n, err
			}
		case negotiateChannelBindings:
			if typ == protowire.BytesType {
				v, n, err := consumeBytes(b)
				m.ChannelBindings, m.HasChannelBindings = v, true
				return n, err
			}
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if !hasStep {
		return missingField("Negotiate", "step")
	}
	return nil
}

func (s *SaslMechanism) unmarshal(b []byte) error {
	hasName := false
	err := walk("SaslMechanism", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == saslMechanismName && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			s.Mechanism = string(v)
			hasName = true
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if !hasName {
		return fmt.Errorf("missing required field mechanism")
	}
	return nil
}

// Marshal encodes the connection context
func (c *ConnectionContext) Marshal() []byte {
	var user []byte
	if c.EffectiveUser != "" {
		user = appendString(user, userInfoEffectiveUser, c.EffectiveUser)
	}
	user = appendString(user, userInfoRealUser, c.RealUser)
	return appendBytes(nil, connectionContextUserInfo, user)
}

// Unmarshal decodes a connection context
func (c *ConnectionContext) Unmarshal(b []byte) error {
	return walk("ConnectionContext", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != connectionContextUserInfo || typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		err = walk("UserInformation", v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if typ != protowire.BytesType {
				return 0, nil
			}
			switch num {
			case userInfoEffectiveUser:
				s, n, err := consumeBytes(b)
				c.EffectiveUser = string(s)
				return n, err
			case userInfoRealUser:
				s, n, err := consumeBytes(b)
				c.RealUser = string(s)
				return n, err
			}
			return 0, nil
		})
		return n, err
	})
}

// MechanismNames returns the names of the listed mechanisms
func (m *Negotiate) MechanismNames() []string {
	names := make([]string, 0, len(m.SaslMechanisms))
	for _, mech := range m.SaslMechanisms {
		names = append(names, mech.Mechanism)
	}
	return names
}
