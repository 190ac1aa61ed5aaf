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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
)

// Ticket authentication is the StrongAuth mechanism. A ticket is an HS256
// JWT issued by the server; its signature is a secret shared between the
// holder and the server. The exchange is AKEP2-style mutual authentication:
//
//	client -> server: ticket (header.payload), rA
//	server -> client: rB, hK("server", rA, rB)
//	client -> server: hK("client", rA, rB)
//
// After the exchange both sides derive an integrity key from K', rA and rB.
const (
	TicketNonceLength = 32
	TicketKeyLength   = 32

	ticketMACLength = sha256.Size
	// 4-byte length prefix and trailing MAC around each protected payload
	ticketPacketOverhead = 4 + ticketMACLength
	maxIntegrityPayload  = 1 << 24
)

// TicketSource supplies the ticket presented by the StrongAuth mechanism
type TicketSource interface {
	Ticket(ctx context.Context) (string, error)
}

// StaticTicket is a ticket held in memory
type StaticTicket string

// Ticket implements TicketSource
func (t StaticTicket) Ticket(ctx context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("no ticket configured")
	}
	return string(t), nil
}

// FileTicket reads the first ticket in a file on every use. Empty lines and
// lines starting with '#' are skipped.
type FileTicket string

// Ticket implements TicketSource
func (f FileTicket) Ticket(ctx context.Context) (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("failed to read ticket file %s: %w", string(f), err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	return "", fmt.Errorf("no ticket found in %s", string(f))
}

// IssueTicket creates a ticket for subject, valid for ttl, signed with
// signingKey. audience may be empty.
func IssueTicket(signingKey []byte, subject, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

// ticketKeys holds the keys derived from a ticket
type ticketKeys struct {
	mac       []byte // K, authenticates the exchange
	integrity []byte // K', seeds the integrity layer
}

// parseTicket splits a ticket into the part sent to the server and the
// shared secret, and checks the claims the client can check on its own
func parseTicket(ticket, serverFQDN string, now time.Time) (body string, secret []byte, err error) {
	parts := strings.Split(ticket, ".")
	if len(parts) != 3 {
		return "", nil, fmt.Errorf("invalid ticket format: expected 3 parts, got %d", len(parts))
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(ticket, &claims); err != nil {
		return "", nil, fmt.Errorf("failed to parse ticket: %w", err)
	}
	if claims.Subject == "" {
		return "", nil, fmt.Errorf("ticket missing required subject (sub) claim")
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return "", nil, fmt.Errorf("ticket for %s expired at %s", claims.Subject, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	if serverFQDN != "" && len(claims.Audience) > 0 && !slices.Contains(claims.Audience, serverFQDN) {
		return "", nil, fmt.Errorf("ticket audience %v does not include %s", []string(claims.Audience), serverFQDN)
	}

	secret, err = base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode ticket signature: %w", err)
	}
	return parts[0] + "." + parts[1], secret, nil
}

// deriveTicketKeys derives K and K' from the shared secret, salted with
// the ticket body
func deriveTicketKeys(secret []byte, body string) (ticketKeys, error) {
	keys := ticketKeys{
		mac:       make([]byte, TicketKeyLength),
		integrity: make([]byte, TicketKeyLength),
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(body), []byte("ticket mac")), keys.mac); err != nil {
		return ticketKeys{}, fmt.Errorf("failed to derive shared key K: %w", err)
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(body), []byte("ticket integrity")), keys.integrity); err != nil {
		return ticketKeys{}, fmt.Errorf("failed to derive shared key K': %w", err)
	}
	return keys, nil
}

func computeTicketMAC(key []byte, role string, ra, rb []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(role))
	h.Write(ra)
	h.Write(rb)
	return h.Sum(nil)
}

// deriveSessionIntegrityKey binds the integrity key to this exchange
func deriveSessionIntegrityKey(integrity, ra, rb []byte) ([]byte, error) {
	key := make([]byte, TicketKeyLength)
	salt := append(append([]byte{}, ra...), rb...)
	if _, err := io.ReadFull(hkdf.New(sha256.New, integrity, salt, []byte("session integrity")), key); err != nil {
		return nil, fmt.Errorf("failed to derive integrity key: %w", err)
	}
	return key, nil
}

// encodeTicketFields writes length-delimited fields
func encodeTicketFields(fields ...[]byte) []byte {
	var b []byte
	for _, f := range fields {
		b = protowire.AppendBytes(b, f)
	}
	return b
}

// decodeTicketFields reads exactly count length-delimited fields
func decodeTicketFields(b []byte, count int) ([][]byte, error) {
	fields := make([][]byte, 0, count)
	for range count {
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed ticket message: %v", protowire.ParseError(n))
		}
		fields = append(fields, append([]byte(nil), v...))
		b = b[n:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("malformed ticket message: %d trailing bytes", len(b))
	}
	return fields, nil
}

// ticketEngine is the client side of ticket authentication
type ticketEngine struct {
	source     TicketSource
	serverFQDN string

	keys ticketKeys
	ra   []byte

	authenticated bool
	integrity     integrityLayer
	protect       bool
}

func newTicketEngine(source TicketSource, serverFQDN string) *ticketEngine {
	return &ticketEngine{source: source, serverFQDN: serverFQDN}
}

func (e *ticketEngine) Start(ctx context.Context, mechanisms []string) (string, []byte, error) {
	if !containsMechanism(mechanisms, MechanismStrongAuth) {
		return "", nil, fmt.Errorf("%s is not among the offered mechanisms %v", StrongAuthMechanismName, mechanisms)
	}

	ticket, err := e.source.Ticket(ctx)
	if err != nil {
		return "", nil, err
	}
	body, secret, err := parseTicket(ticket, e.serverFQDN, time.Now())
	if err != nil {
		return "", nil, err
	}
	if e.keys, err = deriveTicketKeys(secret, body); err != nil {
		return "", nil, err
	}

	e.ra = make([]byte, TicketNonceLength)
	if _, err := rand.Read(e.ra); err != nil {
		return "", nil, fmt.Errorf("failed to generate client nonce: %w", err)
	}

	return StrongAuthMechanismName, encodeTicketFields([]byte(body), e.ra), nil
}

func (e *ticketEngine) Step(ctx context.Context, challenge []byte) ([]byte, error) {
	if e.ra == nil {
		return nil, fmt.Errorf("ticket authentication not started")
	}
	if e.authenticated {
		return nil, errors.Wrap(ErrNotAuthorized, "unexpected challenge after ticket exchange completed")
	}

	fields, err := decodeTicketFields(challenge, 2)
	if err != nil {
		return nil, errors.Wrap(ErrNotAuthorized, err.Error())
	}
	rb, serverMAC := fields[0], fields[1]
	if len(rb) != TicketNonceLength {
		return nil, errors.Wrap(ErrNotAuthorized, fmt.Sprintf("server nonce has %d bytes", len(rb)))
	}

	if !hmac.Equal(serverMAC, computeTicketMAC(e.keys.mac, "server", e.ra, rb)) {
		return nil, errors.Wrap(ErrNotAuthorized, "server failed to prove knowledge of the ticket key")
	}

	key, err := deriveSessionIntegrityKey(e.keys.integrity, e.ra, rb)
	if err != nil {
		return nil, err
	}
	e.integrity = newIntegrityLayer(key)
	e.authenticated = true

	return encodeTicketFields(computeTicketMAC(e.keys.mac, "client", e.ra, rb)), nil
}

func (e *ticketEngine) EnableIntegrityProtection() error {
	e.protect = true
	return nil
}

func (e *ticketEngine) Encode(plaintext []byte) ([]byte, error) {
	if !e.protect {
		return plaintext, nil
	}
	if !e.authenticated {
		return nil, fmt.Errorf("integrity layer used before authentication completed")
	}
	return e.integrity.seal(plaintext), nil
}

func (e *ticketEngine) Decode(encoded []byte) ([]byte, error) {
	if !e.protect {
		return encoded, nil
	}
	if !e.authenticated {
		return nil, fmt.Errorf("integrity layer used before authentication completed")
	}
	return e.integrity.open(encoded)
}

func (e *ticketEngine) MaxDecodeSize() int {
	return DefaultMaxDecodeSize
}

// integrityLayer frames payloads as len | payload | HMAC(seq | payload).
// Sequence numbers are kept per direction.
type integrityLayer struct {
	key     []byte
	sendSeq uint32
	recvSeq uint32
	pending []byte
}

func newIntegrityLayer(key []byte) integrityLayer {
	return integrityLayer{key: key}
}

func (l *integrityLayer) mac(seq uint32, payload []byte) []byte {
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	h := hmac.New(sha256.New, l.key)
	h.Write(seqBytes[:])
	h.Write(payload)
	return h.Sum(nil)
}

func (l *integrityLayer) seal(payload []byte) []byte {
	packet := make([]byte, 4, ticketPacketOverhead+len(payload))
	binary.BigEndian.PutUint32(packet, uint32(len(payload)))
	packet = append(packet, payload...)
	packet = append(packet, l.mac(l.sendSeq, payload)...)
	l.sendSeq++
	return packet
}

// open accepts packets split at arbitrary points and returns the payloads
// of every packet completed by this call
func (l *integrityLayer) open(data []byte) ([]byte, error) {
	l.pending = append(l.pending, data...)

	var plaintext []byte
	for len(l.pending) >= 4 {
		length := int(binary.BigEndian.Uint32(l.pending))
		if length > maxIntegrityPayload {
			return nil, errors.Wrap(ErrNotAuthorized, fmt.Sprintf("integrity packet of %d bytes too large", length))
		}
		total := ticketPacketOverhead + length
		if len(l.pending) < total {
			break
		}
		payload := l.pending[4 : 4+length]
		if !hmac.Equal(l.pending[4+length:total], l.mac(l.recvSeq, payload)) {
			return nil, errors.Wrap(ErrNotAuthorized, "integrity check failed")
		}
		l.recvSeq++
		plaintext = append(plaintext, payload...)
		l.pending = l.pending[total:]
	}
	return plaintext, nil
}
