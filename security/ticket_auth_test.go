package security

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func startTicketExchange(t *testing.T, audience, serverFQDN string) (*ticketEngine, *ticketAcceptor, []byte) {
	t.Helper()
	ticket, err := IssueTicket(testSigningKey, "alice", audience, time.Hour)
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	engine := newTicketEngine(StaticTicket(ticket), serverFQDN)
	mech, initial, err := engine.Start(context.Background(), []string{"PLAIN", "GSSAPI"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if mech != StrongAuthMechanismName {
		t.Errorf("Expected %s, got %s", StrongAuthMechanismName, mech)
	}
	if strings.Count(string(initial), ".") != 1 {
		t.Error("The ticket signature must never be sent to the server")
	}

	acceptor := &ticketAcceptor{signingKey: testSigningKey}
	challenge, err := acceptor.accept(initial)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	return engine, acceptor, challenge
}

func TestTicketExchange(t *testing.T) {
	engine, acceptor, challenge := startTicketExchange(t, "tserver.example.com", "tserver.example.com")

	response, err := engine.Step(context.Background(), challenge)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if err := acceptor.verify(response); err != nil {
		t.Fatalf("Server rejected client proof: %v", err)
	}

	if _, err := engine.Step(context.Background(), challenge); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized for a second challenge, got %v", err)
	}

	// Both sides derived the same integrity key
	if err := engine.EnableIntegrityProtection(); err != nil {
		t.Fatalf("EnableIntegrityProtection failed: %v", err)
	}
	sealed := acceptor.integrity.seal([]byte("channel bindings"))
	opened, err := engine.Decode(sealed)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(opened) != "channel bindings" {
		t.Errorf("Expected 'channel bindings', got %q", opened)
	}

	encoded, err := engine.Encode([]byte("ping"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	fromClient, err := acceptor.integrity.open(encoded)
	if err != nil || string(fromClient) != "ping" {
		t.Errorf("Expected 'ping', got %q (%v)", fromClient, err)
	}
}

func TestTicketExchangeWrongServerKey(t *testing.T) {
	engine, _, _ := startTicketExchange(t, "", "tserver.example.com")

	impostor := &ticketAcceptor{signingKey: []byte("not the key that signed the ticket")}
	ticket, _ := engine.source.Ticket(context.Background())
	body, _, _ := parseTicket(ticket, "", time.Now())
	challenge, err := impostor.accept(encodeTicketFields([]byte(body), engine.ra))
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	_, err = engine.Step(context.Background(), challenge)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("Expected ErrNotAuthorized, got %v", err)
	}
	if !strings.Contains(err.Error(), "server failed to prove knowledge of the ticket key") {
		t.Errorf("Unexpected message: %v", err)
	}
}

func TestTicketExchangeMalformedChallenge(t *testing.T) {
	engine, _, _ := startTicketExchange(t, "", "")

	for _, challenge := range [][]byte{
		nil,
		{0xff},
		encodeTicketFields([]byte("short"), []byte("mac")),
	} {
		if _, err := engine.Step(context.Background(), challenge); !errors.Is(err, ErrNotAuthorized) {
			t.Errorf("Expected ErrNotAuthorized for %x, got %v", challenge, err)
		}
	}
}

func TestParseTicket(t *testing.T) {
	now := time.Now()

	valid, _ := IssueTicket(testSigningKey, "alice", "tserver.example.com", time.Hour)
	body, secret, err := parseTicket(valid, "tserver.example.com", now)
	if err != nil {
		t.Fatalf("parseTicket failed: %v", err)
	}
	if !strings.HasPrefix(valid, body+".") || len(secret) != 32 {
		t.Errorf("Unexpected split: body %q, %d byte secret", body, len(secret))
	}

	tests := []struct {
		name       string
		ticket     string
		serverFQDN string
		errMessage string
	}{
		{"not a JWT", "abc.def", "", "expected 3 parts"},
		{"expired", mustIssue(t, "alice", "", -time.Minute), "", "expired"},
		{"wrong audience", mustIssue(t, "alice", "other.example.com", time.Hour), "tserver.example.com", "does not include"},
		{"no subject", mustIssue(t, "", "", time.Hour), "", "subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseTicket(tt.ticket, tt.serverFQDN, now)
			if err == nil || !strings.Contains(err.Error(), tt.errMessage) {
				t.Errorf("Expected error containing %q, got %v", tt.errMessage, err)
			}
		})
	}

	// Without a server name the audience is not checked
	if _, _, err := parseTicket(mustIssue(t, "alice", "other.example.com", time.Hour), "", now); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func mustIssue(t *testing.T, subject, audience string, ttl time.Duration) string {
	t.Helper()
	ticket, err := IssueTicket(testSigningKey, subject, audience, ttl)
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}
	return ticket
}

func TestIntegrityLayerStreaming(t *testing.T) {
	key := bytes.Repeat([]byte{7}, TicketKeyLength)
	sender := newIntegrityLayer(key)
	receiver := newIntegrityLayer(key)

	var stream []byte
	stream = append(stream, sender.seal([]byte("first"))...)
	stream = append(stream, sender.seal([]byte("second"))...)

	// Feed the packets one byte at a time
	var got []byte
	for i := range stream {
		out, err := receiver.open(stream[i : i+1])
		if err != nil {
			t.Fatalf("open failed at byte %d: %v", i, err)
		}
		got = append(got, out...)
	}
	if string(got) != "firstsecond" {
		t.Errorf("Expected 'firstsecond', got %q", got)
	}
	if receiver.recvSeq != 2 {
		t.Errorf("Expected receive sequence 2, got %d", receiver.recvSeq)
	}
}

func TestIntegrityLayerRejectsTampering(t *testing.T) {
	key := bytes.Repeat([]byte{7}, TicketKeyLength)

	sender := newIntegrityLayer(key)
	packet := sender.seal([]byte("payload"))
	packet[5] ^= 0x01
	receiver := newIntegrityLayer(key)
	if _, err := receiver.open(packet); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized for a modified payload, got %v", err)
	}

	// Replaying a packet fails because the sequence moved on
	sender = newIntegrityLayer(key)
	packet = sender.seal([]byte("payload"))
	receiver = newIntegrityLayer(key)
	if _, err := receiver.open(packet); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := receiver.open(packet); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized for a replay, got %v", err)
	}
}

func TestTicketSources(t *testing.T) {
	ctx := context.Background()

	if _, err := StaticTicket("").Ticket(ctx); err == nil {
		t.Error("Expected an error for an empty ticket")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "ticket")
	content := "# issued by tserver.example.com\n\n  header.payload.signature  \nsecond.ticket.ignored\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	ticket, err := FileTicket(path).Ticket(ctx)
	if err != nil {
		t.Fatalf("FileTicket failed: %v", err)
	}
	if ticket != "header.payload.signature" {
		t.Errorf("Expected the first ticket, got %q", ticket)
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("# nothing here\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := FileTicket(empty).Ticket(ctx); err == nil {
		t.Error("Expected an error for a file without tickets")
	}
	if _, err := FileTicket(filepath.Join(dir, "missing")).Ticket(ctx); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
