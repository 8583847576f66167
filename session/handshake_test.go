package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jl1nie/wifikey2/wkerr"
)

func TestHandshakeSucceedsWithMatchingPassphrase(t *testing.T) {
	client, server := dialedPair(t)

	done := make(chan error, 2)
	go func() { done <- ListenerHandshake(context.Background(), server, "cq de w1aw") }()
	go func() { done <- ConnectorHandshake(context.Background(), client, "cq de w1aw") }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("handshake leg failed: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("handshake timed out")
		}
	}
}

func TestHandshakeFailsWithMismatchedPassphrase(t *testing.T) {
	client, server := dialedPair(t)

	listenerErr := make(chan error, 1)
	connectorErr := make(chan error, 1)
	go func() { listenerErr <- ListenerHandshake(context.Background(), server, "correct-passphrase") }()
	go func() { connectorErr <- ConnectorHandshake(context.Background(), client, "wrong-passphrase") }()

	select {
	case err := <-listenerErr:
		if !errors.Is(err, wkerr.ErrAuth) {
			t.Fatalf("listener err = %v, want wkerr.ErrAuth", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("listener handshake timed out")
	}
}
