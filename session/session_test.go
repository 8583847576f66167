package session

import (
	"context"
	"testing"
	"time"

	"github.com/jl1nie/wifikey2/keying"
)

// pairedSessions builds a fully authenticated client/server Session pair for tests below.
func pairedSessions(t *testing.T) (client, server *Session) {
	t.Helper()
	clientTr, serverTr := dialedPair(t)

	type result struct {
		s   *Session
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		s := newSession(serverTr, "cq cq cq")
		err := ListenerHandshake(context.Background(), serverTr, "cq cq cq")
		if err == nil {
			s.markAuthOK()
		}
		serverCh <- result{s, err}
	}()

	clientSession := newSession(clientTr, "cq cq cq")
	if err := ConnectorHandshake(context.Background(), clientTr, "cq cq cq"); err != nil {
		t.Fatalf("connector handshake: %v", err)
	}
	clientSession.markAuthOK()

	r := <-serverCh
	if r.err != nil {
		t.Fatalf("listener handshake: %v", r.err)
	}
	return clientSession, r.s
}

func TestSessionSendRecvFrame(t *testing.T) {
	client, server := pairedSessions(t)

	f := keying.Frame{Command: keying.CmdKeyerMessage, Timestamp: 1000, Edges: []keying.Edge{
		{Down: true, Offset: 5},
		{Down: false, Offset: 25},
	}}
	if err := client.SendFrame(f); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := server.RecvFrame(ctx)
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if got.Timestamp != f.Timestamp || len(got.Edges) != len(f.Edges) {
		t.Fatalf("got %+v, want %+v", got, f)
	}
}

func TestSessionStateTransitionsToAuthOK(t *testing.T) {
	client, server := pairedSessions(t)
	if client.State() != StateAuthOK {
		t.Fatalf("client state = %v, want AUTH-OK", client.State())
	}
	if server.State() != StateAuthOK {
		t.Fatalf("server state = %v, want AUTH-OK", server.State())
	}
}

func TestSessionIdleTimeoutClosesSession(t *testing.T) {
	old := idleTimeout
	idleTimeout = 30 * time.Millisecond
	defer func() { idleTimeout = old }()

	_, server := pairedSessions(t)
	time.Sleep(100 * time.Millisecond)
	server.Tick()

	if server.State() == StateAuthOK {
		t.Fatalf("server state = %v, want a non-AUTH-OK state after idle timeout", server.State())
	}
}

func TestSessionCloseMarksStateClosed(t *testing.T) {
	client, server := pairedSessions(t)
	server.Close()

	f := keying.Frame{Command: keying.CmdKeyerMessage, Timestamp: 1}
	if err := client.SendFrame(f); err != nil {
		// Sending into a closed peer transport can itself error; either outcome is fine
		// as long as the server side reports closed.
		t.Logf("client SendFrame after server close: %v", err)
	}
	if server.State() != StateClosed {
		t.Fatalf("server state = %v, want CLOSED", server.State())
	}
}
