package session

import (
	"context"
	"net"
	"testing"
	"time"
)

// dialedPair binds two localhost UDP sockets and returns a connected (client, server)
// Transport pair, grounded on the teacher's pipeConn-based bidirectional test harness in
// relaydns/core/cryptoops/handshaker_test.go, adapted here to real loopback UDP since KCP
// sessions need an actual net.PacketConn.
func dialedPair(t *testing.T) (client, server *Transport) {
	t.Helper()

	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen server udp: %v", err)
	}
	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client udp: %v", err)
	}

	type acceptResult struct {
		tr  *Transport
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		tr, err := ListenTransport(ctx, serverConn)
		acceptCh <- acceptResult{tr, err}
	}()

	clientTr, err := DialTransport(serverAddr, clientConn)
	if err != nil {
		t.Fatalf("dial client transport: %v", err)
	}

	// kcp-go's AcceptKCP only returns once it has received the dialer's first datagram, so
	// the client must transmit before the accept goroutine can complete (the same constraint
	// handshake.go's connector-speaks-first ordering satisfies for the real handshake).
	if err := clientTr.SendMessage([]byte("bootstrap")); err != nil {
		t.Fatalf("client bootstrap send: %v", err)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("accept server transport: %v", res.err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if _, err := res.tr.RecvMessage(drainCtx); err != nil {
		t.Fatalf("drain client bootstrap message: %v", err)
	}

	t.Cleanup(func() {
		clientTr.Close()
		res.tr.Close()
	})

	return clientTr, res.tr
}
