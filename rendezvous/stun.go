package rendezvous

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"

	"github.com/jl1nie/wifikey2/collab"
	"github.com/jl1nie/wifikey2/wkerr"
)

// PionSTUNClient discovers the server-reflexive address of a UDP socket using pion/stun,
// grounded on the teacher's transitive pion/ice dependency (promoted here to a direct,
// standalone STUN query since the core needs the mapping without a full libp2p/ICE agent).
type PionSTUNClient struct {
	// Conn is the already-bound UDP socket the caller wants a reflexive mapping for. Using
	// the session socket itself (rather than a throwaway one) keeps the mapping valid for
	// the hole-punch that follows.
	Conn    net.PacketConn
	Timeout time.Duration
}

// NewPionSTUNClient wraps conn with a default 3s per-query timeout.
func NewPionSTUNClient(conn net.PacketConn) *PionSTUNClient {
	return &PionSTUNClient{Conn: conn, Timeout: 3 * time.Second}
}

var _ collab.STUNClient = (*PionSTUNClient)(nil)

// Query sends a STUN binding request to server and returns the XOR-mapped address reported
// back, or wraps the failure in wkerr.ErrTransient for the retry-with-backoff policy in
// spec section 4.1.
func (c *PionSTUNClient) Query(ctx context.Context, server string) (string, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return "", fmt.Errorf("rendezvous: resolve stun server %q: %w", server, wkerr.ErrTransient)
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	deadline := time.Now().Add(c.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.Conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("rendezvous: set read deadline: %w", wkerr.ErrTransient)
	}
	defer c.Conn.SetReadDeadline(time.Time{})

	if _, err := c.Conn.WriteTo(msg.Raw, raddr); err != nil {
		return "", fmt.Errorf("rendezvous: send stun binding request: %w", wkerr.ErrTransient)
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := c.Conn.ReadFrom(buf)
		if err != nil {
			return "", fmt.Errorf("rendezvous: read stun response: %w", wkerr.ErrTransient)
		}
		if fromUDP, ok := from.(*net.UDPAddr); ok && fromUDP.IP.String() != raddr.IP.String() {
			// Stray datagram from an unrelated peer arriving on the shared socket; keep waiting.
			continue
		}

		resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := resp.Decode(); err != nil {
			return "", fmt.Errorf("rendezvous: decode stun response: %w", wkerr.ErrTransient)
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(resp); err != nil {
			return "", fmt.Errorf("rendezvous: no xor-mapped-address in stun response: %w", wkerr.ErrTransient)
		}
		return fmt.Sprintf("%s:%d", xorAddr.IP.String(), xorAddr.Port), nil
	}
}
