package rendezvous

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jl1nie/wifikey2/wkerr"
)

const (
	punchBurstCount  = 3
	punchBurstDelay  = 200 * time.Millisecond
	punchNonceSize   = 8
	punchReqByte     = 0x00
	punchRespByte    = 0x01
	punchWindow      = 30 * time.Second
	punchReadTimeout = 100 * time.Millisecond
)

// Puncher opens a UDP hole through cone-type NATs by sending a burst of tagged datagrams to
// every candidate of the peer, per spec section 4.1 step 4, adopting the first address a
// valid punch reply arrives from and discarding the alternative.
type Puncher struct {
	Conn *net.UDPConn
}

// Punch races punch bursts to every candidate concurrently and returns the address of the
// first peer that replies with a matching punch response, echoing any punch requests it
// receives in the meantime so a simultaneous punch from the peer's side also succeeds.
func (p *Puncher) Punch(ctx context.Context, candidates []*net.UDPAddr) (*net.UDPAddr, error) {
	if len(candidates) == 0 {
		return nil, wkerr.ErrTransient
	}

	nonce := make([]byte, punchNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	req := append([]byte{punchReqByte}, nonce...)
	want := append([]byte{punchRespByte}, nonce...)

	ctx, cancel := context.WithTimeout(ctx, punchWindow)
	defer cancel()

	stop := make(chan struct{})
	go p.sendBursts(ctx, stop, candidates, req)

	buf := make([]byte, len(req))
	for {
		select {
		case <-ctx.Done():
			close(stop)
			return nil, wkerr.ErrTransient
		default:
		}

		p.Conn.SetReadDeadline(time.Now().Add(punchReadTimeout))
		n, from, err := p.Conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if n != len(buf) {
			continue
		}
		if buf[0] == punchReqByte {
			// Peer is punching toward us simultaneously; echo a response with their nonce.
			resp := append([]byte{punchRespByte}, buf[1:n]...)
			_, _ = p.Conn.WriteToUDP(resp, from)
			continue
		}
		if bytes.Equal(buf[:n], want) {
			close(stop)
			log.Info().Str("peer", from.String()).Msg("rendezvous: hole punch succeeded")
			return from, nil
		}
	}
}

func (p *Puncher) sendBursts(ctx context.Context, stop <-chan struct{}, candidates []*net.UDPAddr, req []byte) {
	for i := 0; i < punchBurstCount; i++ {
		for _, addr := range candidates {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			_, _ = p.Conn.WriteToUDP(req, addr)
		}
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(punchBurstDelay):
		}
	}
}
