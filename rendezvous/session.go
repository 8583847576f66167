// Package rendezvous implements component C1: STUN reflexive address discovery, candidate
// exchange over a pub/sub broker, and UDP hole punching (spec section 4.1).
package rendezvous

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jl1nie/wifikey2/collab"
	"github.com/jl1nie/wifikey2/wkerr"
)

// Role distinguishes the two topic directions from spec section 6: the server subscribes to
// "<name>/s" and publishes to "<name>/c"; the client is the mirror image.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// ServerTopic returns "<name>/s" (server subscribes, client publishes).
func ServerTopic(serverName string) string { return serverName + "/s" }

// ClientTopic returns "<name>/c" (client subscribes, server publishes).
func ClientTopic(serverName string) string { return serverName + "/c" }

// Config bundles what a Session needs to run one rendezvous attempt.
type Config struct {
	Role       Role
	ServerName string
	Passphrase string
	STUNServer string
	Broker     collab.Broker
	Conn       *net.UDPConn // pre-bound UDP socket, shared with the session layer afterward
}

// Session drives one rendezvous cycle: query STUN, publish our candidates, wait for the
// peer's, and punch. Session.Run performs one cycle; Session.RunWithRetry repeats the whole
// cycle with capped exponential backoff on failure, per SPEC_FULL.md section 4.1's supplement from original_source's server.rs retry
// loop.
type Session struct {
	cfg Config
}

// NewSession builds a rendezvous session for the given config.
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg}
}

// Run performs the full rendezvous protocol once and returns the punched peer address.
func (s *Session) Run(ctx context.Context) (*net.UDPAddr, error) {
	local, err := primaryIPv4()
	if err != nil {
		log.Warn().Err(err).Msg("rendezvous: no local IPv4 address found")
	}

	stunClient := NewPionSTUNClient(s.cfg.Conn)
	reflexiveAddr, err := stunClient.Query(ctx, s.cfg.STUNServer)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: stun query: %w", err)
	}
	reflEndpoint, err := parseEndpoint(reflexiveAddr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: parse stun response: %w", wkerr.ErrProtocol)
	}

	localPort := uint16(s.cfg.Conn.LocalAddr().(*net.UDPAddr).Port)
	cs := CandidateSet{Reflexive: &reflEndpoint}
	if local != nil {
		cs.Local = &Endpoint{IP: local, Port: localPort}
	}

	payload, err := EncryptCandidateSet(cs, s.cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: encrypt candidate set: %w", err)
	}

	publishTopic, subscribeTopic := s.topics()
	if err := s.cfg.Broker.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.cfg.Broker.Subscribe(ctx, subscribeTopic); err != nil {
		return nil, err
	}
	if err := s.cfg.Broker.Publish(ctx, publishTopic, payload); err != nil {
		return nil, err
	}

	peerCandidates, err := s.awaitPeerCandidates(ctx, subscribeTopic)
	if err != nil {
		return nil, err
	}

	var targets []*net.UDPAddr
	if peerCandidates.Local != nil {
		targets = append(targets, &net.UDPAddr{IP: peerCandidates.Local.IP, Port: int(peerCandidates.Local.Port)})
	}
	if peerCandidates.Reflexive != nil {
		targets = append(targets, &net.UDPAddr{IP: peerCandidates.Reflexive.IP, Port: int(peerCandidates.Reflexive.Port)})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("rendezvous: peer advertised no candidates: %w", wkerr.ErrTransient)
	}

	puncher := &Puncher{Conn: s.cfg.Conn}
	return puncher.Punch(ctx, targets)
}

// RunWithRetry repeats Run with exponential backoff (capped at 30s), per spec section 4.1's
// bounded retry window and SPEC_FULL.md's original_source-derived retry-loop supplement.
func (s *Session) RunWithRetry(ctx context.Context) (*net.UDPAddr, error) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		addr, err := s.Run(ctx)
		if err == nil {
			return addr, nil
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("rendezvous: attempt failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Session) topics() (publish, subscribe string) {
	if s.cfg.Role == RoleClient {
		return ServerTopic(s.cfg.ServerName), ClientTopic(s.cfg.ServerName)
	}
	return ClientTopic(s.cfg.ServerName), ServerTopic(s.cfg.ServerName)
}

// awaitPeerCandidates polls the broker until a payload decrypts successfully under our
// passphrase. Payloads that fail to decrypt are silently discarded per spec section 4.1
// ("assume wrong passphrase or hostile peer") — never logged with peer-identifying detail.
func (s *Session) awaitPeerCandidates(ctx context.Context, topic string) (CandidateSet, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return CandidateSet{}, ctx.Err()
		case <-ticker.C:
			msgs, err := s.cfg.Broker.PollIncoming(ctx)
			if err != nil {
				return CandidateSet{}, err
			}
			for _, m := range msgs {
				if m.Topic != topic {
					continue
				}
				cs, err := DecryptCandidateSet(m.Payload, s.cfg.Passphrase)
				if err != nil {
					log.Debug().Msg("rendezvous: discarding candidate payload that failed to decrypt")
					continue
				}
				return cs, nil
			}
		}
	}
}

func parseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("rendezvous: invalid ip %q", host)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{IP: ip, Port: uint16(port)}, nil
}

// primaryIPv4 enumerates network interfaces and returns the first non-loopback IPv4 address,
// treated as "local" per spec section 4.1's RFC1918 policy note.
func primaryIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("rendezvous: no local ipv4 address")
}
