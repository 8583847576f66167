package session

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jl1nie/wifikey2/keying"
	"github.com/jl1nie/wifikey2/wkerr"
)

// State is the session lifecycle from spec section 4.2:
// IDLE -> PUNCHING -> HANDSHAKING -> AUTH-OK -> (IDLE|CLOSED).
type State int32

const (
	StateIdle State = iota
	StatePunching
	StateHandshaking
	StateAuthOK
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePunching:
		return "PUNCHING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthOK:
		return "AUTH-OK"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// idleTimeout closes AUTH-OK sessions with no datagrams in either direction, spec section 4.2.
// Declared as a var (not const) so session_test.go can shrink it to keep the idle-timeout
// test fast.
var idleTimeout = 15 * time.Second

const (
	// violationWindow/violationLimit implement spec section 7's "repeated violations
	// (>=10 in 1s) close the session" protocol-violation policy.
	violationWindow = time.Second
	violationLimit  = 10
)

// Session is the authenticated reliable-datagram session from spec section 4.2, combining a
// Transport with the handshake and idle/violation policy that gate it.
type Session struct {
	transport *Transport
	passphrase string

	state        int32 // atomic State
	lastActivity int64 // atomic unix nanos

	violations      int
	violationWindowStart time.Time
}

// NewClientSession dials the punched path, then runs the connecting side of the handshake.
func NewClientSession(ctx context.Context, remote *net.UDPAddr, conn *net.UDPConn, passphrase string) (*Session, error) {
	t, err := DialTransport(remote, conn)
	if err != nil {
		return nil, err
	}
	s := newSession(t, passphrase)
	atomic.StoreInt32(&s.state, int32(StateHandshaking))
	if err := ConnectorHandshake(ctx, t, passphrase); err != nil {
		t.Close()
		atomic.StoreInt32(&s.state, int32(StateClosed))
		return nil, err
	}
	s.markAuthOK()
	return s, nil
}

// NewServerSession accepts the single inbound client on conn, then runs the listener side of
// the handshake. Spec's Non-goals cap this at one connected client per server at a time.
func NewServerSession(ctx context.Context, conn *net.UDPConn, passphrase string) (*Session, error) {
	t, err := ListenTransport(ctx, conn)
	if err != nil {
		return nil, err
	}
	s := newSession(t, passphrase)
	atomic.StoreInt32(&s.state, int32(StateHandshaking))
	if err := ListenerHandshake(ctx, t, passphrase); err != nil {
		t.Close()
		atomic.StoreInt32(&s.state, int32(StateClosed))
		return nil, err
	}
	s.markAuthOK()
	return s, nil
}

func newSession(t *Transport, passphrase string) *Session {
	return &Session{
		transport:    t,
		passphrase:   passphrase,
		state:        int32(StatePunching),
		lastActivity: time.Now().UnixNano(),
	}
}

func (s *Session) markAuthOK() {
	atomic.StoreInt32(&s.state, int32(StateAuthOK))
	s.touch()
	log.Info().Msg("session: handshake complete, AUTH-OK")
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// SendFrame encodes and transmits one keying frame.
func (s *Session) SendFrame(f keying.Frame) error {
	if s.State() != StateAuthOK {
		return wkerr.ErrClosed
	}
	b, err := keying.Encode(f)
	if err != nil {
		return err
	}
	if err := s.transport.SendMessage(b); err != nil {
		return err
	}
	s.touch()
	return nil
}

// RecvFrame blocks until a frame arrives, ctx expires, or the session is torn down. A single
// malformed datagram is reported via wkerr.ErrProtocol but does not close the session unless
// the violation-rate policy trips (spec section 7); callers should keep calling RecvFrame.
func (s *Session) RecvFrame(ctx context.Context) (keying.Frame, error) {
	if s.State() != StateAuthOK {
		return keying.Frame{}, wkerr.ErrClosed
	}
	b, err := s.transport.RecvMessage(ctx)
	if err != nil {
		return keying.Frame{}, err
	}
	f, err := keying.Decode(b)
	if err != nil {
		if s.recordViolation() {
			s.Close()
			return keying.Frame{}, fmt.Errorf("session: closing after repeated protocol violations: %w", wkerr.ErrProtocol)
		}
		return keying.Frame{}, err
	}
	s.touch()
	return f, nil
}

// recordViolation counts a protocol violation in the current 1s window and reports whether
// the session should now be closed (>=10 violations within that window).
func (s *Session) recordViolation() bool {
	now := time.Now()
	if now.Sub(s.violationWindowStart) > violationWindow {
		s.violationWindowStart = now
		s.violations = 0
	}
	s.violations++
	return s.violations >= violationLimit
}

// Tick drives the transport's periodic maintenance and enforces the idle timeout.
func (s *Session) Tick() {
	s.transport.Tick()
	if s.State() != StateAuthOK {
		return
	}
	last := time.Unix(0, atomic.LoadInt64(&s.lastActivity))
	if time.Since(last) > idleTimeout {
		log.Info().Msg("session: idle timeout, closing")
		atomic.StoreInt32(&s.state, int32(StateIdle))
		s.transport.Close()
	}
}

// Close tears the session down immediately (explicit teardown or transport error path).
func (s *Session) Close() error {
	atomic.StoreInt32(&s.state, int32(StateClosed))
	return s.transport.Close()
}

// Reset tears the session down after an internal fault the session itself cannot recover
// from, such as the network-pump-to-keyer hand-off channel saturating (spec section 5's
// bounded-channel overflow policy). The caller is expected to re-rendezvous and re-handshake,
// the same way it would after an idle timeout.
func (s *Session) Reset() error {
	log.Warn().Err(wkerr.ErrOverflow).Msg("session: internal overflow, resetting")
	atomic.StoreInt32(&s.state, int32(StateIdle))
	return s.transport.Close()
}

// RemoteAddr exposes the punched peer address for stats/logging.
func (s *Session) RemoteAddr() net.Addr {
	return s.transport.RemoteAddr()
}
