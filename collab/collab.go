// Package collab declares the interfaces the WiFiKey core consumes from collaborators that
// live outside the core's scope per spec section 6: the GUI shell, config persistence, LED
// animation, paddle debouncing, rig-control scripting, and provisioning portals. The core
// never imports a concrete GUI or hardware package; it only depends on these seams.
package collab

import (
	"context"
	"time"
)

// Clock returns monotonic milliseconds, wrapping at 2^32 the way a microcontroller's tick
// counter would. Implementations MUST be monotonic; wraparound is tolerated by callers.
type Clock interface {
	NowMillis() uint32
}

// SystemClock implements Clock using time.Now against a fixed epoch, for hosts that are not
// resource-constrained microcontrollers.
type SystemClock struct {
	epoch time.Time
}

// NewSystemClock returns a Clock whose epoch is the moment of construction.
func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

func (c *SystemClock) NowMillis() uint32 {
	return uint32(time.Since(c.epoch).Milliseconds())
}

// UDPSocket is the minimal UDP capability the transport layer needs. Implementations wrap
// *net.UDPConn or a firmware-side socket abstraction identically.
type UDPSocket interface {
	Bind(laddr string) error
	SendTo(b []byte, addr string) (int, error)
	RecvFrom(timeout time.Duration) (b []byte, addr string, err error)
	LocalAddr() string
	Close() error
}

// BrokerMessage is a single pub/sub delivery.
type BrokerMessage struct {
	Topic   string
	Payload []byte
}

// Broker is the capability set spec section 9 asks for: a single interface behind which any
// pub/sub backend (embedded MQTT-like client, desktop libp2p pubsub mesh, a plain websocket
// relay) can sit, so no dynamic loading is needed to switch backends.
type Broker interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	PollIncoming(ctx context.Context) ([]BrokerMessage, error)
	Close() error
}

// STUNClient discovers a server-reflexive UDP address.
type STUNClient interface {
	Query(ctx context.Context, server string) (reflexiveAddr string, err error)
}

// LineDriver is the server-side transceiver keying line: a physical GPIO or serial control
// signal, plus the antenna-tuner pulse output.
type LineDriver interface {
	SetKey(down bool)
	PulseATU()
}

// PaddleEdge is a single observed transition of the client-side paddle line.
type PaddleEdge struct {
	MonotonicMillis uint32
	Down            bool // true = key pressed (down)
}

// PaddleReader is the client-side paddle input collaborator. The GPIO sampling strategy
// (interrupt vs. polling) is implementation-defined; ReadEdges drains everything captured
// since the previous call.
type PaddleReader interface {
	ReadEdges() []PaddleEdge
}

// ATUButton reports short presses of the auxiliary button. Long presses are owned by the
// provisioning collaborator and never surfaced here.
type ATUButton interface {
	ShortPressed() bool
}

// CredentialSource hands the core a server-name/passphrase pair at startup. Persistence
// format is entirely out of core scope.
type CredentialSource interface {
	ServerName() string
	Passphrase() string
}
