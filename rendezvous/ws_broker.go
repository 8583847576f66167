package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jl1nie/wifikey2/collab"
	"github.com/jl1nie/wifikey2/wkerr"
)

// wsEnvelope is the tiny JSON framing WSBroker exchanges with the relay endpoint: a
// subscribe/publish operation, or an incoming delivery. Payload carries the already-encrypted
// candidate-set bytes from candidate.go, so JSON's base64 []byte encoding is fine here — it
// never touches the plaintext.
type wsEnvelope struct {
	Op      string `json:"op"` // "sub" | "pub" | "msg"
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
}

// WSBroker implements collab.Broker over a plain WebSocket relay, grounded on the teacher's
// github.com/coder/websocket usage in cmd/example_chat/view.go. This is the lightweight
// backend of the pair spec section 9 calls for: the microcontroller side of the reference
// system talks to a plain HTTP/WS channel rather than embedding a libp2p pubsub mesh
// (original_source's wifikey/src/webserver.rs), so this broker is the natural fit there.
type WSBroker struct {
	url string
	c   *websocket.Conn

	mu       sync.Mutex
	incoming []collab.BrokerMessage
}

var _ collab.Broker = (*WSBroker)(nil)

// NewWSBroker returns a broker that will dial url on Connect.
func NewWSBroker(url string) *WSBroker {
	return &WSBroker{url: url}
}

func (b *WSBroker) Connect(ctx context.Context) error {
	c, _, err := websocket.Dial(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("rendezvous: dial broker %q: %w", b.url, wkerr.ErrTransient)
	}
	b.c = c
	go b.pump(context.Background())
	return nil
}

func (b *WSBroker) pump(ctx context.Context) {
	for {
		_, data, err := b.c.Read(ctx)
		if err != nil {
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("rendezvous: malformed broker envelope")
			continue
		}
		if env.Op != "msg" {
			continue
		}
		b.mu.Lock()
		b.incoming = append(b.incoming, collab.BrokerMessage{Topic: env.Topic, Payload: env.Payload})
		b.mu.Unlock()
	}
}

func (b *WSBroker) send(ctx context.Context, env wsEnvelope) error {
	if b.c == nil {
		return fmt.Errorf("rendezvous: broker not connected: %w", wkerr.ErrTransient)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rendezvous: marshal broker envelope: %w", err)
	}
	if err := b.c.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("rendezvous: write broker envelope: %w", wkerr.ErrTransient)
	}
	return nil
}

func (b *WSBroker) Subscribe(ctx context.Context, topic string) error {
	return b.send(ctx, wsEnvelope{Op: "sub", Topic: topic})
}

func (b *WSBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.send(ctx, wsEnvelope{Op: "pub", Topic: topic, Payload: payload})
}

func (b *WSBroker) PollIncoming(ctx context.Context) ([]collab.BrokerMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.incoming
	b.incoming = nil
	return out, nil
}

func (b *WSBroker) Close() error {
	if b.c == nil {
		return nil
	}
	return b.c.Close(websocket.StatusNormalClosure, "closing")
}
