package control

import (
	"sync"
	"time"

	"github.com/jl1nie/wifikey2/collab"
	"github.com/jl1nie/wifikey2/keying"
)

// rttSlewAlpha smooths the RTT estimate the same way the keyer smooths clock offset.
const rttSlewAlpha = 0.2

// RTTTracker measures round-trip time with its own ping/pong control frames rather than
// relying on the reliable-UDP layer's internal estimate, since the transport backing this
// session does not expose one through a stable public API. Frames flow over the same
// authenticated session as keying traffic, per spec section 4.6.
type RTTTracker struct {
	clock collab.Clock
	stats *Stats

	mu      sync.Mutex
	pending map[uint32]time.Time
	ema     float64
	have    bool
}

// NewRTTTracker builds a tracker that reports every sample into stats.
func NewRTTTracker(clock collab.Clock, stats *Stats) *RTTTracker {
	return &RTTTracker{clock: clock, stats: stats, pending: make(map[uint32]time.Time)}
}

// BuildPing returns a ping frame to send now, remembering the send time under its timestamp
// so the matching pong can be resolved to an RTT sample.
func (r *RTTTracker) BuildPing() keying.Frame {
	t := r.clock.NowMillis()
	r.mu.Lock()
	r.pending[t] = time.Now()
	// Bound the pending set: a lost ping should not leak memory forever.
	if len(r.pending) > 32 {
		for k := range r.pending {
			delete(r.pending, k)
			break
		}
	}
	r.mu.Unlock()
	return keying.Frame{Command: keying.CmdPing, Timestamp: t}
}

// HandlePong resolves an inbound pong against the pending ping it answers and folds the
// measured RTT into the smoothed estimate.
func (r *RTTTracker) HandlePong(f keying.Frame) {
	r.mu.Lock()
	sentAt, ok := r.pending[f.Timestamp]
	if ok {
		delete(r.pending, f.Timestamp)
	}
	if !ok {
		r.mu.Unlock()
		return
	}
	sample := float64(time.Since(sentAt).Milliseconds())
	if !r.have {
		r.ema = sample
		r.have = true
	} else {
		r.ema = r.ema*(1-rttSlewAlpha) + sample*rttSlewAlpha
	}
	ema := r.ema
	r.mu.Unlock()

	if r.stats != nil {
		r.stats.SetRTTMillis(ema)
	}
}

// HandlePing builds the pong that answers an inbound ping. The timestamp is echoed verbatim.
func HandlePing(f keying.Frame) keying.Frame {
	return keying.Frame{Command: keying.CmdPong, Timestamp: f.Timestamp}
}
