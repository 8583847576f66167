// Package keyer implements component C5: the server-side keyer state machine that turns
// received edges into hardware-line transitions, with timing reconstruction, deduplication,
// and stuck-key protection (spec section 4.5).
package keyer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jl1nie/wifikey2/collab"
	"github.com/jl1nie/wifikey2/keying"
	"github.com/jl1nie/wifikey2/wkerr"
)

// State is the server keyer's own state machine: IDLE <-> KEYING driven by edges, with SAFE
// entered on watchdog trip or session loss (spec section 4.5).
type State int32

const (
	StateIdle State = iota
	StateKeying
	StateSafe
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateKeying:
		return "KEYING"
	case StateSafe:
		return "SAFE"
	default:
		return "UNKNOWN"
	}
}

// watchdogTimeout is the fail-safe threshold from spec section 3: the line is forced up if
// asserted longer than this with no intervening key-up. A var (not const) so tests can shrink
// it for deterministic timing.
var watchdogTimeout = 10 * time.Second

// clockSlewAlpha is the EMA smoothing factor for the peer-clock offset filter, spec section 4.5.
const clockSlewAlpha = 0.1

// watchdogPoll bounds how long Run can block with an empty queue, so the watchdog is checked
// even when no new frames arrive. A var so tests can shrink it.
var watchdogPoll = 1 * time.Second

// scheduledEdge is one edge waiting in the deadline queue, tagged with the order it was
// received in so that equal deadlines break ties by receive order (spec section 5).
type scheduledEdge struct {
	deadline  time.Time
	recvSeq   uint64
	down      bool
}

// edgeHeap is a container/heap min-heap ordered by (deadline, recvSeq).
type edgeHeap []scheduledEdge

func (h edgeHeap) Len() int { return len(h) }
func (h edgeHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].recvSeq < h[j].recvSeq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h edgeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *edgeHeap) Push(x any)   { *h = append(*h, x.(scheduledEdge)) }
func (h *edgeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Keyer owns the deadline queue and the physical output line; per spec section 5 it is the
// sole owner of both, receiving decoded frames from the network pump over a channel.
type Keyer struct {
	line  collab.LineDriver
	clock collab.Clock

	mu           sync.Mutex
	queue        edgeHeap
	recvSeq      uint64
	haveOffset   bool
	offsetMillis float64

	lineDown  bool
	keyDownAt time.Time
	state     State

	wake chan struct{}

	watchdogTrips int

	// OnKeyDuration, if set, is called with each completed key-down duration in
	// milliseconds, feeding the control plane's WPM estimator.
	OnKeyDuration func(durationMs float64)
	// OnWatchdogTrip, if set, is called every time the watchdog forces a key-up.
	OnWatchdogTrip func()
}

// New builds a Keyer bound to line and clock. clock is used only in Feed, to sample the
// peer-clock offset against the local monotonic clock; edge deadlines are computed by
// converting received-frame peer timestamps into local wall-clock times, and the watchdog
// measures key-down time with the wall clock (time.Now).
func New(line collab.LineDriver, clock collab.Clock) *Keyer {
	return &Keyer{
		line:  line,
		clock: clock,
		wake:  make(chan struct{}, 1),
		state: StateIdle,
	}
}

// Feed accepts one decoded frame (spec section 4.5's clock synchronization and scheduling).
// A sync frame (zero edges) still advances the clock-offset filter, which is the point of
// sending them every 50ms even when idle.
func (k *Keyer) Feed(f keying.Frame) {
	nowMs := k.clock.NowMillis()
	sample := float64(int32(nowMs - f.Timestamp))

	k.mu.Lock()
	if !k.haveOffset {
		k.offsetMillis = sample
		k.haveOffset = true
	} else {
		k.offsetMillis = k.offsetMillis*(1-clockSlewAlpha) + sample*clockSlewAlpha
	}
	offset := k.offsetMillis
	k.mu.Unlock()

	if len(f.Edges) == 0 {
		return
	}

	now := time.Now()
	k.mu.Lock()
	for _, e := range f.Edges {
		peerAbsMs := f.Timestamp + uint32(e.Offset)
		localMs := float64(int32(peerAbsMs-nowMs)) + offset
		deadline := now.Add(time.Duration(localMs) * time.Millisecond)
		k.recvSeq++
		heap.Push(&k.queue, scheduledEdge{deadline: deadline, recvSeq: k.recvSeq, down: e.Down})
	}
	k.mu.Unlock()

	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// Run drives the deadline queue until ctx is cancelled, per spec section 9's preference for
// select-style cooperative multiplexing on the server. It never blocks longer than the next
// scheduled deadline or a 1s watchdog poll, satisfying spec section 5's bounded-blocking rule.
func (k *Keyer) Run(ctx context.Context) {
	timer := time.NewTimer(watchdogPoll)
	defer timer.Stop()

	for {
		k.mu.Lock()
		var wait time.Duration
		if k.queue.Len() > 0 {
			wait = time.Until(k.queue[0].deadline)
			if wait < 0 {
				wait = 0
			}
			if wait > watchdogPoll {
				wait = watchdogPoll
			}
		} else {
			wait = watchdogPoll
		}
		k.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			k.SafeState("session context cancelled")
			return
		case <-k.wake:
		case <-timer.C:
		}

		k.drainDue()
		k.checkWatchdog()
	}
}

func (k *Keyer) drainDue() {
	now := time.Now()
	for {
		k.mu.Lock()
		if k.queue.Len() == 0 || k.queue[0].deadline.After(now) {
			k.mu.Unlock()
			return
		}
		e := heap.Pop(&k.queue).(scheduledEdge)
		k.mu.Unlock()
		k.apply(e, now)
	}
}

// apply executes one edge, collapsing consecutive same-direction edges (no redundant line
// transitions) and updating the watchdog timer on real transitions only.
func (k *Keyer) apply(e scheduledEdge, now time.Time) {
	k.mu.Lock()
	if e.down == k.lineDown {
		k.mu.Unlock()
		return // redundant same-direction edge, collapsed
	}
	k.lineDown = e.down
	var duration float64
	if e.down {
		k.keyDownAt = now
		k.state = StateKeying
	} else {
		duration = now.Sub(k.keyDownAt).Seconds() * 1000
		k.state = StateIdle
	}
	onDuration := k.OnKeyDuration
	k.mu.Unlock()

	k.line.SetKey(e.down)
	log.Debug().Bool("down", e.down).Msg("keyer: applied edge")

	if !e.down && onDuration != nil {
		onDuration(duration)
	}
}

func (k *Keyer) checkWatchdog() {
	k.mu.Lock()
	down := k.lineDown
	since := k.keyDownAt
	k.mu.Unlock()

	if down && time.Since(since) > watchdogTimeout {
		k.forceKeyUp("watchdog: key asserted past 10s without release")
	}
}

func (k *Keyer) forceKeyUp(reason string) {
	k.mu.Lock()
	k.lineDown = false
	k.state = StateSafe
	k.watchdogTrips++
	onTrip := k.OnWatchdogTrip
	k.mu.Unlock()

	k.line.SetKey(false)
	log.Warn().Err(wkerr.ErrWatchdog).Str("reason", reason).Msg("keyer: watchdog forced key-up")
	if onTrip != nil {
		onTrip()
	}
}

// SafeState releases the line immediately, per spec section 4.5: "The watchdog also fires on
// session close: any asserted line is released immediately."
func (k *Keyer) SafeState(reason string) {
	k.mu.Lock()
	wasDown := k.lineDown
	k.lineDown = false
	k.state = StateSafe
	k.mu.Unlock()

	if wasDown {
		k.line.SetKey(false)
	}
	log.Warn().Str("reason", reason).Msg("keyer: entering SAFE state, line released")
}

// State reports the current keyer state.
func (k *Keyer) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// WatchdogTrips reports how many times the watchdog has forced a key-up, for stats.
func (k *Keyer) WatchdogTrips() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.watchdogTrips
}
