// Package sampler implements component C4: the client-side cadence-driven task that turns
// paddle edges into keying frames and hands them to the session for reliable delivery
// (spec section 4.4).
package sampler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jl1nie/wifikey2/collab"
	"github.com/jl1nie/wifikey2/keying"
)

// cadence is the fixed tick interval spec section 4.4 requires: 50ms.
const cadence = 50 * time.Millisecond

// shortPressMax is this implementation's threshold for what counts as a "short" ATU-button
// press versus the provisioning collaborator's long-press gesture, per spec section 4.4 (the
// exact boundary is implementation-defined; the collaborator debounces the physical press and
// exposes only ShortPressed, so the sampler applies no duration threshold itself and nothing
// in this package reads this constant — it documents the 400ms boundary assumed for anyone
// wiring a new ATUButton implementation).
const shortPressMax = 400 * time.Millisecond

// FrameSender is the C2 capability the sampler needs: reliable, ordered delivery of one frame
// over the authenticated session (the transport itself does not encrypt). Session implements this; tests use a fake.
type FrameSender interface {
	SendFrame(f keying.Frame) error
}

// Sampler drains a PaddleReader and an ATUButton every 50ms and turns what it finds into
// frames on the session, per spec section 5's "keyer task" role on the client side.
type Sampler struct {
	paddle  collab.PaddleReader
	atu     collab.ATUButton
	clock   collab.Clock
	session FrameSender
}

// New builds a Sampler. clock supplies the reference timestamp stamped into every frame; it
// should be the same Clock instance the paddle driver uses to timestamp edges.
func New(paddle collab.PaddleReader, atu collab.ATUButton, clock collab.Clock, session FrameSender) *Sampler {
	return &Sampler{paddle: paddle, atu: atu, clock: clock, session: session}
}

// Run drives the 50ms cadence loop until ctx is cancelled, per spec section 5's requirement
// that the keyer task's only blocking point is a bounded timer.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	if s.atu.ShortPressed() {
		t := s.clock.NowMillis()
		if err := s.session.SendFrame(keying.Frame{Command: keying.CmdStartATU, Timestamp: t}); err != nil {
			log.Warn().Err(err).Msg("sampler: failed to send START_ATU frame")
		}
	}

	t := s.clock.NowMillis()
	raw := s.paddle.ReadEdges()
	edges := make([]keying.AbsoluteEdge, len(raw))
	for i, e := range raw {
		edges[i] = keying.AbsoluteEdge{Down: e.Down, AbsMillis: e.MonotonicMillis}
	}

	for _, f := range keying.BuildFrames(t, edges) {
		if err := s.session.SendFrame(f); err != nil {
			log.Warn().Err(err).Msg("sampler: failed to send keying frame")
		}
	}
}
