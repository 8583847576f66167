package main

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jl1nie/wifikey2/collab"
)

// stdinDitLength is the paddle timing this reference collaborator assumes for '.'/'-' input,
// giving roughly 20 WPM (1200/60ms), matching the WPM estimator's worked example.
const stdinDitLength = 60 * time.Millisecond

// stdinPaddle is the reference collab.PaddleReader used when no real paddle GPIO is wired up:
// it reads '.' (dit) and '-' (dah) characters from stdin and turns them into timed edges. A
// real deployment supplies its own PaddleReader (see collab.PaddleReader) sampling a physical
// paddle line.
type stdinPaddle struct {
	clock collab.Clock
	atu   *stdinATU

	mu    sync.Mutex
	edges []collab.PaddleEdge
}

func newStdinPaddle(clock collab.Clock, atu *stdinATU) *stdinPaddle {
	p := &stdinPaddle{clock: clock, atu: atu}
	go p.run()
	return p
}

func (p *stdinPaddle) run() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "atu" {
			p.atu.Press()
			continue
		}
		for _, r := range line {
			var elementLen time.Duration
			switch r {
			case '.':
				elementLen = stdinDitLength
			case '-':
				elementLen = stdinDitLength * 3
			default:
				continue
			}
			downAt := p.clock.NowMillis()
			p.push(collab.PaddleEdge{MonotonicMillis: downAt, Down: true})
			time.Sleep(elementLen)
			upAt := p.clock.NowMillis()
			p.push(collab.PaddleEdge{MonotonicMillis: upAt, Down: false})
			time.Sleep(stdinDitLength) // inter-element gap
		}
	}
}

func (p *stdinPaddle) push(e collab.PaddleEdge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edges = append(p.edges, e)
}

func (p *stdinPaddle) ReadEdges() []collab.PaddleEdge {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.edges
	p.edges = nil
	return out
}

// stdinATU is the reference collab.ATUButton: a command typed on the same terminal session
// sets a one-shot short-press flag, cleared on the next read.
type stdinATU struct {
	mu      sync.Mutex
	pressed bool
}

func newStdinATU() *stdinATU {
	a := &stdinATU{}
	return a
}

// Press marks a short press, queued by stdinPaddle.run on seeing a bare "atu" line.
func (a *stdinATU) Press() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pressed = true
	log.Info().Msg("atu: short press queued")
}

func (a *stdinATU) ShortPressed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.pressed
	a.pressed = false
	return v
}
