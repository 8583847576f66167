// Command wifikey-bench exercises the core keying pipeline (C3/C4/C5) end-to-end in a single
// process against the scenario suite from spec section 8: a lossy-link simulation and a
// stuck-key watchdog trip. It never opens a real socket; the "transport" is the keying codec
// itself plus a simulated per-frame retransmit delay, so the same production keying/keyer
// code that the client and server binaries run is exercised without needing a real NAT path.
// Frames are built with keying.BuildFrames directly; the sampler package is not used.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jl1nie/wifikey2/collab"
	"github.com/jl1nie/wifikey2/internal/wklog"
	"github.com/jl1nie/wifikey2/keyer"
	"github.com/jl1nie/wifikey2/keying"
)

var rootCmd = &cobra.Command{
	Use:   "wifikey-bench",
	Short: "Run the WiFiKey lossy-link and stuck-key scenarios from the core's test plan",
	RunE:  runBench,
}

var (
	flagDuration time.Duration
	flagLossRate float64
	flagDebug    bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.DurationVar(&flagDuration, "duration", 10*time.Second, "duration of the lossy-link CQ stream")
	flags.Float64Var(&flagLossRate, "loss-rate", 0.10, "simulated datagram loss rate (retransmitted, not dropped, by the reliable layer)")
	flags.BoolVar(&flagDebug, "debug", false, "verbose logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	wklog.Init(flagDebug)

	fmt.Println("=== scenario: lossy link ===")
	if err := lossyLinkScenario(flagDuration, flagLossRate); err != nil {
		return err
	}

	fmt.Println("=== scenario: stuck key ===")
	if err := stuckKeyScenario(); err != nil {
		return err
	}

	fmt.Println("all scenarios passed")
	return nil
}

// benchLine records every transition the keyer applies, for the property assertions below.
type benchLine struct {
	mu          sync.Mutex
	transitions []bool
}

func (l *benchLine) SetKey(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, down)
}
func (l *benchLine) PulseATU() {}

func (l *benchLine) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bool, len(l.transitions))
	copy(out, l.transitions)
	return out
}

// cqPattern generates the edge timing for "CQ" at 60ms dits, so the bench tool and the
// interactive client agree on what a "CQ CQ" stream sounds like.
func cqPattern(startMs uint32) []keying.AbsoluteEdge {
	const dit = 60
	const dah = dit * 3
	const intraGap = dit
	const letterGap = dit * 3
	// C = -.-.  Q = --.-
	morse := [][]int{
		{dah, dit, dah, dit}, // C
		{dah, dah, dit, dah}, // Q
	}
	var edges []keying.AbsoluteEdge
	t := startMs
	for _, letter := range morse {
		for i, elem := range letter {
			edges = append(edges, keying.AbsoluteEdge{Down: true, AbsMillis: t})
			t += uint32(elem)
			edges = append(edges, keying.AbsoluteEdge{Down: false, AbsMillis: t})
			if i < len(letter)-1 {
				t += intraGap
			}
		}
		t += letterGap
	}
	return edges
}

// lossyLinkScenario reproduces spec section 8 scenario 4: even with simulated per-frame
// retransmit delay standing in for a 10%-loss UDP link, every edge the client generated must
// still appear on the server's output line, in order, with direction preserved.
func lossyLinkScenario(duration time.Duration, lossRate float64) error {
	clock := collab.NewSystemClock()
	line := &benchLine{}
	k := keyer.New(line, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)

	rng := rand.New(rand.NewSource(1))
	var wantEdges []keying.Edge
	deadline := time.Now().Add(duration)
	t := clock.NowMillis()

	for time.Now().Before(deadline) {
		edges := cqPattern(t)
		for _, f := range keying.BuildFrames(t, edges) {
			// Emit each frame in real time, as the client's cadence loop would.
			if ahead := int32(f.Timestamp - clock.NowMillis()); ahead > 0 {
				time.Sleep(time.Duration(ahead) * time.Millisecond)
			}
			// Simulate the reliable layer's retransmit-on-loss behavior: a "lost" datagram
			// arrives late rather than not at all, since KCP guarantees eventual, ordered
			// delivery. Zero edges are ever actually dropped by the transport.
			if rng.Float64() < lossRate {
				time.Sleep(20 * time.Millisecond) // one simulated retransmit round trip
			}
			k.Feed(f)
			wantEdges = append(wantEdges, f.Edges...)
		}
		if len(edges) > 0 {
			t = edges[len(edges)-1].AbsMillis + 200
		} else {
			t += 200
		}
	}

	time.Sleep(300 * time.Millisecond) // let the deadline queue drain
	got := line.snapshot()

	if len(got) != len(wantEdges) {
		return fmt.Errorf("lossy link: got %d transitions, want %d (edges lost or duplicated)", len(got), len(wantEdges))
	}
	for i, e := range wantEdges {
		if got[i] != e.Down {
			return fmt.Errorf("lossy link: transition %d = %v, want %v", i, got[i], e.Down)
		}
	}
	fmt.Printf("lossy link: %d edges, all preserved and correctly ordered\n", len(wantEdges))
	return nil
}

// stuckKeyScenario reproduces spec section 8 scenario 5: a key-down with no matching key-up
// must be forced up by the watchdog within its timeout, and the keyer must accept new edges
// normally afterward. This runs against the keyer's real 10s watchdog, so it takes a little
// over ten seconds.
func stuckKeyScenario() error {
	clock := collab.NewSystemClock()
	line := &benchLine{}
	k := keyer.New(line, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)

	k.Feed(keying.Frame{Command: keying.CmdKeyerMessage, Timestamp: clock.NowMillis(), Edges: []keying.Edge{
		{Down: true, Offset: 1},
	}})

	deadline := time.Now().Add(15 * time.Second)
	for k.WatchdogTrips() == 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if k.WatchdogTrips() == 0 {
		return fmt.Errorf("stuck key: watchdog never tripped")
	}
	got := line.snapshot()
	if len(got) < 2 || got[len(got)-1] != false {
		return fmt.Errorf("stuck key: line not released, transitions=%v", got)
	}

	k.Feed(keying.Frame{Command: keying.CmdKeyerMessage, Timestamp: clock.NowMillis(), Edges: []keying.Edge{
		{Down: true, Offset: 1},
		{Down: false, Offset: 5},
	}})
	time.Sleep(100 * time.Millisecond)
	after := line.snapshot()
	if len(after) != len(got)+2 {
		return fmt.Errorf("stuck key: keyer did not resume normal keying after watchdog trip")
	}

	fmt.Printf("stuck key: watchdog tripped after forced key-up, %d total transitions\n", len(after))
	return nil
}
