package keyer

import (
	"context"
	"testing"
	"time"

	"github.com/jl1nie/wifikey2/keying"
)

func TestKeyerAppliesEdgesInOrder(t *testing.T) {
	line := &fakeLine{}
	clock := &fakeClock{nowMs: 1000}
	k := New(line, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)

	f := keying.Frame{
		Command:   keying.CmdKeyerMessage,
		Timestamp: clock.NowMillis(),
		Edges: []keying.Edge{
			{Down: true, Offset: 1},
			{Down: false, Offset: 5},
			{Down: true, Offset: 8},
			{Down: false, Offset: 12},
		},
	}
	k.Feed(f)

	deadline := time.After(1 * time.Second)
	for {
		if got := line.snapshot(); len(got) == 4 {
			want := []bool{true, false, true, false}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("transitions = %v, want %v", got, want)
				}
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 4 transitions, got %v", line.snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestKeyerCollapsesRedundantEdges(t *testing.T) {
	line := &fakeLine{}
	clock := &fakeClock{nowMs: 0}
	k := New(line, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)

	f := keying.Frame{
		Command:   keying.CmdKeyerMessage,
		Timestamp: 0,
		Edges: []keying.Edge{
			{Down: true, Offset: 1},
			{Down: true, Offset: 2}, // redundant, same direction
			{Down: false, Offset: 3},
		},
	}
	k.Feed(f)

	time.Sleep(200 * time.Millisecond)
	got := line.snapshot()
	if len(got) != 2 {
		t.Fatalf("transitions = %v, want 2 (redundant down collapsed)", got)
	}
	if got[0] != true || got[1] != false {
		t.Fatalf("transitions = %v, want [true false]", got)
	}
}

func TestKeyerWatchdogForcesKeyUp(t *testing.T) {
	oldTimeout, oldPoll := watchdogTimeout, watchdogPoll
	watchdogTimeout = 50 * time.Millisecond
	watchdogPoll = 10 * time.Millisecond
	defer func() { watchdogTimeout, watchdogPoll = oldTimeout, oldPoll }()

	line := &fakeLine{}
	clock := &fakeClock{nowMs: 0}
	k := New(line, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)

	// A key-down edge with no matching key-up: watchdog should force release.
	k.Feed(keying.Frame{Command: keying.CmdKeyerMessage, Timestamp: 0, Edges: []keying.Edge{
		{Down: true, Offset: 1},
	}})

	deadline := time.After(1 * time.Second)
	for {
		if k.WatchdogTrips() > 0 {
			got := line.snapshot()
			if len(got) < 2 || got[len(got)-1] != false {
				t.Fatalf("expected trailing forced key-up, got %v", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("watchdog never tripped")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestKeyerSafeStateReleasesLineOnCancel(t *testing.T) {
	line := &fakeLine{}
	clock := &fakeClock{nowMs: 0}
	k := New(line, clock)

	ctx, cancel := context.WithCancel(context.Background())
	go k.Run(ctx)

	k.Feed(keying.Frame{Command: keying.CmdKeyerMessage, Timestamp: 0, Edges: []keying.Edge{
		{Down: true, Offset: 1},
	}})
	time.Sleep(50 * time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)

	if k.State() != StateSafe {
		t.Fatalf("state = %v, want SAFE after cancel", k.State())
	}
	got := line.snapshot()
	if len(got) == 0 || got[len(got)-1] != false {
		t.Fatalf("expected line released on cancel, got %v", got)
	}
}

func TestKeyerClockOffsetFilterTracksSkew(t *testing.T) {
	line := &fakeLine{}
	clock := &fakeClock{nowMs: 100000}
	k := New(line, clock)

	// Peer timestamp consistently 500ms behind local clock: sync frames only.
	for i := 0; i < 20; i++ {
		k.Feed(keying.Frame{Command: keying.CmdKeyerMessage, Timestamp: clock.NowMillis() - 500})
		clock.advance(10)
	}

	k.mu.Lock()
	offset := k.offsetMillis
	k.mu.Unlock()

	if offset < 490 || offset > 510 {
		t.Fatalf("offsetMillis = %v, want ~500 after convergence", offset)
	}
}
