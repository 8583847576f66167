package control

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStatsRoundTripsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewStats(reg)

	s.SetPacketsPerSecond(12.5)
	s.SetRTTMillis(45.25)
	s.SetWPM(20)
	s.SetATUInProgress(true)
	s.RecordWatchdogTrip()

	if got := s.PacketsPerSecond(); got != 12.5 {
		t.Fatalf("PacketsPerSecond() = %v, want 12.5", got)
	}
	if got := s.RTTMillis(); got != 45.25 {
		t.Fatalf("RTTMillis() = %v, want 45.25", got)
	}
	if got := s.WPM(); got != 20 {
		t.Fatalf("WPM() = %v, want 20", got)
	}
	if !s.ATUInProgress() {
		t.Fatal("ATUInProgress() = false, want true")
	}
	if got := s.WatchdogTrips(); got != 1 {
		t.Fatalf("WatchdogTrips() = %d, want 1", got)
	}

	s.RecordOverflow()
	s.RecordOverflow()
	if got := s.Overflows(); got != 2 {
		t.Fatalf("Overflows() = %d, want 2", got)
	}
}

func TestStatsSnapshotPeerAddrEmptyBeforeSessionStart(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewStats(reg)

	snap := s.Snapshot()
	if snap.PeerAddr != "" {
		t.Fatalf("PeerAddr = %q, want empty before session start", snap.PeerAddr)
	}
}
