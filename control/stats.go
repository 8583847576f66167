// Package control implements component C6: the control-plane counters, ATU dispatch hook, and
// the admin HTTP surface used to observe a running session (spec section 4.6).
package control

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the cross-task shared-mutable object spec section 5 calls out: counters updated
// with lock-free atomics, plus a short critical section guarding the peer address and session
// start time strings.
type Stats struct {
	packetsPerSecond uint64 // atomic, fixed-point *1000
	rttMillis        uint64 // atomic, fixed-point *1000
	wpm              uint64 // atomic, fixed-point *1000
	atuInProgress    int32  // atomic bool
	watchdogTrips    uint64 // atomic
	overflows        uint64 // atomic

	mu           sync.RWMutex
	peerAddr     string
	sessionStart time.Time

	promPacketsPerSec prometheus.Gauge
	promRTT           prometheus.Gauge
	promWPM           prometheus.Gauge
	promWatchdog      prometheus.Counter
	promOverflow      prometheus.Counter
}

// NewStats builds a Stats registered against reg, grounded on the teacher's promotion of
// prometheus/client_golang from an indirect to a directly exercised dependency for exactly the
// counters spec.md section 5 already names.
func NewStats(reg *prometheus.Registry) *Stats {
	s := &Stats{
		promPacketsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wifikey_packets_per_second",
			Help: "Keying/control packets observed per second on the session.",
		}),
		promRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wifikey_rtt_milliseconds",
			Help: "Reliable-UDP round-trip time estimate in milliseconds.",
		}),
		promWPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wifikey_effective_wpm",
			Help: "Effective words-per-minute estimated from key-down duration distribution.",
		}),
		promWatchdog: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wifikey_watchdog_trips_total",
			Help: "Number of times the server keyer watchdog forced a key-up.",
		}),
		promOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wifikey_hand_off_overflows_total",
			Help: "Number of times the network-pump-to-keyer channel overflowed, forcing a session reset.",
		}),
	}
	reg.MustRegister(s.promPacketsPerSec, s.promRTT, s.promWPM, s.promWatchdog, s.promOverflow)
	return s
}

// SetPacketsPerSecond records the latest packets/sec sample.
func (s *Stats) SetPacketsPerSecond(v float64) {
	atomic.StoreUint64(&s.packetsPerSecond, uint64(v*1000))
	s.promPacketsPerSec.Set(v)
}

// PacketsPerSecond returns the latest packets/sec sample.
func (s *Stats) PacketsPerSecond() float64 {
	return float64(atomic.LoadUint64(&s.packetsPerSecond)) / 1000
}

// SetRTTMillis records the latest round-trip-time estimate.
func (s *Stats) SetRTTMillis(v float64) {
	atomic.StoreUint64(&s.rttMillis, uint64(v*1000))
	s.promRTT.Set(v)
}

// RTTMillis returns the latest round-trip-time estimate.
func (s *Stats) RTTMillis() float64 {
	return float64(atomic.LoadUint64(&s.rttMillis)) / 1000
}

// SetWPM records the latest effective-WPM estimate.
func (s *Stats) SetWPM(v float64) {
	atomic.StoreUint64(&s.wpm, uint64(v*1000))
	s.promWPM.Set(v)
}

// WPM returns the latest effective-WPM estimate.
func (s *Stats) WPM() float64 {
	return float64(atomic.LoadUint64(&s.wpm)) / 1000
}

// SetATUInProgress flags whether an antenna-tuner cycle is currently running.
func (s *Stats) SetATUInProgress(v bool) {
	i := int32(0)
	if v {
		i = 1
	}
	atomic.StoreInt32(&s.atuInProgress, i)
}

// ATUInProgress reports whether an antenna-tuner cycle is currently running.
func (s *Stats) ATUInProgress() bool {
	return atomic.LoadInt32(&s.atuInProgress) != 0
}

// RecordWatchdogTrip increments the watchdog trip counter, called by the keyer on every forced
// key-up.
func (s *Stats) RecordWatchdogTrip() {
	atomic.AddUint64(&s.watchdogTrips, 1)
	s.promWatchdog.Inc()
}

// WatchdogTrips reports the cumulative watchdog trip count.
func (s *Stats) WatchdogTrips() uint64 {
	return atomic.LoadUint64(&s.watchdogTrips)
}

// RecordOverflow increments the hand-off-channel overflow counter, called whenever the
// network pump finds the keyer channel full and resets the session.
func (s *Stats) RecordOverflow() {
	atomic.AddUint64(&s.overflows, 1)
	s.promOverflow.Inc()
}

// Overflows reports the cumulative hand-off overflow count.
func (s *Stats) Overflows() uint64 {
	return atomic.LoadUint64(&s.overflows)
}

// SetSessionStart records the peer address and session start time under a short critical
// section, per spec section 5.
func (s *Stats) SetSessionStart(peer net.Addr, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer != nil {
		s.peerAddr = peer.String()
	} else {
		s.peerAddr = ""
	}
	s.sessionStart = at
}

// Snapshot is a point-in-time JSON-friendly dump of Stats, matching the teacher's
// leaseRow/admin-stats JSON pattern.
type Snapshot struct {
	PacketsPerSecond float64   `json:"packets_per_second"`
	RTTMillis        float64   `json:"rtt_millis"`
	WPM              float64   `json:"wpm"`
	ATUInProgress    bool      `json:"atu_in_progress"`
	WatchdogTrips    uint64    `json:"watchdog_trips"`
	Overflows        uint64    `json:"overflows"`
	PeerAddr         string    `json:"peer_addr,omitempty"`
	SessionStart     time.Time `json:"session_start,omitempty"`
}

// Snapshot returns a consistent copy of all fields for the /stats admin endpoint.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	peer, start := s.peerAddr, s.sessionStart
	s.mu.RUnlock()
	return Snapshot{
		PacketsPerSecond: s.PacketsPerSecond(),
		RTTMillis:        s.RTTMillis(),
		WPM:              s.WPM(),
		ATUInProgress:    s.ATUInProgress(),
		WatchdogTrips:    s.WatchdogTrips(),
		Overflows:        s.Overflows(),
		PeerAddr:         peer,
		SessionStart:     start,
	}
}
