package control

import "testing"

func TestWPMEstimatorConvergesOnDitLength(t *testing.T) {
	w := NewWPMEstimator()
	// 60ms dits repeatedly: PARIS-standard WPM = 1200/60 = 20.
	for i := 0; i < 10; i++ {
		w.Feed(60)
	}
	got := w.WPM()
	if got < 19 || got > 21 {
		t.Fatalf("WPM() = %v, want ~20", got)
	}
}

func TestWPMEstimatorTracksOccasionalDah(t *testing.T) {
	w := NewWPMEstimator()
	for i := 0; i < 5; i++ {
		w.Feed(60)
		w.Feed(180) // a dah, roughly 3x dit
	}
	got := w.WPM()
	if got < 15 || got > 21 {
		t.Fatalf("WPM() = %v, want close to 20 despite interleaved dahs", got)
	}
}

func TestWPMEstimatorZeroBeforeAnySample(t *testing.T) {
	w := NewWPMEstimator()
	if got := w.WPM(); got != 0 {
		t.Fatalf("WPM() = %v, want 0 before any sample", got)
	}
}
