package main

import (
	"context"

	"github.com/rs/zerolog/log"
)

// stdoutLine is the reference collab.LineDriver used when no real transceiver GPIO/serial
// line is wired up: it logs every transition instead of asserting a physical signal. A real
// deployment supplies its own LineDriver (see collab.LineDriver) driving actual hardware.
type stdoutLine struct{}

func (stdoutLine) SetKey(down bool) {
	if down {
		log.Info().Msg("line: KEY DOWN")
	} else {
		log.Info().Msg("line: KEY UP")
	}
}

func (stdoutLine) PulseATU() {
	log.Info().Msg("line: ATU pulse")
}

// logATUTrigger is the reference control.ATUTrigger: it logs the event rather than driving a
// real antenna tuner sequence, per spec section 4.5's "the core offers only the event".
type logATUTrigger struct{}

func (logATUTrigger) Trigger(ctx context.Context) error {
	log.Info().Msg("atu: tuning cycle triggered")
	return nil
}
