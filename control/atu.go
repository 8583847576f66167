package control

import "context"

// ATUTrigger is the collaborator hook spec section 4.5 requires: "the core offers only the
// event" of a START_ATU frame arriving, and never implements the tuning sequence itself.
type ATUTrigger interface {
	Trigger(ctx context.Context) error
}

// NopATUTrigger satisfies ATUTrigger for servers with no antenna-tuner collaborator wired up;
// it logs nothing and reports success immediately.
type NopATUTrigger struct{}

func (NopATUTrigger) Trigger(ctx context.Context) error { return nil }
