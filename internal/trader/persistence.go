package trader

import (
	"context"

	"scalpctl/internal/safety"
)

// EventStore is the audit log of ledger events. Events are appended before
// they are applied.
type EventStore interface {
	Append(ctx context.Context, evt EventEnvelope) error
}

// CircuitSaver persists the circuit state whenever it changes.
type CircuitSaver interface {
	SaveCircuit(ctx context.Context, st safety.State) error
}

func shouldPersistEvent(t EventType) bool {
	switch t {
	case EvtMark, EvtAPIResult, EvtIndexChange:
		return false
	default:
		return true
	}
}
