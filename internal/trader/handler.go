package trader

// EventHandler handles one ledger event type.
type EventHandler interface {
	Type() EventType

	// Handle processes the event and returns an error if processing failed.
	// The returned error is delivered to synchronous callers.
	Handle(ctx *HandlerContext, payload []byte, traceID string) error
}

// HandlerContext gives handlers the ledger's actor-owned state.
type HandlerContext struct {
	ledger *Ledger
}

func NewHandlerContext(l *Ledger) *HandlerContext {
	return &HandlerContext{ledger: l}
}

func (c *HandlerContext) Ledger() *Ledger { return c.ledger }

func (c *HandlerContext) State() *LedgerState { return c.ledger.state }
