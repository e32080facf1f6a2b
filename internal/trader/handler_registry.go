package trader

import "scalpctl/internal/logger"

// HandlerRegistry manages event handlers and dispatches events to them.
type HandlerRegistry struct {
	handlers map[EventType]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[EventType]EventHandler),
	}
}

// Register adds a handler to the registry, replacing any previous handler
// for the same event type.
func (r *HandlerRegistry) Register(h EventHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Type()] = h
}

func (r *HandlerRegistry) Get(t EventType) (EventHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// RegisterDefaultHandlers registers all built-in ledger handlers.
func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(&ReserveHandler{})
	r.Register(&ReleaseHandler{})
	r.Register(&ConfirmEntryHandler{})
	r.Register(&AdoptHandler{})
	r.Register(&SettleHandler{})
	r.Register(&MarkHandler{})
	r.Register(&APIResultHandler{})
	r.Register(&IndexChangeHandler{})
	r.Register(&TripHandler{})
	r.Register(&ResetSessionHandler{})
	r.Register(&RestoreCircuitHandler{})
	r.Register(&SyncCashHandler{})
	r.Register(&KillHandler{})
	logger.Debugf("Ledger: registered %d event handlers", len(r.handlers))
}
