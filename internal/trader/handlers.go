package trader

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"scalpctl/internal/logger"
	"scalpctl/internal/safety"
)

func decode(payload []byte, v any, typ EventType) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", typ, err)
	}
	return nil
}

type ReserveHandler struct{}

func (h *ReserveHandler) Type() EventType { return EvtReserve }

func (h *ReserveHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p ReservePayload
	if err := decode(payload, &p, EvtReserve); err != nil {
		return err
	}
	l, s := ctx.Ledger(), ctx.State()
	sym := normalizeSymbol(p.Symbol)
	if s.Killed {
		return fmt.Errorf("%w: reserve %s", safety.ErrKilled, sym)
	}
	if err := l.circuit.Allow(); err != nil {
		return err
	}
	if _, ok := s.Reserved[sym]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, sym)
	}
	if _, ok := s.Open[sym]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, sym)
	}
	if l.maxOpen > 0 && s.occupied() >= l.maxOpen {
		return fmt.Errorf("%w: %d/%d", ErrMaxPositions, s.occupied(), l.maxOpen)
	}
	if !p.Notional.IsPositive() {
		return fmt.Errorf("reserve %s: notional must be positive", sym)
	}
	available := s.Cash.Sub(s.reservedTotal())
	if p.Notional.GreaterThan(available) {
		return fmt.Errorf("%w: need %s, available %s", ErrInsufficientCash, p.Notional.StringFixed(2), available.StringFixed(2))
	}
	s.Reserved[sym] = p.Notional
	return nil
}

type ReleaseHandler struct{}

func (h *ReleaseHandler) Type() EventType { return EvtRelease }

func (h *ReleaseHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p SymbolPayload
	if err := decode(payload, &p, EvtRelease); err != nil {
		return err
	}
	delete(ctx.State().Reserved, normalizeSymbol(p.Symbol))
	return nil
}

type ConfirmEntryHandler struct{}

func (h *ConfirmEntryHandler) Type() EventType { return EvtConfirmEntry }

func (h *ConfirmEntryHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p EntryPayload
	if err := decode(payload, &p, EvtConfirmEntry); err != nil {
		return err
	}
	s := ctx.State()
	sym := normalizeSymbol(p.Symbol)
	if _, ok := s.Reserved[sym]; !ok {
		// 预留已丢失（例如对账解决歧义成交），仍以成交为准
		logger.Warnf("ledger: confirm entry for %s without reservation", sym)
	}
	delete(s.Reserved, sym)
	s.Open[sym] = p.Cost
	s.Cash = s.Cash.Sub(p.Cost)
	return nil
}

type AdoptHandler struct{}

func (h *AdoptHandler) Type() EventType { return EvtAdopt }

func (h *AdoptHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p EntryPayload
	if err := decode(payload, &p, EvtAdopt); err != nil {
		return err
	}
	s := ctx.State()
	sym := normalizeSymbol(p.Symbol)
	delete(s.Reserved, sym)
	s.Open[sym] = p.Cost
	return nil
}

type SettleHandler struct{}

func (h *SettleHandler) Type() EventType { return EvtSettle }

func (h *SettleHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p Settlement
	if err := decode(payload, &p, EvtSettle); err != nil {
		return err
	}
	l, s := ctx.Ledger(), ctx.State()
	sym := normalizeSymbol(p.Symbol)
	if _, ok := s.Open[sym]; !ok {
		return fmt.Errorf("%w: settle %s", ErrUnknownSymbol, sym)
	}
	delete(s.Open, sym)
	delete(s.Unrealized, sym)
	s.Cash = s.Cash.Add(p.Proceeds)
	s.Realized = s.Realized.Add(p.PnL)
	l.circuit.OnExit(p.Reason)
	l.circuit.OnPnL(s.dailyPnLPct())
	return nil
}

type MarkHandler struct{}

func (h *MarkHandler) Type() EventType { return EvtMark }

func (h *MarkHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p MarkPayload
	if err := decode(payload, &p, EvtMark); err != nil {
		return err
	}
	l, s := ctx.Ledger(), ctx.State()
	s.Unrealized = make(map[string]decimal.Decimal, len(p.Unrealized))
	for sym, v := range p.Unrealized {
		sym = normalizeSymbol(sym)
		if _, ok := s.Open[sym]; ok {
			s.Unrealized[sym] = v
		}
	}
	l.circuit.OnPnL(s.dailyPnLPct())
	return nil
}

type APIResultHandler struct{}

func (h *APIResultHandler) Type() EventType { return EvtAPIResult }

func (h *APIResultHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p APIResultPayload
	if err := decode(payload, &p, EvtAPIResult); err != nil {
		return err
	}
	var err error
	if p.Error != "" {
		err = fmt.Errorf("%s: %w", p.Source, errors.New(p.Error))
	}
	ctx.Ledger().circuit.OnAPIResult(err)
	return nil
}

type IndexChangeHandler struct{}

func (h *IndexChangeHandler) Type() EventType { return EvtIndexChange }

func (h *IndexChangeHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p PctPayload
	if err := decode(payload, &p, EvtIndexChange); err != nil {
		return err
	}
	ctx.Ledger().circuit.OnIndexChange(p.Pct)
	return nil
}

type TripHandler struct{}

func (h *TripHandler) Type() EventType { return EvtTrip }

func (h *TripHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p ReasonPayload
	if err := decode(payload, &p, EvtTrip); err != nil {
		return err
	}
	ctx.Ledger().circuit.Trip(p.Reason)
	return nil
}

type ResetSessionHandler struct{}

func (h *ResetSessionHandler) Type() EventType { return EvtResetSession }

func (h *ResetSessionHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p SessionPayload
	if err := decode(payload, &p, EvtResetSession); err != nil {
		return err
	}
	s := ctx.State()
	ctx.Ledger().circuit.ResetSession(p.Session)
	s.StartEquity = p.StartEquity
	s.Cash = p.Cash
	s.Realized = p.Realized
	s.Unrealized = make(map[string]decimal.Decimal)
	return nil
}

type RestoreCircuitHandler struct{}

func (h *RestoreCircuitHandler) Type() EventType { return EvtRestoreCircuit }

func (h *RestoreCircuitHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p CircuitPayload
	if err := decode(payload, &p, EvtRestoreCircuit); err != nil {
		return err
	}
	if !ctx.Ledger().circuit.Restore(p.State) {
		logger.Infof("ledger: persisted circuit from session %q ignored", p.State.Session)
	}
	return nil
}

type SyncCashHandler struct{}

func (h *SyncCashHandler) Type() EventType { return EvtSyncCash }

func (h *SyncCashHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p CashPayload
	if err := decode(payload, &p, EvtSyncCash); err != nil {
		return err
	}
	ctx.State().Cash = p.Cash
	return nil
}

type KillHandler struct{}

func (h *KillHandler) Type() EventType { return EvtKill }

func (h *KillHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p ReasonPayload
	if err := decode(payload, &p, EvtKill); err != nil {
		return err
	}
	s := ctx.State()
	if !s.Killed {
		logger.Warnf("ledger: killed (%s), reservations refused", p.Reason)
	}
	s.Killed = true
	return nil
}
