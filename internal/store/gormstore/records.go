package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"scalpctl/internal/cooldown"
	"scalpctl/internal/gateway/broker"
	"scalpctl/internal/safety"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/trader"
)

// --------------------------- Trades ------------------------------

func (s *GormStore) RecordTrade(ctx context.Context, t trader.Trade) error {
	if err := s.ready(); err != nil {
		return err
	}
	detail, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade %s: %w", t.Symbol, err)
	}
	m := tradeModel{
		ID:          t.ID,
		Session:     s.sessionOf(t.ExitTime),
		Symbol:      broker.NormalizeSymbol(t.Symbol),
		Reason:      string(t.Reason),
		PnL:         t.PnL.String(),
		PnLPct:      t.PnLPct,
		Detail:      datatypes.JSON(detail),
		EntryAtUnix: unixOrZero(t.EntryTime),
		ExitAtUnix:  unixOrZero(t.ExitTime),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

// ListTrades returns the trades closed in one session, oldest first.
func (s *GormStore) ListTrades(ctx context.Context, session string) ([]trader.Trade, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []tradeModel
	if err := s.db.WithContext(ctx).
		Where("session = ?", strings.TrimSpace(session)).
		Order("exit_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]trader.Trade, 0, len(models))
	for _, m := range models {
		var t trader.Trade
		if err := json.Unmarshal(m.Detail, &t); err != nil {
			return nil, fmt.Errorf("decode trade %s: %w", m.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// --------------------------- Cooldowns ------------------------------

func (s *GormStore) SaveCooldown(ctx context.Context, e cooldown.Entry) error {
	if err := s.ready(); err != nil {
		return err
	}
	m := cooldownModel{
		Symbol:     broker.NormalizeSymbol(e.Symbol),
		UntilUnix:  unixOrZero(e.Until),
		LossStreak: e.Losses,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "symbol"}}, UpdateAll: true}).
		Create(&m).Error
}

// LoadCooldowns returns entries still active at now. Expired rows are kept
// only while they carry a loss streak.
func (s *GormStore) LoadCooldowns(ctx context.Context, now time.Time) ([]cooldown.Entry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []cooldownModel
	if err := s.db.WithContext(ctx).
		Where("until > ? OR losses > 0", now.UnixMilli()).
		Order("symbol ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]cooldown.Entry, 0, len(models))
	for _, m := range models {
		out = append(out, cooldown.Entry{Symbol: m.Symbol, Until: fromUnix(m.UntilUnix), Losses: m.LossStreak})
	}
	return out, nil
}

// --------------------------- Circuit ------------------------------

func (s *GormStore) SaveCircuit(ctx context.Context, st safety.State) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(st.Session) == "" {
		return fmt.Errorf("circuit state without session")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m := circuitModel{
		Session:       st.Session,
		Halted:        st.Halted,
		HaltReason:    st.HaltReason,
		State:         datatypes.JSON(raw),
		UpdatedAtUnix: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session"}}, UpdateAll: true}).
		Create(&m).Error
}

// LoadCircuit returns the persisted state of the given session only.
func (s *GormStore) LoadCircuit(ctx context.Context, session string) (safety.State, bool, error) {
	if err := s.ready(); err != nil {
		return safety.State{}, false, err
	}
	var m circuitModel
	err := s.db.WithContext(ctx).Where("session = ?", session).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return safety.State{}, false, nil
	}
	if err != nil {
		return safety.State{}, false, err
	}
	var st safety.State
	if err := json.Unmarshal(m.State, &st); err != nil {
		return safety.State{}, false, fmt.Errorf("decode circuit %s: %w", session, err)
	}
	return st, true, nil
}

// --------------------------- Mode ------------------------------

// SaveModeTransition appends one mode change to the history.
func (s *GormStore) SaveModeTransition(ctx context.Context, from, to mode.Mode) error {
	if err := s.ready(); err != nil {
		return err
	}
	th, err := json.Marshal(to.Threshold)
	if err != nil {
		return err
	}
	m := modeModel{
		Session:   s.sessionOf(to.EffectiveSince),
		Name:      string(to.Name),
		FromName:  string(from.Name),
		Reason:    to.Reason,
		Threshold: datatypes.JSON(th),
		SinceUnix: unixOrZero(to.EffectiveSince),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// LoadMode returns the latest mode recorded for the session.
func (s *GormStore) LoadMode(ctx context.Context, session string) (mode.Mode, bool, error) {
	if err := s.ready(); err != nil {
		return mode.Mode{}, false, err
	}
	var m modeModel
	err := s.db.WithContext(ctx).
		Where("session = ?", session).
		Order("effective_since DESC, id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return mode.Mode{}, false, nil
	}
	if err != nil {
		return mode.Mode{}, false, err
	}
	out := mode.Mode{
		Name:           mode.Name(m.Name),
		EffectiveSince: fromUnix(m.SinceUnix),
		Reason:         m.Reason,
	}
	if err := json.Unmarshal(m.Threshold, &out.Threshold); err != nil {
		return mode.Mode{}, false, fmt.Errorf("decode mode threshold: %w", err)
	}
	return out, true, nil
}

// --------------------- Ledger event log ----------------------

// Append implements trader.EventStore.
func (s *GormStore) Append(ctx context.Context, evt trader.EventEnvelope) error {
	if err := s.ready(); err != nil {
		return err
	}
	m := ledgerEventModel{
		EventID:       evt.ID,
		Type:          string(evt.Type),
		Symbol:        strings.ToUpper(strings.TrimSpace(evt.Symbol)),
		Payload:       datatypes.JSON(evt.Payload),
		CreatedAtUnix: evt.CreatedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) LoadEvents(ctx context.Context, since time.Time, limit int) ([]trader.EventEnvelope, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	var models []ledgerEventModel
	query := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Limit(limit)
	if !since.IsZero() {
		query = query.Where("created_at > ?", since.UnixMilli())
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]trader.EventEnvelope, 0, len(models))
	for _, m := range models {
		out = append(out, trader.EventEnvelope{
			ID:        m.EventID,
			Type:      trader.EventType(m.Type),
			Payload:   json.RawMessage(m.Payload),
			CreatedAt: time.UnixMilli(m.CreatedAtUnix).UTC(),
			Symbol:    m.Symbol,
		})
	}
	return out, nil
}

var (
	_ trader.Store        = (*GormStore)(nil)
	_ trader.EventStore   = (*GormStore)(nil)
	_ trader.CircuitSaver = (*GormStore)(nil)
)
