package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"scalpctl/internal/gateway/broker"
	"scalpctl/internal/trader"
)

// SavePosition upserts the non-CLOSED position of one symbol.
func (s *GormStore) SavePosition(ctx context.Context, p trader.Position) error {
	if err := s.ready(); err != nil {
		return err
	}
	detail, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", p.Symbol, err)
	}
	m := positionModel{
		Symbol:        broker.NormalizeSymbol(p.Symbol),
		State:         string(p.State),
		Grade:         string(p.Grade),
		EntryPrice:    p.EntryPrice,
		Quantity:      p.Quantity.String(),
		OrderID:       p.OrderID,
		Ambiguous:     p.Ambiguous,
		Detail:        datatypes.JSON(detail),
		EntryAtUnix:   unixOrZero(p.EntryTime),
		UpdatedAtUnix: unixOrZero(p.UpdatedAt),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

func (s *GormStore) DeletePosition(ctx context.Context, symbol string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("symbol = ?", broker.NormalizeSymbol(symbol)).
		Delete(&positionModel{}).Error
}

// LoadPositions returns every persisted position ordered by symbol.
func (s *GormStore) LoadPositions(ctx context.Context) ([]trader.Position, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []positionModel
	if err := s.db.WithContext(ctx).Order("symbol ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]trader.Position, 0, len(models))
	for _, m := range models {
		var p trader.Position
		if err := json.Unmarshal(m.Detail, &p); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", m.Symbol, err)
		}
		p.Symbol = m.Symbol
		out = append(out, p)
	}
	return out, nil
}

func (s *GormStore) GetPosition(ctx context.Context, symbol string) (trader.Position, bool, error) {
	if err := s.ready(); err != nil {
		return trader.Position{}, false, err
	}
	var m positionModel
	err := s.db.WithContext(ctx).Where("symbol = ?", broker.NormalizeSymbol(symbol)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return trader.Position{}, false, nil
	}
	if err != nil {
		return trader.Position{}, false, err
	}
	var p trader.Position
	if err := json.Unmarshal(m.Detail, &p); err != nil {
		return trader.Position{}, false, fmt.Errorf("decode position %s: %w", m.Symbol, err)
	}
	return p, true, nil
}
