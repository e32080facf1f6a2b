package model

import (
	"gorm.io/datatypes"
)

// PositionModel 持久化非 CLOSED 的持仓（每个 symbol 最多一条）。
type PositionModel struct {
	Symbol        string         `gorm:"column:symbol;primaryKey"`
	State         string         `gorm:"column:state;index"`
	Grade         string         `gorm:"column:grade"`
	EntryPrice    float64        `gorm:"column:entry_price"`
	Quantity      string         `gorm:"column:quantity"`
	OrderID       string         `gorm:"column:order_id"`
	Ambiguous     bool           `gorm:"column:ambiguous"`
	Detail        datatypes.JSON `gorm:"column:detail;type:TEXT"`
	EntryAtUnix   int64          `gorm:"column:entry_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

type CooldownModel struct {
	Symbol     string `gorm:"column:symbol;primaryKey"`
	UntilUnix  int64  `gorm:"column:until;index"`
	LossStreak int    `gorm:"column:losses"`
}

func (CooldownModel) TableName() string { return "cooldowns" }

// CircuitModel 按交易日保存熔断状态。
type CircuitModel struct {
	Session       string         `gorm:"column:session;primaryKey"`
	Halted        bool           `gorm:"column:halted"`
	HaltReason    string         `gorm:"column:halt_reason"`
	State         datatypes.JSON `gorm:"column:state;type:TEXT"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (CircuitModel) TableName() string { return "circuit_state" }

// ModeModel 是模式切换历史；最新一条即当前模式。
type ModeModel struct {
	ID        int64          `gorm:"column:id;primaryKey"`
	Session   string         `gorm:"column:session;index"`
	Name      string         `gorm:"column:name"`
	FromName  string         `gorm:"column:from_name"`
	Reason    string         `gorm:"column:reason"`
	Threshold datatypes.JSON `gorm:"column:threshold;type:TEXT"`
	SinceUnix int64          `gorm:"column:effective_since;index"`
}

func (ModeModel) TableName() string { return "mode_transitions" }

type TradeModel struct {
	ID          string         `gorm:"column:id;primaryKey"`
	Session     string         `gorm:"column:session;index"`
	Symbol      string         `gorm:"column:symbol;index"`
	Reason      string         `gorm:"column:reason"`
	PnL         string         `gorm:"column:pnl"`
	PnLPct      float64        `gorm:"column:pnl_pct"`
	Detail      datatypes.JSON `gorm:"column:detail;type:TEXT"`
	EntryAtUnix int64          `gorm:"column:entry_at"`
	ExitAtUnix  int64          `gorm:"column:exit_at;index"`
}

func (TradeModel) TableName() string { return "trades" }

// LedgerEventModel 账本事件审计日志（先落库后应用）。
type LedgerEventModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	EventID       string         `gorm:"column:event_uuid;index"`
	Type          string         `gorm:"column:type;index"`
	Symbol        string         `gorm:"column:symbol;index"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (LedgerEventModel) TableName() string { return "ledger_events" }
