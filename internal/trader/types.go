package trader

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"scalpctl/internal/safety"
	"scalpctl/internal/strategy/exit"
)

// EventType 定义账本事件类型
type EventType string

const (
	// EvtReserve 原子地检查并预留一个入场名额与资金
	EvtReserve EventType = "RESERVE"
	// EvtRelease 入场失败，释放预留
	EvtRelease EventType = "RELEASE"
	// EvtConfirmEntry 入场成交，预留转为持仓
	EvtConfirmEntry EventType = "CONFIRM_ENTRY"
	// EvtAdopt 对账接管已有持仓
	EvtAdopt EventType = "ADOPT"
	// EvtSettle 平仓成交
	EvtSettle EventType = "SETTLE"
	// EvtMark 盯市，刷新未实现盈亏与当日盈亏
	EvtMark EventType = "MARK"
	// EvtAPIResult 外部调用结果（重试耗尽后才计入）
	EvtAPIResult EventType = "API_RESULT"
	// EvtIndexChange 指数日内涨跌幅
	EvtIndexChange EventType = "INDEX_CHANGE"
	// EvtTrip 无条件熔断
	EvtTrip EventType = "TRIP"
	// EvtResetSession 新交易日
	EvtResetSession EventType = "RESET_SESSION"
	// EvtRestoreCircuit 重启后恢复同一交易日的熔断状态
	EvtRestoreCircuit EventType = "RESTORE_CIRCUIT"
	// EvtSyncCash 以券商现金为准
	EvtSyncCash EventType = "SYNC_CASH"
	// EvtKill 一键清仓后永久拒绝新预留，跨交易日不重置
	EvtKill EventType = "KILL"
)

// EventEnvelope 是 Actor 接收的标准消息信封
type EventEnvelope struct {
	ID        string
	Type      EventType
	Payload   json.RawMessage
	CreatedAt time.Time
	Symbol    string

	// ReplyCh 用于同步等待处理结果
	ReplyCh chan error `json:"-"`
}

type ReservePayload struct {
	Symbol   string          `json:"symbol"`
	Notional decimal.Decimal `json:"notional"`
}

type SymbolPayload struct {
	Symbol string `json:"symbol"`
}

type EntryPayload struct {
	Symbol string          `json:"symbol"`
	Cost   decimal.Decimal `json:"cost"`
}

// Settlement is the ledger-side effect of a confirmed exit fill.
type Settlement struct {
	Symbol   string          `json:"symbol"`
	Proceeds decimal.Decimal `json:"proceeds"`
	PnL      decimal.Decimal `json:"pnl"`
	Reason   exit.Reason     `json:"reason"`
}

type MarkPayload struct {
	Unrealized map[string]decimal.Decimal `json:"unrealized"`
}

type APIResultPayload struct {
	Source string `json:"source"`
	Error  string `json:"error,omitempty"`
}

type PctPayload struct {
	Pct float64 `json:"pct"`
}

type ReasonPayload struct {
	Reason string `json:"reason"`
}

// SessionPayload opens a session. Realized carries pnl already booked
// today when the process restarts mid-session.
type SessionPayload struct {
	Session     string          `json:"session"`
	StartEquity decimal.Decimal `json:"start_equity"`
	Cash        decimal.Decimal `json:"cash"`
	Realized    decimal.Decimal `json:"realized"`
}

type CircuitPayload struct {
	State safety.State `json:"state"`
}

type CashPayload struct {
	Cash decimal.Decimal `json:"cash"`
}

// LedgerState 维护账本的内存状态 (无锁，仅 actor goroutine 访问)
type LedgerState struct {
	Cash        decimal.Decimal
	StartEquity decimal.Decimal
	Realized    decimal.Decimal
	// Reserved key: symbol -> notional held for a pending entry.
	Reserved map[string]decimal.Decimal
	// Open key: symbol -> cost basis of a filled position.
	Open       map[string]decimal.Decimal
	Unrealized map[string]decimal.Decimal
	Killed     bool
}

func NewLedgerState() *LedgerState {
	return &LedgerState{
		Reserved:   make(map[string]decimal.Decimal),
		Open:       make(map[string]decimal.Decimal),
		Unrealized: make(map[string]decimal.Decimal),
	}
}

func (s *LedgerState) reservedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, v := range s.Reserved {
		total = total.Add(v)
	}
	return total
}

func (s *LedgerState) occupied() int { return len(s.Reserved) + len(s.Open) }

func (s *LedgerState) dailyPnLPct() float64 {
	if !s.StartEquity.IsPositive() {
		return 0
	}
	total := s.Realized
	for _, v := range s.Unrealized {
		total = total.Add(v)
	}
	pct, _ := total.Div(s.StartEquity).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// LedgerSnapshot is an immutable copy for readers outside the actor.
type LedgerSnapshot struct {
	Cash        decimal.Decimal `json:"cash"`
	Available   decimal.Decimal `json:"available"`
	Reserved    []string        `json:"reserved"`
	Open        []string        `json:"open"`
	OpenCount   int             `json:"open_count"`
	MaxOpen     int             `json:"max_open"`
	StartEquity decimal.Decimal `json:"start_equity"`
	Realized    decimal.Decimal `json:"realized"`
	DailyPnLPct float64         `json:"daily_pnl_pct"`
	Circuit     safety.State    `json:"circuit"`
	Killed      bool            `json:"killed"`
}
