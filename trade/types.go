package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the flip side for grid refills.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type Spacing string

const (
	Arithmetic Spacing = "arithmetic"
	Geometric  Spacing = "geometric"
)

type EntryMode string

const (
	MakerFirst EntryMode = "maker_first"
	Taker      EntryMode = "taker"
)

type ConfigState string

const (
	ConfigActive     ConfigState = "ACTIVE"
	ConfigPaused     ConfigState = "PAUSED"
	ConfigSuperseded ConfigState = "SUPERSEDED"
)

// LevelState is the lifecycle state of one grid rung.
type LevelState string

const (
	LevelPending   LevelState = "PENDING"
	LevelSubmitted LevelState = "SUBMITTED"
	LevelOpen      LevelState = "OPEN"
	LevelPartial   LevelState = "PARTIALLY_FILLED"
	LevelFilled    LevelState = "FILLED"
	LevelCanceled  LevelState = "CANCELED"
	LevelSkipped   LevelState = "SKIPPED"
)

// Terminal reports whether the level can never place another order
// under its current client order id.
func (s LevelState) Terminal() bool {
	switch s {
	case LevelFilled, LevelCanceled, LevelSkipped:
		return true
	}
	return false
}

// Live reports whether the level owns a resting or in-flight exchange order.
func (s LevelState) Live() bool {
	switch s {
	case LevelSubmitted, LevelOpen, LevelPartial:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderNew      OrderStatus = "NEW"
	OrderPartial  OrderStatus = "PARTIALLY_FILLED"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
	OrderUnknown  OrderStatus = "UNKNOWN"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

// GridSignal is the inbound strategy signal, one per (model, symbol).
// It maps one to one onto GridConfig.
type GridSignal struct {
	Model          string          `json:"model"`
	Symbol         string          `json:"symbol"`
	Lower          decimal.Decimal `json:"lower"`
	Upper          decimal.Decimal `json:"upper"`
	Grids          int             `json:"grids"`
	Spacing        Spacing         `json:"spacing"`
	BaseAllocation decimal.Decimal `json:"base_allocation"`
	Leverage       int             `json:"leverage"`
	EntryMode      EntryMode       `json:"entry_mode"`
	TpPct          decimal.Decimal `json:"tp_pct"`
	SlPct          decimal.Decimal `json:"sl_pct"`
	Rebalance      bool            `json:"rebalance"`
	// SplitAt overrides the buy/sell split rule: levels with index below
	// SplitAt are BUY, the rest SELL. Negative means "use the default rule".
	SplitAt int    `json:"split_at"`
	Notes   string `json:"notes,omitempty"`
}

type GridConfig struct {
	ID             int64           `json:"id"`
	Model          string          `json:"model"`
	Symbol         string          `json:"symbol"`
	Lower          decimal.Decimal `json:"lower"`
	Upper          decimal.Decimal `json:"upper"`
	Grids          int             `json:"grids"`
	Spacing        Spacing         `json:"spacing"`
	BaseAllocation decimal.Decimal `json:"base_allocation"`
	Leverage       int             `json:"leverage"`
	EntryMode      EntryMode       `json:"entry_mode"`
	TpPct          decimal.Decimal `json:"tp_pct"`
	SlPct          decimal.Decimal `json:"sl_pct"`
	Rebalance      bool            `json:"rebalance"`
	State          ConfigState     `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Notional is the exposure this config adds when fully deployed.
func (c GridConfig) Notional() decimal.Decimal {
	return c.BaseAllocation.Mul(decimal.NewFromInt(int64(c.Leverage)))
}

// SameParams reports whether a signal would rebuild an identical grid,
// which makes a re-apply a no-op instead of a supersede.
func (c GridConfig) SameParams(s GridSignal) bool {
	return c.Lower.Equal(s.Lower) &&
		c.Upper.Equal(s.Upper) &&
		c.Grids == s.Grids &&
		c.Spacing == s.Spacing &&
		c.BaseAllocation.Equal(s.BaseAllocation) &&
		c.Leverage == s.Leverage &&
		c.Rebalance == s.Rebalance
}

// GridLevel is one rung of a grid. Price, side and quantity are immutable
// once created; a changed grid produces new levels under a new config.
// Generation counts refills at the same index, and is folded into the
// client order id so a refilled level never collides with the filled one.
type GridLevel struct {
	ConfigID      int64           `json:"config_id"`
	Model         string          `json:"model"`
	Symbol        string          `json:"symbol"`
	Index         int             `json:"index"`
	Price         decimal.Decimal `json:"price"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	ClientOrderID string          `json:"client_order_id"`
	Generation    int             `json:"generation"`
	State         LevelState      `json:"state"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Order is the durable record of one placement attempt, keyed by the
// client order id which is unique system wide.
type Order struct {
	Model           string          `json:"model"`
	Symbol          string          `json:"symbol"`
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID int64           `json:"exchange_order_id,omitempty"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	Status          OrderStatus     `json:"status"`
	Fee             decimal.Decimal `json:"fee"`
	Pnl             decimal.Decimal `json:"pnl"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type PricePoint struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// PositionSnapshot is the last known venue position for a (model, symbol),
// refreshed by the sync sweep so the status read path never has to call
// the exchange.
type PositionSnapshot struct {
	Model         string          `json:"model"`
	Symbol        string          `json:"symbol"`
	PositionAmt   decimal.Decimal `json:"position_amt"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Leverage      int             `json:"leverage"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PnlMetrics is a per-model snapshot materialized for the read path.
type PnlMetrics struct {
	Model     string          `json:"model"`
	Symbol    string          `json:"symbol"`
	Pnl       decimal.Decimal `json:"pnl"`
	DailyPnl  decimal.Decimal `json:"daily_pnl"`
	Exposure  decimal.Decimal `json:"exposure"`
	WinRate   decimal.Decimal `json:"win_rate"`
	Timestamp time.Time       `json:"timestamp"`
}
