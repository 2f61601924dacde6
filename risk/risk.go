// Package risk gates every grid application before any order can reach
// the exchange. All checks are hard: a violation rejects the whole grid,
// there are no soft warnings.
package risk

import (
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/shopspring/decimal"
)

// Limits are the hard risk limits for one model.
type Limits struct {
	MaxLeverage int `json:"maxLeverage"`
	// MaxSymbolExposure caps notional (allocation * leverage) for one
	// (model, symbol) grid.
	MaxSymbolExposure decimal.Decimal `json:"maxSymbolExposure"`
	// MaxModelExposure caps the notional sum across all ACTIVE configs of
	// a model. Checked at apply time, not continuously.
	MaxModelExposure decimal.Decimal `json:"maxModelExposure"`
	// MaxDailyLoss is a negative floor on realized+unrealized daily pnl.
	MaxDailyLoss decimal.Decimal `json:"maxDailyLoss"`
	MinGrids     int             `json:"minGrids"`
	MaxGrids     int             `json:"maxGrids"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxLeverage:       2,
		MaxSymbolExposure: decimal.NewFromInt(5000),
		MaxModelExposure:  decimal.NewFromInt(20000),
		MaxDailyLoss:      decimal.NewFromInt(-200),
		MinGrids:          2,
		MaxGrids:          200,
	}
}

// AccountState is the model's current standing, gathered from durable
// state by the caller. ActiveExposure is the notional sum of the model's
// ACTIVE configs excluding the one being replaced, DailyPnl the realized
// plus unrealized pnl for the current day.
type AccountState struct {
	DailyPnl       decimal.Decimal
	ActiveExposure decimal.Decimal
}

// Evaluate accepts or rejects a proposed grid. It is pure: no I/O, no
// exchange calls. On rejection the returned error is a *trade.RiskError
// with a machine-readable reason code.
func Evaluate(sig trade.GridSignal, acct AccountState, lim Limits) error {
	// a breached daily floor rejects any new grid outright, regardless of
	// the grid's own parameters
	if acct.DailyPnl.LessThan(lim.MaxDailyLoss) {
		return &trade.RiskError{
			Code:    trade.RiskDailyLossBreached,
			Message: "daily pnl " + acct.DailyPnl.String() + " below floor " + lim.MaxDailyLoss.String(),
		}
	}
	if sig.Leverage > lim.MaxLeverage {
		return &trade.RiskError{
			Code:    trade.RiskLeverageExceeded,
			Message: "leverage " + decimal.NewFromInt(int64(sig.Leverage)).String() + " exceeds max " + decimal.NewFromInt(int64(lim.MaxLeverage)).String(),
		}
	}
	if !sig.Lower.IsPositive() || !sig.Upper.IsPositive() || !sig.Lower.LessThan(sig.Upper) {
		return &trade.RiskError{
			Code:    trade.RiskInvalidBounds,
			Message: "bounds must satisfy 0 < lower < upper, got [" + sig.Lower.String() + ", " + sig.Upper.String() + "]",
		}
	}
	if sig.Grids < lim.MinGrids || sig.Grids > lim.MaxGrids {
		return &trade.RiskError{
			Code:    trade.RiskGridCount,
			Message: "grid count out of range",
		}
	}

	notional := sig.BaseAllocation.Mul(decimal.NewFromInt(int64(sig.Leverage)))
	if notional.GreaterThan(lim.MaxSymbolExposure) {
		return &trade.RiskError{
			Code:    trade.RiskExposureExceeded,
			Message: "symbol exposure " + notional.String() + " exceeds max " + lim.MaxSymbolExposure.String(),
		}
	}
	if projected := acct.ActiveExposure.Add(notional); projected.GreaterThan(lim.MaxModelExposure) {
		return &trade.RiskError{
			Code:    trade.RiskExposureExceeded,
			Message: "model exposure " + projected.String() + " exceeds max " + lim.MaxModelExposure.String(),
		}
	}
	return nil
}
