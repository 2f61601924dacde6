// Package grid derives the deterministic price/side/quantity ladder for a
// grid strategy. Everything here is pure: the same inputs always produce
// bit-identical output, which the client order id derivation and later
// reconciliation depend on.
package grid

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/algoaster/algoarena-v1/trade"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	DefaultPricePrecision int32 = 2
	DefaultQtyPrecision   int32 = 3
)

// Params are the inputs of one ladder computation.
type Params struct {
	Lower          decimal.Decimal
	Upper          decimal.Decimal
	Grids          int
	Spacing        trade.Spacing
	BaseAllocation decimal.Decimal
	Leverage       int

	// Reference is the live mark price; zero means "not supplied", in
	// which case the split falls back to the midpoint rule.
	Reference decimal.Decimal
	// SplitAt overrides the side split entirely when >= 0.
	SplitAt int

	PricePrecision int32
	QtyPrecision   int32
}

// Level is one rung: immutable price, side and quantity plus the index it
// occupies in the ladder.
type Level struct {
	Index int
	Price decimal.Decimal
	Side  trade.Side
	Qty   decimal.Decimal
}

// ComputeLevels builds the ordered ladder, lowest price first.
//
// Side split rule: with SplitAt >= 0, levels with index < SplitAt are BUY
// and the rest SELL. With a live reference price, levels priced below the
// reference are BUY and levels at or above it are SELL. Otherwise levels
// priced at or below the bounds midpoint are BUY, so an odd count gives
// the extra level to the buy side.
func ComputeLevels(p Params) ([]Level, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	pricePrec := p.PricePrecision
	if pricePrec == 0 {
		pricePrec = DefaultPricePrecision
	}
	qtyPrec := p.QtyPrecision
	if qtyPrec == 0 {
		qtyPrec = DefaultQtyPrecision
	}

	prices := make([]decimal.Decimal, p.Grids)
	switch p.Spacing {
	case trade.Geometric:
		// ratio = (upper/lower)^(1/(n-1)), computed in float once and
		// applied multiplicatively; rounding per level keeps the ladder
		// deterministic.
		lower, _ := p.Lower.Float64()
		upper, _ := p.Upper.Float64()
		scale := decimal.NewFromFloat(math.Pow(upper/lower, 1.0/float64(p.Grids-1)))
		cur := p.Lower
		for i := 0; i < p.Grids; i++ {
			prices[i] = cur.Round(pricePrec)
			cur = cur.Mul(scale)
		}
		prices[p.Grids-1] = p.Upper.Round(pricePrec)
	default: // arithmetic
		step := p.Upper.Sub(p.Lower).Div(decimal.NewFromInt(int64(p.Grids - 1)))
		for i := 0; i < p.Grids; i++ {
			prices[i] = p.Lower.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(pricePrec)
		}
	}

	// notional per level is constant: baseAllocation*leverage/grids
	perLevel := p.BaseAllocation.
		Mul(decimal.NewFromInt(int64(p.Leverage))).
		Div(decimal.NewFromInt(int64(p.Grids)))

	levels := make([]Level, p.Grids)
	for i, price := range prices {
		levels[i] = Level{
			Index: i,
			Price: price,
			Side:  sideFor(p, prices, i),
			Qty:   perLevel.DivRound(price, qtyPrec),
		}
	}
	return levels, nil
}

func validate(p Params) error {
	if p.Grids < 2 {
		return errors.Wrapf(trade.ErrInvalidParameters, "grids must be >= 2, got %d", p.Grids)
	}
	if !p.Lower.IsPositive() || !p.Upper.IsPositive() {
		return errors.Wrap(trade.ErrInvalidParameters, "price bounds must be positive")
	}
	if !p.Lower.LessThan(p.Upper) {
		return errors.Wrapf(trade.ErrInvalidParameters, "lower %s must be below upper %s", p.Lower, p.Upper)
	}
	if !p.BaseAllocation.IsPositive() {
		return errors.Wrap(trade.ErrInvalidParameters, "base allocation must be positive")
	}
	if p.Leverage < 1 {
		return errors.Wrapf(trade.ErrInvalidParameters, "leverage must be >= 1, got %d", p.Leverage)
	}
	return nil
}

func sideFor(p Params, prices []decimal.Decimal, i int) trade.Side {
	if p.SplitAt >= 0 {
		if i < p.SplitAt {
			return trade.Buy
		}
		return trade.Sell
	}
	if p.Reference.IsPositive() {
		if prices[i].LessThan(p.Reference) {
			return trade.Buy
		}
		return trade.Sell
	}
	mid := p.Lower.Add(p.Upper).Div(decimal.NewFromInt(2))
	if prices[i].LessThanOrEqual(mid) {
		return trade.Buy
	}
	return trade.Sell
}

// ClientOrderID derives the idempotency key for one level placement.
// It is a pure function of its inputs: re-deriving for the same inputs
// always yields the same identifier, so a retried placement is recognized
// as a duplicate by both the exchange and local bookkeeping. Generation
// zero matches the initial apply; each refill at the same index bumps the
// generation and therefore the id.
func ClientOrderID(model, symbol string, configID int64, index, generation int) string {
	payload := fmt.Sprintf("%s:%s:%d:%d", model, symbol, configID, index)
	if generation > 0 {
		payload = fmt.Sprintf("%s:%d", payload, generation)
	}
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}
