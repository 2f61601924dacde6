package grid

import (
	"testing"

	"github.com/algoaster/algoarena-v1/trade"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func params(lower, upper string, grids int, spacing trade.Spacing) Params {
	return Params{
		Lower:          decimal.RequireFromString(lower),
		Upper:          decimal.RequireFromString(upper),
		Grids:          grids,
		Spacing:        spacing,
		BaseAllocation: decimal.NewFromInt(100),
		Leverage:       1,
		SplitAt:        -1,
	}
}

func TestComputeLevelsArithmetic(t *testing.T) {
	levels, err := ComputeLevels(params("180", "210", 5, trade.Arithmetic))
	require.NoError(t, err)
	require.Len(t, levels, 5)

	want := []string{"180", "187.5", "195", "202.5", "210"}
	for i, w := range want {
		assert.True(t, levels[i].Price.Equal(decimal.RequireFromString(w)),
			"level %d price expect %s, got %s", i, w, levels[i].Price)
	}

	// constant inter-level spacing
	step := levels[1].Price.Sub(levels[0].Price)
	for i := 1; i < len(levels); i++ {
		assert.True(t, levels[i].Price.Sub(levels[i-1].Price).Equal(step),
			"spacing not constant at level %d", i)
	}

	// midpoint split: 3 BUY at or below 195, 2 SELL above
	sides := []trade.Side{trade.Buy, trade.Buy, trade.Buy, trade.Sell, trade.Sell}
	for i, s := range sides {
		assert.Equal(t, s, levels[i].Side, "level %d", i)
	}

	// quantity inversely proportional to price: qty*price constant (20 per level)
	for _, l := range levels {
		notional, _ := l.Qty.Mul(l.Price).Float64()
		assert.InDelta(t, 20.0, notional, 0.5, "level %d notional", l.Index)
	}
}

func TestComputeLevelsGeometric(t *testing.T) {
	levels, err := ComputeLevels(params("100", "200", 5, trade.Geometric))
	require.NoError(t, err)
	require.Len(t, levels, 5)

	assert.True(t, levels[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, levels[4].Price.Equal(decimal.NewFromInt(200)))

	// ratio between consecutive prices is constant within rounding tolerance
	first, _ := levels[1].Price.Div(levels[0].Price).Float64()
	for i := 2; i < len(levels); i++ {
		r, _ := levels[i].Price.Div(levels[i-1].Price).Float64()
		assert.InDelta(t, first, r, 1e-3, "ratio at level %d", i)
	}

	// strictly increasing
	for i := 1; i < len(levels); i++ {
		assert.True(t, levels[i-1].Price.LessThan(levels[i].Price))
	}
}

func TestComputeLevelsReferenceSplit(t *testing.T) {
	p := params("180", "210", 5, trade.Arithmetic)
	p.Reference = decimal.RequireFromString("202.5")
	levels, err := ComputeLevels(p)
	require.NoError(t, err)

	// below 202.5 → BUY, at or above → SELL
	sides := []trade.Side{trade.Buy, trade.Buy, trade.Buy, trade.Sell, trade.Sell}
	for i, s := range sides {
		assert.Equal(t, s, levels[i].Side, "level %d", i)
	}
}

func TestComputeLevelsSplitAtOverride(t *testing.T) {
	p := params("180", "210", 5, trade.Arithmetic)
	p.SplitAt = 1
	levels, err := ComputeLevels(p)
	require.NoError(t, err)
	assert.Equal(t, trade.Buy, levels[0].Side)
	for i := 1; i < 5; i++ {
		assert.Equal(t, trade.Sell, levels[i].Side)
	}
}

func TestComputeLevelsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"one grid", func(p *Params) { p.Grids = 1 }},
		{"inverted bounds", func(p *Params) { p.Lower, p.Upper = p.Upper, p.Lower }},
		{"zero lower", func(p *Params) { p.Lower = decimal.Zero }},
		{"zero allocation", func(p *Params) { p.BaseAllocation = decimal.Zero }},
		{"zero leverage", func(p *Params) { p.Leverage = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params("180", "210", 5, trade.Arithmetic)
			tt.mutate(&p)
			_, err := ComputeLevels(p)
			require.ErrorIs(t, err, trade.ErrInvalidParameters)
		})
	}
}

func TestComputeLevelsDeterministic(t *testing.T) {
	p := params("93.7", "184.2", 17, trade.Geometric)
	a, err := ComputeLevels(p)
	require.NoError(t, err)
	b, err := ComputeLevels(p)
	require.NoError(t, err)
	for i := range a {
		assert.True(t, a[i].Price.Equal(b[i].Price))
		assert.True(t, a[i].Qty.Equal(b[i].Qty))
		assert.Equal(t, a[i].Side, b[i].Side)
	}
}

func TestClientOrderID(t *testing.T) {
	a := ClientOrderID("chatgpt", "SOLUSDT", 7, 3, 0)
	b := ClientOrderID("chatgpt", "SOLUSDT", 7, 3, 0)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	assert.NotEqual(t, a, ClientOrderID("chatgpt", "SOLUSDT", 7, 4, 0))
	assert.NotEqual(t, a, ClientOrderID("chatgpt", "SOLUSDT", 8, 3, 0))
	assert.NotEqual(t, a, ClientOrderID("grok", "SOLUSDT", 7, 3, 0))
	// a refill at the same index must not collide with the filled order
	assert.NotEqual(t, a, ClientOrderID("chatgpt", "SOLUSDT", 7, 3, 1))
}
