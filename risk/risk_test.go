package risk

import (
	"errors"
	"testing"

	"github.com/algoaster/algoarena-v1/trade"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signal() trade.GridSignal {
	return trade.GridSignal{
		Model:          "chatgpt",
		Symbol:         "SOLUSDT",
		Lower:          decimal.NewFromInt(180),
		Upper:          decimal.NewFromInt(210),
		Grids:          5,
		Spacing:        trade.Arithmetic,
		BaseAllocation: decimal.NewFromInt(100),
		Leverage:       1,
	}
}

func TestEvaluateAccepts(t *testing.T) {
	err := Evaluate(signal(), AccountState{}, DefaultLimits())
	require.NoError(t, err)
}

func TestEvaluateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*trade.GridSignal, *AccountState)
		code   string
	}{
		{
			"leverage over cap",
			func(s *trade.GridSignal, _ *AccountState) { s.Leverage = 5 },
			trade.RiskLeverageExceeded,
		},
		{
			"symbol exposure over cap",
			func(s *trade.GridSignal, _ *AccountState) {
				s.BaseAllocation = decimal.NewFromInt(4000)
				s.Leverage = 2
			},
			trade.RiskExposureExceeded,
		},
		{
			"model exposure over cap",
			func(_ *trade.GridSignal, a *AccountState) {
				a.ActiveExposure = decimal.NewFromInt(19950)
			},
			trade.RiskExposureExceeded,
		},
		{
			"daily loss breached",
			func(_ *trade.GridSignal, a *AccountState) {
				a.DailyPnl = decimal.NewFromInt(-300)
			},
			trade.RiskDailyLossBreached,
		},
		{
			"inverted bounds",
			func(s *trade.GridSignal, _ *AccountState) { s.Lower, s.Upper = s.Upper, s.Lower },
			trade.RiskInvalidBounds,
		},
		{
			"negative lower",
			func(s *trade.GridSignal, _ *AccountState) { s.Lower = decimal.NewFromInt(-1) },
			trade.RiskInvalidBounds,
		},
		{
			"too many grids",
			func(s *trade.GridSignal, _ *AccountState) { s.Grids = 500 },
			trade.RiskGridCount,
		},
		{
			"too few grids",
			func(s *trade.GridSignal, _ *AccountState) { s.Grids = 1 },
			trade.RiskGridCount,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := signal()
			acct := AccountState{}
			tt.mutate(&sig, &acct)
			err := Evaluate(sig, acct, DefaultLimits())
			require.Error(t, err)
			var re *trade.RiskError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.code, re.Code)
		})
	}
}

func TestDailyLossDominates(t *testing.T) {
	// once the floor is breached even a tiny, otherwise valid grid is rejected
	sig := signal()
	sig.BaseAllocation = decimal.NewFromInt(1)
	err := Evaluate(sig, AccountState{DailyPnl: decimal.NewFromInt(-1000)}, DefaultLimits())
	var re *trade.RiskError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, trade.RiskDailyLossBreached, re.Code)
}
