// Package market derives read-only analytics from the recorded price
// history: range statistics, a trend tag, and the usual indicator set
// over resampled candles.
package market

import (
	"context"
	"time"

	"github.com/algoaster/algoarena-v1/storage"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/markcheno/go-talib"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	smaPeriod = 20
	rsiPeriod = 14
	atrPeriod = 14
	// minPoints guards the indicator lookback; talib returns zeros inside
	// the warmup window.
	minPoints = 30
)

// Analysis is one symbol's market picture over the requested window.
type Analysis struct {
	Symbol     string  `json:"symbol"`
	Points     int     `json:"points"`
	Last       float64 `json:"last"`
	ChangePct  float64 `json:"change_pct"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Sma        float64 `json:"sma"`
	Rsi        float64 `json:"rsi"`
	Atr        float64 `json:"atr"`
	Volatility float64 `json:"volatility"` // NATR, percent of price
	Trend      string  `json:"trend"`      // up, down or flat
}

type Analyzer struct {
	store storage.Store
	Sugar *zap.SugaredLogger
}

func NewAnalyzer(store storage.Store, sugar *zap.SugaredLogger) *Analyzer {
	return &Analyzer{store: store, Sugar: sugar}
}

// Analyze computes the picture for one symbol from history recorded since
// the window start. It reads only durable state.
func (a *Analyzer) Analyze(ctx context.Context, symbol string, window time.Duration) (Analysis, error) {
	since := time.Now().UTC().Add(-window)
	points, err := a.store.PriceHistory(ctx, symbol, since)
	if err != nil {
		return Analysis{}, errors.Wrapf(trade.ErrPersistenceFailure, "price history %s: %s", symbol, err)
	}
	if len(points) < minPoints {
		return Analysis{}, errors.Wrapf(trade.ErrInvalidParameters,
			"%s has %d points of history, need %d", symbol, len(points), minPoints)
	}

	closes := make([]float64, len(points))
	for i, p := range points {
		closes[i], _ = p.Price.Float64()
	}

	high, low := closes[0], closes[0]
	for _, c := range closes {
		if c > high {
			high = c
		}
		if c < low {
			low = c
		}
	}
	first, last := closes[0], closes[len(closes)-1]

	candles := resample(points, window/time.Duration(minPoints))
	var atr, natr float64
	if len(candles.Close) > atrPeriod {
		atrs := talib.Atr(candles.High, candles.Low, candles.Close, atrPeriod)
		atr = atrs[len(atrs)-1]
		natrs := talib.Natr(candles.High, candles.Low, candles.Close, atrPeriod)
		natr = natrs[len(natrs)-1]
	}

	smas := talib.Sma(closes, smaPeriod)
	rsis := talib.Rsi(closes, rsiPeriod)

	analysis := Analysis{
		Symbol:     symbol,
		Points:     len(points),
		Last:       last,
		High:       high,
		Low:        low,
		Sma:        smas[len(smas)-1],
		Rsi:        rsis[len(rsis)-1],
		Atr:        atr,
		Volatility: natr,
		Trend:      trendTag(closes),
	}
	if first != 0 {
		analysis.ChangePct = (last - first) / first * 100
	}
	return analysis, nil
}

// trendTag fits a linear regression over the closes and tags the slope.
// The flat band is half a percent of the mean price across the window.
func trendTag(closes []float64) string {
	reg := talib.LinearReg(closes, len(closes))
	slope := (reg[len(reg)-1] - closes[0]) / float64(len(closes))

	mean := 0.0
	for _, c := range closes {
		mean += c
	}
	mean /= float64(len(closes))
	band := mean * 0.005 / float64(len(closes))

	switch {
	case slope > band:
		return "up"
	case slope < -band:
		return "down"
	default:
		return "flat"
	}
}

type candleSet struct {
	High  []float64
	Low   []float64
	Close []float64
}

// resample buckets tick points into fixed-interval candles so the
// ATR family gets real high/low/close inputs.
func resample(points []trade.PricePoint, interval time.Duration) candleSet {
	if interval <= 0 {
		interval = time.Minute
	}
	var set candleSet
	var bucket int64 = -1
	for _, p := range points {
		price, _ := p.Price.Float64()
		b := p.Timestamp.UnixNano() / int64(interval)
		if b != bucket {
			bucket = b
			set.High = append(set.High, price)
			set.Low = append(set.Low, price)
			set.Close = append(set.Close, price)
			continue
		}
		i := len(set.Close) - 1
		if price > set.High[i] {
			set.High[i] = price
		}
		if price < set.Low[i] {
			set.Low[i] = price
		}
		set.Close[i] = price
	}
	return set
}
