package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/algoaster/algoarena-v1/exchange"
	"github.com/algoaster/algoarena-v1/grid"
	"github.com/algoaster/algoarena-v1/risk"
	"github.com/algoaster/algoarena-v1/storage"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeExchange is a stateful venue simulator: placed orders rest until a
// test fills or cancels them.
type fakeExchange struct {
	mu         sync.Mutex
	orders     map[string]*exchange.Order
	nextID     int64
	placeCalls int
	placeErr   error
	queryErr   error
	position   exchange.Position
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{orders: make(map[string]*exchange.Order)}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.placeErr != nil {
		return exchange.Order{}, f.placeErr
	}
	f.nextID++
	order := exchange.Order{
		OrderID:       f.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         req.Price,
		Qty:           req.Qty,
		Status:        trade.OrderNew,
	}
	f.orders[req.ClientOrderID] = &order
	return order, nil
}

func (f *fakeExchange) QueryOrder(_ context.Context, _, clientOrderID string) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return exchange.Order{}, f.queryErr
	}
	order, ok := f.orders[clientOrderID]
	if !ok {
		return exchange.Order{}, exchange.ErrOrderNotFound
	}
	return *order, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[clientOrderID]
	if !ok || order.Status.Terminal() {
		return exchange.ErrOrderNotFound
	}
	order.Status = trade.OrderCanceled
	return nil
}

func (f *fakeExchange) fill(clientOrderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order, ok := f.orders[clientOrderID]; ok {
		order.Status = trade.OrderFilled
		order.FilledQty = order.Qty
	}
}

func (f *fakeExchange) restingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, order := range f.orders {
		if !order.Status.Terminal() {
			n++
		}
	}
	return n
}

func (f *fakeExchange) Position(_ context.Context, _ string) (exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeExchange) Account(_ context.Context) (exchange.Account, error) {
	return exchange.Account{}, nil
}

func (f *fakeExchange) FundingRate(_ context.Context, _ string) (exchange.FundingRate, error) {
	return exchange.FundingRate{}, nil
}

func (f *fakeExchange) Ticker(_ context.Context, _ string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func solSignal() trade.GridSignal {
	return trade.GridSignal{
		Model:          "qwen3-max",
		Symbol:         "SOLUSDT",
		Lower:          decimal.NewFromInt(180),
		Upper:          decimal.NewFromInt(210),
		Grids:          5,
		Spacing:        trade.Arithmetic,
		BaseAllocation: decimal.NewFromInt(50),
		Leverage:       2,
		Rebalance:      true,
		SplitAt:        -1,
	}
}

func newTestEngine(ex *fakeExchange) (*Engine, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	e := New(store, risk.DefaultLimits(), zap.NewNop().Sugar())
	e.RegisterModel("qwen3-max", ex)
	return e, store
}

func TestApplyPlacesFullLadder(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	result, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)
	assert.Equal(t, 5, result.Placed)
	assert.Zero(t, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.False(t, result.Reused)

	levels, err := store.LevelsByConfig(context.Background(), result.ConfigID)
	require.NoError(t, err)
	require.Len(t, levels, 5)

	wantPrices := []string{"180", "187.5", "195", "202.5", "210"}
	buys := 0
	for i, level := range levels {
		assert.True(t, level.Price.Equal(decimal.RequireFromString(wantPrices[i])),
			"level %d price %s", i, level.Price)
		assert.Equal(t, trade.LevelOpen, level.State)
		if level.Side == trade.Buy {
			buys++
		}
	}
	assert.Equal(t, 3, buys, "midpoint split gives the odd level to the buy side")
	assert.Equal(t, 5, ex.restingCount())
}

func TestApplyRiskRejectedBeforeExchange(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(ex)

	sig := solSignal()
	sig.Leverage = 5
	_, err := e.Apply(context.Background(), sig)
	require.Error(t, err)
	assert.True(t, trade.IsRiskRejected(err))
	assert.Zero(t, ex.placeCalls, "a rejected grid must never reach the venue")
}

func TestApplyUnchangedSignalIsIdempotent(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(ex)

	first, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)
	second, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)

	assert.Equal(t, first.ConfigID, second.ConfigID)
	assert.True(t, second.Reused)
	assert.Equal(t, 5, ex.placeCalls, "re-apply must not place a single new order")
	assert.Equal(t, 5, second.Placed, "existing levels still count as placed")
}

func TestApplyChangedSignalSupersedes(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	first, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)

	sig := solSignal()
	sig.Grids = 7
	second, err := e.Apply(context.Background(), sig)
	require.NoError(t, err)

	assert.NotEqual(t, first.ConfigID, second.ConfigID)
	assert.Equal(t, 7, second.Placed)
	assert.Equal(t, 7, ex.restingCount(), "all first-config orders must be canceled")

	old, err := store.LevelsByConfig(context.Background(), first.ConfigID)
	require.NoError(t, err)
	for _, level := range old {
		assert.Equal(t, trade.LevelCanceled, level.State)
	}
}

func TestPauseThenResume(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	result, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)

	canceled, err := e.Pause(context.Background(), "qwen3-max", "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, 5, canceled)
	assert.Zero(t, ex.restingCount())

	cfg, err := store.CurrentConfig(context.Background(), "qwen3-max", "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, trade.ConfigPaused, cfg.State)

	resumed, err := e.Resume(context.Background(), "qwen3-max", "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, result.ConfigID, resumed.ConfigID)
	assert.Equal(t, 5, resumed.Placed)
	assert.Equal(t, 5, ex.restingCount())

	levels, err := store.LevelsByConfig(context.Background(), result.ConfigID)
	require.NoError(t, err)
	gen1 := 0
	for _, level := range levels {
		if level.Generation == 1 {
			gen1++
			assert.Equal(t, trade.LevelOpen, level.State)
		}
	}
	assert.Equal(t, 5, gen1, "every canceled level comes back under generation 1")
}

func TestResumeRequiresPausedConfig(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(ex)

	_, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)

	_, err = e.Resume(context.Background(), "qwen3-max", "SOLUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, trade.ErrInvalidParameters)
}

func TestSyncRefillsFilledLevel(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	result, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)

	levels, err := store.LevelsByConfig(context.Background(), result.ConfigID)
	require.NoError(t, err)
	filled := levels[0] // BUY at 180
	ex.fill(filled.ClientOrderID)

	e.Sync(context.Background())

	levels, err = store.LevelsByConfig(context.Background(), result.ConfigID)
	require.NoError(t, err)
	require.Len(t, levels, 6, "fill must create exactly one refill level")

	var refill trade.GridLevel
	for _, level := range levels {
		if level.Index == filled.Index && level.Generation == 1 {
			refill = level
		}
	}
	require.NotEmpty(t, refill.ClientOrderID)
	assert.Equal(t, trade.Sell, refill.Side, "refill flips the side")
	assert.True(t, refill.Price.Equal(filled.Price))
	assert.Equal(t, trade.LevelOpen, refill.State)

	orig, err := store.Order(context.Background(), filled.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, trade.OrderFilled, orig.Status)
}

func TestSyncSettlesRoundTripPnl(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	result, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)

	levels, err := store.LevelsByConfig(context.Background(), result.ConfigID)
	require.NoError(t, err)
	buy := levels[0]
	ex.fill(buy.ClientOrderID)
	e.Sync(context.Background())

	// the gen-1 sell refill now rests on the venue; fill it too
	levels, err = store.LevelsByConfig(context.Background(), result.ConfigID)
	require.NoError(t, err)
	var sell trade.GridLevel
	for _, level := range levels {
		if level.Index == buy.Index && level.Generation == 1 {
			sell = level
		}
	}
	require.NotEmpty(t, sell.ClientOrderID)
	ex.fill(sell.ClientOrderID)
	e.Sync(context.Background())

	closed, err := store.Order(context.Background(), sell.ClientOrderID)
	require.NoError(t, err)
	// both fills happened at the same level price, zero round-trip pnl
	assert.True(t, closed.Pnl.IsZero())

	// the sell spawns a gen-2 buy at the same index
	levels, err = store.LevelsByConfig(context.Background(), result.ConfigID)
	require.NoError(t, err)
	found := false
	for _, level := range levels {
		if level.Index == buy.Index && level.Generation == 2 {
			found = true
			assert.Equal(t, trade.Buy, level.Side)
		}
	}
	assert.True(t, found, "every fill refills the next generation")
}

func TestSyncNoRefillWhenRebalanceOff(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	sig := solSignal()
	sig.Rebalance = false
	result, err := e.Apply(context.Background(), sig)
	require.NoError(t, err)

	levels, err := store.LevelsByConfig(context.Background(), result.ConfigID)
	require.NoError(t, err)
	ex.fill(levels[0].ClientOrderID)

	e.Sync(context.Background())

	levels, err = store.LevelsByConfig(context.Background(), result.ConfigID)
	require.NoError(t, err)
	assert.Len(t, levels, 5, "a fill must not refill when rebalance is off")
}

func TestSyncCancelsStraysOfPausedConfig(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	result, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)

	// pause flag lands but cancels are lost, as after a crash
	require.NoError(t, store.UpdateConfigState(context.Background(), result.ConfigID, trade.ConfigPaused))
	assert.Equal(t, 5, ex.restingCount())

	e.Sync(context.Background())
	assert.Zero(t, ex.restingCount(), "sync finishes the cancel side of a pause")
}

func TestStatusReadsDurableStateOnly(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(ex)

	result, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)

	// venue goes dark; status must still answer
	ex.queryErr = &exchange.APIError{HTTPStatus: 503, Message: "down"}
	ex.placeErr = ex.queryErr

	report, err := e.Status(context.Background(), "qwen3-max", "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, result.ConfigID, report.Config.ID)
	assert.Equal(t, 5, report.Open)
	assert.Len(t, report.Levels, 5)
}

func TestStatusUnknownPair(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(ex)

	_, err := e.Status(context.Background(), "qwen3-max", "BTCUSDT")
	assert.Equal(t, storage.ErrNotFound, err)
}

func TestApplyUnknownModel(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(ex)

	sig := solSignal()
	sig.Model = "ghost"
	_, err := e.Apply(context.Background(), sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, trade.ErrInvalidParameters)
	assert.Zero(t, ex.placeCalls)
}

// A crash after the venue ack but before the order write leaves a
// submitted level with no local order row. The sweep must adopt the
// resting venue order instead of skipping the level forever.
func TestSyncAdoptsAcknowledgedOrderAfterRestart(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	cfg := trade.GridConfig{
		ID:             1,
		Model:          "qwen3-max",
		Symbol:         "SOLUSDT",
		Lower:          decimal.NewFromInt(180),
		Upper:          decimal.NewFromInt(210),
		Grids:          5,
		Spacing:        trade.Arithmetic,
		BaseAllocation: decimal.NewFromInt(50),
		Leverage:       2,
		Rebalance:      true,
		State:          trade.ConfigActive,
	}
	require.NoError(t, store.SaveConfig(context.Background(), cfg))

	cid := grid.ClientOrderID(cfg.Model, cfg.Symbol, cfg.ID, 0, 0)
	level := trade.GridLevel{
		ConfigID:      cfg.ID,
		Model:         cfg.Model,
		Symbol:        cfg.Symbol,
		Index:         0,
		Price:         decimal.NewFromInt(180),
		Side:          trade.Buy,
		Qty:           decimal.RequireFromString("0.555"),
		ClientOrderID: cid,
		State:         trade.LevelSubmitted,
	}
	require.NoError(t, store.SaveLevel(context.Background(), level))
	// the venue acknowledged this order before the process died
	_, err := ex.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:        cfg.Symbol,
		Side:          trade.Buy,
		Price:         level.Price,
		Qty:           level.Qty,
		ClientOrderID: cid,
	})
	require.NoError(t, err)

	e.Sync(context.Background())

	levels, err := store.LevelsByConfig(context.Background(), cfg.ID)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, trade.LevelOpen, levels[0].State)

	adopted, err := store.Order(context.Background(), cid)
	require.NoError(t, err)
	assert.NotZero(t, adopted.ExchangeOrderID)
	assert.Equal(t, trade.OrderNew, adopted.Status)
	assert.Equal(t, 1, ex.placeCalls, "recovery adopts, it never re-places")
}

func TestApplyRejectedOnUnrealizedDailyLoss(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	// no realized losses, the open position alone breaches the floor
	require.NoError(t, store.UpsertPosition(context.Background(), trade.PositionSnapshot{
		Model:         "qwen3-max",
		Symbol:        "SOLUSDT",
		PositionAmt:   decimal.RequireFromString("5"),
		EntryPrice:    decimal.NewFromInt(240),
		MarkPrice:     decimal.NewFromInt(180),
		UnrealizedPnl: decimal.NewFromInt(-300),
		Leverage:      2,
	}))

	_, err := e.Apply(context.Background(), solSignal())
	require.Error(t, err)
	assert.True(t, trade.IsRiskRejected(err))
	var re *trade.RiskError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, trade.RiskDailyLossBreached, re.Code)
	assert.Zero(t, ex.placeCalls, "a rejected grid must never reach the venue")
}

func TestApplyReportsExistingLevelState(t *testing.T) {
	ex := newFakeExchange()
	e, store := newTestEngine(ex)

	first, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)

	levels, err := store.LevelsByConfig(context.Background(), first.ConfigID)
	require.NoError(t, err)
	require.Len(t, levels, 5)
	target := levels[1]
	order, err := store.Order(context.Background(), target.ClientOrderID)
	require.NoError(t, err)
	order.Status = trade.OrderCanceled
	require.NoError(t, store.UpsertOrder(context.Background(), order))

	second, err := e.Apply(context.Background(), solSignal())
	require.NoError(t, err)
	require.True(t, second.Reused)
	assert.Equal(t, trade.LevelCanceled, second.Levels[1].State,
		"a reused terminal order keeps its real state in the outcome")
	assert.Equal(t, trade.LevelOpen, second.Levels[0].State)
}
