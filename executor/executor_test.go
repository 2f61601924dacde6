package executor

import (
	"context"
	"testing"
	"time"

	"github.com/algoaster/algoarena-v1/exchange"
	"github.com/algoaster/algoarena-v1/storage"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockExchange scripts PlaceOrder/QueryOrder outcomes per call.
type mockExchange struct {
	placeResults []placeResult
	queryResults []queryResult
	placeCalls   int
	queryCalls   int
	cancelCalls  int
	cancelErr    error
}

type placeResult struct {
	order exchange.Order
	err   error
}

type queryResult struct {
	order exchange.Order
	err   error
}

func (m *mockExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	i := m.placeCalls
	m.placeCalls++
	if i >= len(m.placeResults) {
		return exchange.Order{}, errors.New("unexpected place call")
	}
	r := m.placeResults[i]
	if r.err == nil && r.order.ClientOrderID == "" {
		r.order.ClientOrderID = req.ClientOrderID
	}
	return r.order, r.err
}

func (m *mockExchange) QueryOrder(_ context.Context, _, clientOrderID string) (exchange.Order, error) {
	i := m.queryCalls
	m.queryCalls++
	if i >= len(m.queryResults) {
		return exchange.Order{}, exchange.ErrOrderNotFound
	}
	r := m.queryResults[i]
	if r.err == nil && r.order.ClientOrderID == "" {
		r.order.ClientOrderID = clientOrderID
	}
	return r.order, r.err
}

func (m *mockExchange) CancelOrder(_ context.Context, _, _ string) error {
	m.cancelCalls++
	return m.cancelErr
}

func (m *mockExchange) Position(_ context.Context, _ string) (exchange.Position, error) {
	return exchange.Position{}, nil
}

func (m *mockExchange) Account(_ context.Context) (exchange.Account, error) {
	return exchange.Account{}, nil
}

func (m *mockExchange) FundingRate(_ context.Context, _ string) (exchange.FundingRate, error) {
	return exchange.FundingRate{}, nil
}

func (m *mockExchange) Ticker(_ context.Context, _ string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func testLevel() trade.GridLevel {
	return trade.GridLevel{
		ConfigID:      1,
		Model:         "qwen3-max",
		Symbol:        "SOLUSDT",
		Index:         0,
		Price:         decimal.NewFromInt(180),
		Side:          trade.Buy,
		Qty:           decimal.RequireFromString("0.111"),
		ClientOrderID: "aabbccdd00112233",
		State:         trade.LevelPending,
	}
}

func newTestPlacer(ex exchange.Client, store storage.Store) *Placer {
	p := New(ex, store, zap.NewNop().Sugar())
	p.SetConfirmPolicy(3, time.Millisecond)
	return p
}

func TestPlaceSuccess(t *testing.T) {
	ex := &mockExchange{placeResults: []placeResult{
		{order: exchange.Order{OrderID: 42, Status: trade.OrderNew}},
	}}
	store := storage.NewMemoryStore()
	p := newTestPlacer(ex, store)

	order, err := p.Place(context.Background(), testLevel())
	require.NoError(t, err)
	assert.Equal(t, int64(42), order.ExchangeOrderID)
	assert.Equal(t, trade.OrderNew, order.Status)
	assert.Equal(t, 1, ex.placeCalls)

	saved, err := store.Order(context.Background(), "aabbccdd00112233")
	require.NoError(t, err)
	assert.Equal(t, trade.OrderNew, saved.Status)

	levels, err := store.LevelsByConfig(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, trade.LevelOpen, levels[0].State)
}

func TestPlaceSkipsExistingOrder(t *testing.T) {
	ex := &mockExchange{}
	store := storage.NewMemoryStore()
	level := testLevel()
	require.NoError(t, store.UpsertOrder(context.Background(), trade.Order{
		Model:         level.Model,
		Symbol:        level.Symbol,
		ClientOrderID: level.ClientOrderID,
		Status:        trade.OrderNew,
	}))
	p := newTestPlacer(ex, store)

	order, err := p.Place(context.Background(), level)
	require.NoError(t, err)
	assert.Equal(t, trade.OrderNew, order.Status)
	assert.Zero(t, ex.placeCalls, "existing order must suppress placement")
}

func TestPlaceAmbiguousThenConfirmed(t *testing.T) {
	ex := &mockExchange{
		placeResults: []placeResult{
			{err: &exchange.APIError{HTTPStatus: 503, Message: "service unavailable"}},
		},
		queryResults: []queryResult{
			{err: exchange.ErrOrderNotFound},
			{order: exchange.Order{OrderID: 7, Status: trade.OrderNew}},
		},
	}
	store := storage.NewMemoryStore()
	p := newTestPlacer(ex, store)

	order, err := p.Place(context.Background(), testLevel())
	require.NoError(t, err)
	assert.Equal(t, int64(7), order.ExchangeOrderID)
	assert.Equal(t, 1, ex.placeCalls, "confirmation must never place again")
	assert.Equal(t, 2, ex.queryCalls)

	levels, err := store.LevelsByConfig(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, trade.LevelOpen, levels[0].State)
	assert.GreaterOrEqual(t, levels[0].Attempts, 1)
}

func TestPlaceAmbiguousExhausted(t *testing.T) {
	ex := &mockExchange{
		placeResults: []placeResult{
			{err: &exchange.APIError{HTTPStatus: 503, Message: "service unavailable"}},
		},
		// every query says not found
	}
	store := storage.NewMemoryStore()
	p := newTestPlacer(ex, store)

	_, err := p.Place(context.Background(), testLevel())
	require.Error(t, err)
	assert.True(t, errors.Is(err, trade.ErrPlacementUncertain))
	assert.Equal(t, 1, ex.placeCalls)
	assert.Equal(t, 3, ex.queryCalls)

	levels, err := store.LevelsByConfig(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, trade.LevelPending, levels[0].State, "uncertain level stays retriable under the same id")
	assert.NotEmpty(t, levels[0].LastError)

	_, err = store.Order(context.Background(), "aabbccdd00112233")
	assert.Equal(t, storage.ErrNotFound, err, "no order row may exist for an unconfirmed placement")
}

func TestPlaceRejected(t *testing.T) {
	ex := &mockExchange{
		placeResults: []placeResult{
			{err: &exchange.APIError{HTTPStatus: 400, Code: -1013, Message: "price out of range"}},
		},
	}
	store := storage.NewMemoryStore()
	p := newTestPlacer(ex, store)

	_, err := p.Place(context.Background(), testLevel())
	require.Error(t, err)
	assert.True(t, trade.IsOrderRejected(err))
	assert.Zero(t, ex.queryCalls, "4xx is terminal, no confirmation")

	levels, err := store.LevelsByConfig(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, trade.LevelSkipped, levels[0].State)
}

func TestCancelToleratesNotFound(t *testing.T) {
	ex := &mockExchange{cancelErr: exchange.ErrOrderNotFound}
	store := storage.NewMemoryStore()
	level := testLevel()
	level.State = trade.LevelOpen
	require.NoError(t, store.SaveLevel(context.Background(), level))
	p := newTestPlacer(ex, store)

	require.NoError(t, p.Cancel(context.Background(), level))

	levels, err := store.LevelsByConfig(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, trade.LevelCanceled, levels[0].State)
}

func TestRefreshPersistsFill(t *testing.T) {
	ex := &mockExchange{
		queryResults: []queryResult{
			{order: exchange.Order{OrderID: 9, Status: trade.OrderFilled, FilledQty: decimal.RequireFromString("0.111")}},
		},
	}
	store := storage.NewMemoryStore()
	level := testLevel()
	level.State = trade.LevelOpen
	require.NoError(t, store.SaveLevel(context.Background(), level))
	require.NoError(t, store.UpsertOrder(context.Background(), trade.Order{
		Model:         level.Model,
		Symbol:        level.Symbol,
		ClientOrderID: level.ClientOrderID,
		Side:          level.Side,
		Price:         level.Price,
		Qty:           level.Qty,
		Status:        trade.OrderNew,
	}))
	p := newTestPlacer(ex, store)

	order, err := p.Refresh(context.Background(), level)
	require.NoError(t, err)
	assert.Equal(t, trade.OrderFilled, order.Status)

	levels, err := store.LevelsByConfig(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, trade.LevelFilled, levels[0].State)
}

// A restart can leave a submitted level whose order was acked by the venue
// but never written locally. Refresh adopts the venue order instead of
// failing the lookup.
func TestRefreshAdoptsVenueOrderWithoutLocalRecord(t *testing.T) {
	ex := &mockExchange{
		queryResults: []queryResult{
			{order: exchange.Order{OrderID: 77, Status: trade.OrderNew}},
		},
	}
	store := storage.NewMemoryStore()
	level := testLevel()
	level.State = trade.LevelSubmitted
	require.NoError(t, store.SaveLevel(context.Background(), level))
	p := newTestPlacer(ex, store)

	order, err := p.Refresh(context.Background(), level)
	require.NoError(t, err)
	assert.Equal(t, int64(77), order.ExchangeOrderID)
	assert.Equal(t, 0, ex.placeCalls, "recovery must never re-place")

	saved, err := store.Order(context.Background(), level.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, trade.OrderNew, saved.Status)

	levels, err := store.LevelsByConfig(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, trade.LevelOpen, levels[0].State)
}

func TestRefreshResetsLevelWhenVenueHasNothing(t *testing.T) {
	ex := &mockExchange{} // every query answers not-found
	store := storage.NewMemoryStore()
	level := testLevel()
	level.State = trade.LevelSubmitted
	require.NoError(t, store.SaveLevel(context.Background(), level))
	p := newTestPlacer(ex, store)

	_, err := p.Refresh(context.Background(), level)
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, ex.placeCalls)

	levels, err := store.LevelsByConfig(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, trade.LevelPending, levels[0].State)
}
