// Package storage is the persistence gateway. The durable store is the
// single source of truth for config/level/order state; everything the
// orchestrator keeps in memory is a cache over it.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/algoaster/algoarena-v1/trade"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("storage: not found")

// Store is the contract the orchestrator and executor persist through.
// Implementations must enforce uniqueness on the client order id and on
// the live config per (model, symbol) so the idempotency guarantee holds
// even under concurrent writers.
type Store interface {
	// NextConfigID allocates a monotonically increasing config id.
	NextConfigID(ctx context.Context) (int64, error)

	SaveConfig(ctx context.Context, cfg trade.GridConfig) error
	UpdateConfigState(ctx context.Context, id int64, state trade.ConfigState) error
	// CurrentConfig returns the non-superseded config for the pair.
	CurrentConfig(ctx context.Context, model, symbol string) (trade.GridConfig, error)
	// CurrentConfigs returns the model's non-superseded configs.
	CurrentConfigs(ctx context.Context, model string) ([]trade.GridConfig, error)
	// AllCurrentConfigs returns every non-superseded config, for the sync sweep.
	AllCurrentConfigs(ctx context.Context) ([]trade.GridConfig, error)

	SaveLevel(ctx context.Context, level trade.GridLevel) error
	UpdateLevelState(ctx context.Context, clientOrderID string, state trade.LevelState, lastError string) error
	IncLevelAttempts(ctx context.Context, clientOrderID string) error
	LevelsByConfig(ctx context.Context, configID int64) ([]trade.GridLevel, error)

	UpsertOrder(ctx context.Context, order trade.Order) error
	Order(ctx context.Context, clientOrderID string) (trade.Order, error)
	Orders(ctx context.Context, model, symbol string) ([]trade.Order, error)
	// DailyPnl sums realized pnl over the model's orders for the current UTC day.
	DailyPnl(ctx context.Context, model string) (decimal.Decimal, error)

	UpsertPosition(ctx context.Context, pos trade.PositionSnapshot) error
	Position(ctx context.Context, model, symbol string) (trade.PositionSnapshot, error)
	Positions(ctx context.Context, model string) ([]trade.PositionSnapshot, error)

	InsertPrice(ctx context.Context, p trade.PricePoint) error
	LatestPrice(ctx context.Context, symbol string) (trade.PricePoint, error)
	PriceHistory(ctx context.Context, symbol string, since time.Time) ([]trade.PricePoint, error)

	SaveMetrics(ctx context.Context, m trade.PnlMetrics) error
}
