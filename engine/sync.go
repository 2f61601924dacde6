package engine

import (
	"context"

	"github.com/algoaster/algoarena-v1/grid"
	"github.com/algoaster/algoarena-v1/storage"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Sync reconciles every current config against the venue: order statuses
// are refreshed, fresh fills trigger the opposite-side refill, paused
// configs get their stray orders canceled, and the position snapshot and
// pnl metrics are rewritten. Errors are logged per pair and never stop
// the sweep.
func (e *Engine) Sync(ctx context.Context) {
	configs, err := e.store.AllCurrentConfigs(ctx)
	if err != nil {
		e.Sugar.Errorf("sync: load configs: %s", err)
		return
	}
	for _, cfg := range configs {
		if err := e.syncConfig(ctx, cfg); err != nil {
			e.Sugar.Errorf("sync %s %s: %s", cfg.Model, cfg.Symbol, err)
		}
	}
}

func (e *Engine) syncConfig(ctx context.Context, cfg trade.GridConfig) error {
	mc, err := e.client(cfg.Model)
	if err != nil {
		return err
	}
	mu := e.pairLock(cfg.Model, cfg.Symbol)
	mu.Lock()
	defer mu.Unlock()

	levels, err := e.store.LevelsByConfig(ctx, cfg.ID)
	if err != nil {
		return errors.Wrapf(trade.ErrPersistenceFailure, "levels: %s", err)
	}

	for _, level := range latestGeneration(levels) {
		if !level.State.Live() {
			continue
		}
		if cfg.State == trade.ConfigPaused {
			// pause marked the config first; finish the cancel side here
			if cerr := mc.placer.Cancel(ctx, level); cerr != nil {
				e.Sugar.Warnf("sync cancel %s: %s", level.ClientOrderID, cerr)
			}
			continue
		}
		order, rerr := mc.placer.Refresh(ctx, level)
		if rerr == storage.ErrNotFound {
			// nothing on the venue either; the level went back to pending
			continue
		}
		if rerr != nil {
			e.Sugar.Warnf("refresh %s: %s", level.ClientOrderID, rerr)
			continue
		}
		if order.Status == trade.OrderFilled {
			if ferr := e.onFill(ctx, mc, cfg, level, order); ferr != nil {
				e.Sugar.Errorf("handle fill %s: %s", level.ClientOrderID, ferr)
			}
		}
	}

	e.refreshSnapshot(ctx, mc, cfg)
	return nil
}

// onFill settles the pnl of a closing fill and, when the config asks for
// rebalancing, places the opposite-side refill at the same index under a
// bumped generation.
func (e *Engine) onFill(ctx context.Context, mc modelClient, cfg trade.GridConfig, level trade.GridLevel, order trade.Order) error {
	pnl := e.settlePnl(ctx, cfg, level, order)

	if !cfg.Rebalance {
		e.Sugar.Infof("%s %s level %d filled %s @ %s, rebalance off",
			cfg.Model, cfg.Symbol, level.Index, level.Side, level.Price)
		e.broadcast("%s %s: level %d %s filled @ %s", cfg.Model, cfg.Symbol,
			level.Index, level.Side, level.Price)
		return nil
	}

	refill := trade.GridLevel{
		ConfigID:      cfg.ID,
		Model:         cfg.Model,
		Symbol:        cfg.Symbol,
		Index:         level.Index,
		Price:         level.Price,
		Side:          level.Side.Opposite(),
		Qty:           level.Qty,
		Generation:    level.Generation + 1,
		ClientOrderID: grid.ClientOrderID(cfg.Model, cfg.Symbol, cfg.ID, level.Index, level.Generation+1),
		State:         trade.LevelPending,
	}
	if _, err := mc.placer.Place(ctx, refill); err != nil {
		return errors.Wrapf(err, "refill level %d", level.Index)
	}

	e.Sugar.Infof("%s %s level %d filled %s @ %s, refilled %s as gen %d",
		cfg.Model, cfg.Symbol, level.Index, level.Side, level.Price,
		refill.Side, refill.Generation)
	if pnl.IsZero() {
		e.broadcast("%s %s: level %d %s filled @ %s", cfg.Model, cfg.Symbol,
			level.Index, level.Side, level.Price)
	} else {
		e.broadcast("%s %s: level %d %s filled @ %s, round-trip pnl %s",
			cfg.Model, cfg.Symbol, level.Index, level.Side, level.Price, pnl)
	}
	return nil
}

// settlePnl attributes round-trip pnl to a fill that closes the previous
// generation at the same index. The previous order is found by re-deriving
// its client order id; generation zero fills open a position and carry no
// pnl.
func (e *Engine) settlePnl(ctx context.Context, cfg trade.GridConfig, level trade.GridLevel, order trade.Order) decimal.Decimal {
	if level.Generation == 0 {
		return decimal.Zero
	}
	prevID := grid.ClientOrderID(cfg.Model, cfg.Symbol, cfg.ID, level.Index, level.Generation-1)
	prev, err := e.store.Order(ctx, prevID)
	if err != nil || prev.Status != trade.OrderFilled || prev.Side == order.Side {
		return decimal.Zero
	}
	qty := order.FilledQty
	if prev.FilledQty.LessThan(qty) {
		qty = prev.FilledQty
	}
	var pnl decimal.Decimal
	if order.Side == trade.Sell {
		pnl = order.Price.Sub(prev.Price).Mul(qty)
	} else {
		pnl = prev.Price.Sub(order.Price).Mul(qty)
	}
	order.Pnl = pnl
	if err := e.store.UpsertOrder(ctx, order); err != nil {
		e.Sugar.Errorf("persist pnl for %s: %s", order.ClientOrderID, err)
		return decimal.Zero
	}
	return pnl
}

// refreshSnapshot pulls the venue position and rewrites the cached
// snapshot and pnl metrics. Failures are logged; the sweep carries on.
func (e *Engine) refreshSnapshot(ctx context.Context, mc modelClient, cfg trade.GridConfig) {
	pos, err := mc.ex.Position(ctx, cfg.Symbol)
	if err != nil {
		e.Sugar.Warnf("position %s %s: %s", cfg.Model, cfg.Symbol, err)
	} else {
		snap := trade.PositionSnapshot{
			Model:         cfg.Model,
			Symbol:        cfg.Symbol,
			PositionAmt:   pos.PositionAmt,
			EntryPrice:    pos.EntryPrice,
			MarkPrice:     pos.MarkPrice,
			UnrealizedPnl: pos.UnrealizedPnl,
			Leverage:      pos.Leverage,
		}
		if err := e.store.UpsertPosition(ctx, snap); err != nil {
			e.Sugar.Errorf("save position %s %s: %s", cfg.Model, cfg.Symbol, err)
		}
		if pos.MarkPrice.IsPositive() {
			point := trade.PricePoint{Symbol: cfg.Symbol, Price: pos.MarkPrice}
			if err := e.store.InsertPrice(ctx, point); err != nil {
				e.Sugar.Errorf("save price %s: %s", cfg.Symbol, err)
			}
		}
	}

	orders, err := e.store.Orders(ctx, cfg.Model, cfg.Symbol)
	if err != nil {
		e.Sugar.Errorf("orders %s %s: %s", cfg.Model, cfg.Symbol, err)
		return
	}
	total := decimal.Zero
	wins, rounds := 0, 0
	for _, o := range orders {
		total = total.Add(o.Pnl)
		if !o.Pnl.IsZero() {
			rounds++
			if o.Pnl.IsPositive() {
				wins++
			}
		}
	}
	winRate := decimal.Zero
	if rounds > 0 {
		winRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(rounds))).Round(4)
	}
	realized, unrealized, err := e.ModelPnl(ctx, cfg.Model)
	if err != nil {
		e.Sugar.Errorf("daily pnl %s: %s", cfg.Model, err)
		return
	}
	metrics := trade.PnlMetrics{
		Model:    cfg.Model,
		Symbol:   cfg.Symbol,
		Pnl:      total,
		DailyPnl: realized.Add(unrealized),
		Exposure: cfg.Notional(),
		WinRate:  winRate,
	}
	if err := e.store.SaveMetrics(ctx, metrics); err != nil {
		e.Sugar.Errorf("save metrics %s %s: %s", cfg.Model, cfg.Symbol, err)
	}
}

// ClearPair cancels everything live for the pair and supersedes its
// config. Used by the clear subcommand.
func (e *Engine) ClearPair(ctx context.Context, model, symbol string) error {
	mc, err := e.client(model)
	if err != nil {
		return err
	}
	mu := e.pairLock(model, symbol)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := e.store.CurrentConfig(ctx, model, symbol)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return errors.Wrapf(trade.ErrPersistenceFailure, "current config: %s", err)
	}
	if cerr := e.cancelLiveLevels(ctx, mc.placer, cfg.ID); cerr != nil {
		e.Sugar.Warnf("clear %s %s: %s", model, symbol, cerr)
	}
	if err := e.store.UpdateConfigState(ctx, cfg.ID, trade.ConfigSuperseded); err != nil {
		return errors.Wrapf(trade.ErrPersistenceFailure, "supersede config %d: %s", cfg.ID, err)
	}
	e.Sugar.Infof("cleared grid %d for %s %s", cfg.ID, model, symbol)
	return nil
}
