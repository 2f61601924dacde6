// Package engine orchestrates grid lifecycles: applying signals, tracking
// level state, pausing and resuming, and the periodic sync sweep that
// reconciles fills and refills opposite-side levels.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/algoaster/algoarena-v1/exchange"
	"github.com/algoaster/algoarena-v1/executor"
	"github.com/algoaster/algoarena-v1/grid"
	"github.com/algoaster/algoarena-v1/risk"
	"github.com/algoaster/algoarena-v1/storage"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/xyths/hs/broadcast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultPlaceConcurrency = 4

type modelClient struct {
	ex     exchange.Client
	placer *executor.Placer
}

// Engine serializes all writes per (model, symbol) pair. Reads
// (Status) come from durable state only and never touch the venue.
type Engine struct {
	store  storage.Store
	limits risk.Limits
	Sugar  *zap.SugaredLogger
	robots []broadcast.Broadcaster

	clients map[string]modelClient

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	placeConcurrency int
}

func New(store storage.Store, limits risk.Limits, sugar *zap.SugaredLogger) *Engine {
	return &Engine{
		store:            store,
		limits:           limits,
		Sugar:            sugar,
		clients:          make(map[string]modelClient),
		locks:            make(map[string]*sync.Mutex),
		placeConcurrency: defaultPlaceConcurrency,
	}
}

// RegisterModel binds a model to its venue credentials. Each model trades
// through its own exchange client.
func (e *Engine) RegisterModel(model string, ex exchange.Client) {
	e.clients[model] = modelClient{
		ex:     ex,
		placer: executor.New(ex, e.store, e.Sugar),
	}
}

func (e *Engine) SetRobots(robots []broadcast.Broadcaster) {
	e.robots = robots
}

func (e *Engine) client(model string) (modelClient, error) {
	c, ok := e.clients[model]
	if !ok {
		return modelClient{}, errors.Wrapf(trade.ErrInvalidParameters, "unknown model %q", model)
	}
	return c, nil
}

func (e *Engine) pairLock(model, symbol string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	key := model + "/" + symbol
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	return mu
}

// LevelOutcome is the per-level result of an apply or resume.
type LevelOutcome struct {
	Index         int              `json:"index"`
	Generation    int              `json:"generation"`
	ClientOrderID string           `json:"client_order_id"`
	Price         decimal.Decimal  `json:"price"`
	Side          trade.Side       `json:"side"`
	State         trade.LevelState `json:"state"`
	Error         string           `json:"error,omitempty"`
}

// ApplyResult summarizes one grid application.
type ApplyResult struct {
	ConfigID int64          `json:"config_id"`
	Model    string         `json:"model"`
	Symbol   string         `json:"symbol"`
	Reused   bool           `json:"reused"`
	Placed   int            `json:"placed"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed"`
	Levels   []LevelOutcome `json:"levels"`
}

// Apply validates a signal, resolves the config, and places every level.
// Re-applying an unchanged signal reuses the current config, so every
// client order id re-derives identically and placement is a no-op for
// levels that already exist.
func (e *Engine) Apply(ctx context.Context, sig trade.GridSignal) (*ApplyResult, error) {
	mc, err := e.client(sig.Model)
	if err != nil {
		return nil, err
	}
	mu := e.pairLock(sig.Model, sig.Symbol)
	mu.Lock()
	defer mu.Unlock()

	reference := decimal.Zero
	if last, perr := e.store.LatestPrice(ctx, sig.Symbol); perr == nil {
		reference = last.Price
	}
	levels, err := grid.ComputeLevels(grid.Params{
		Lower:          sig.Lower,
		Upper:          sig.Upper,
		Grids:          sig.Grids,
		Spacing:        sig.Spacing,
		BaseAllocation: sig.BaseAllocation,
		Leverage:       sig.Leverage,
		Reference:      reference,
		SplitAt:        sig.SplitAt,
	})
	if err != nil {
		return nil, err
	}

	if err := e.checkRisk(ctx, sig); err != nil {
		return nil, err
	}

	cfg, reused, err := e.resolveConfig(ctx, mc, sig)
	if err != nil {
		return nil, err
	}

	gridLevels := make([]trade.GridLevel, len(levels))
	for i, lv := range levels {
		gridLevels[i] = trade.GridLevel{
			ConfigID:      cfg.ID,
			Model:         sig.Model,
			Symbol:        sig.Symbol,
			Index:         lv.Index,
			Price:         lv.Price,
			Side:          lv.Side,
			Qty:           lv.Qty,
			ClientOrderID: grid.ClientOrderID(sig.Model, sig.Symbol, cfg.ID, lv.Index, 0),
			State:         trade.LevelPending,
		}
	}

	result := &ApplyResult{
		ConfigID: cfg.ID,
		Model:    sig.Model,
		Symbol:   sig.Symbol,
		Reused:   reused,
		Levels:   make([]LevelOutcome, len(gridLevels)),
	}
	e.placeAll(ctx, mc.placer, gridLevels, result)

	e.Sugar.Infof("applied grid %d for %s %s: placed %d, skipped %d, failed %d",
		cfg.ID, sig.Model, sig.Symbol, result.Placed, result.Skipped, result.Failed)
	e.broadcast("%s %s: grid %d applied, %d/%d levels placed",
		sig.Model, sig.Symbol, cfg.ID, result.Placed, len(gridLevels))
	return result, nil
}

// placeAll submits levels with bounded concurrency and records one
// outcome per level. Individual failures never abort the batch.
func (e *Engine) placeAll(ctx context.Context, placer *executor.Placer, levels []trade.GridLevel, result *ApplyResult) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.placeConcurrency)
	var mu sync.Mutex
	for i := range levels {
		i := i
		g.Go(func() error {
			level := levels[i]
			outcome := LevelOutcome{
				Index:         level.Index,
				Generation:    level.Generation,
				ClientOrderID: level.ClientOrderID,
				Price:         level.Price,
				Side:          level.Side,
			}
			order, err := placer.Place(gctx, level)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				outcome.State = stateForOrder(order.Status)
				result.Placed++
			case trade.IsOrderRejected(err):
				outcome.State = trade.LevelSkipped
				outcome.Error = err.Error()
				result.Skipped++
			default:
				outcome.State = trade.LevelPending
				outcome.Error = err.Error()
				result.Failed++
			}
			result.Levels[i] = outcome
			return nil
		})
	}
	_ = g.Wait()
}

// stateForOrder reports the level state a placement outcome lands in.
// Place can hand back an already-terminal order on the reuse path, so
// the reported state follows the order rather than assuming OPEN.
func stateForOrder(status trade.OrderStatus) trade.LevelState {
	switch status {
	case trade.OrderFilled:
		return trade.LevelFilled
	case trade.OrderPartial:
		return trade.LevelPartial
	case trade.OrderCanceled:
		return trade.LevelCanceled
	case trade.OrderRejected:
		return trade.LevelSkipped
	default:
		return trade.LevelOpen
	}
}

// ModelPnl returns a model's realized pnl since UTC midnight alongside
// the unrealized pnl carried by its position snapshots. The daily-loss
// gate and the pnl report both work off the sum.
func (e *Engine) ModelPnl(ctx context.Context, model string) (realized, unrealized decimal.Decimal, err error) {
	realized, err = e.store.DailyPnl(ctx, model)
	if err != nil {
		return decimal.Zero, decimal.Zero, errors.Wrapf(trade.ErrPersistenceFailure, "daily pnl for %s: %s", model, err)
	}
	positions, err := e.store.Positions(ctx, model)
	if err != nil {
		return decimal.Zero, decimal.Zero, errors.Wrapf(trade.ErrPersistenceFailure, "positions for %s: %s", model, err)
	}
	for _, pos := range positions {
		unrealized = unrealized.Add(pos.UnrealizedPnl)
	}
	return realized, unrealized, nil
}

func (e *Engine) checkRisk(ctx context.Context, sig trade.GridSignal) error {
	realized, unrealized, err := e.ModelPnl(ctx, sig.Model)
	if err != nil {
		return err
	}
	configs, err := e.store.CurrentConfigs(ctx, sig.Model)
	if err != nil {
		return errors.Wrapf(trade.ErrPersistenceFailure, "current configs for %s: %s", sig.Model, err)
	}
	exposure := decimal.Zero
	for _, cfg := range configs {
		if cfg.Symbol == sig.Symbol {
			// the new grid replaces this one, its exposure does not stack
			continue
		}
		exposure = exposure.Add(cfg.Notional())
	}
	return risk.Evaluate(sig, risk.AccountState{DailyPnl: realized.Add(unrealized), ActiveExposure: exposure}, e.limits)
}

// resolveConfig reuses the current config when the signal changes nothing,
// otherwise supersedes it: live orders are canceled best-effort and a new
// config id is issued so every client order id changes with it.
func (e *Engine) resolveConfig(ctx context.Context, mc modelClient, sig trade.GridSignal) (trade.GridConfig, bool, error) {
	cur, err := e.store.CurrentConfig(ctx, sig.Model, sig.Symbol)
	if err == nil {
		if cur.SameParams(sig) && cur.State == trade.ConfigActive {
			return cur, true, nil
		}
		if cerr := e.cancelLiveLevels(ctx, mc.placer, cur.ID); cerr != nil {
			e.Sugar.Warnf("cancel orders of superseded config %d: %s", cur.ID, cerr)
		}
		if uerr := e.store.UpdateConfigState(ctx, cur.ID, trade.ConfigSuperseded); uerr != nil {
			return trade.GridConfig{}, false, errors.Wrapf(trade.ErrPersistenceFailure,
				"supersede config %d: %s", cur.ID, uerr)
		}
		e.Sugar.Infof("config %d for %s %s superseded", cur.ID, sig.Model, sig.Symbol)
	} else if err != storage.ErrNotFound {
		return trade.GridConfig{}, false, errors.Wrapf(trade.ErrPersistenceFailure,
			"current config for %s %s: %s", sig.Model, sig.Symbol, err)
	}

	id, err := e.store.NextConfigID(ctx)
	if err != nil {
		return trade.GridConfig{}, false, errors.Wrapf(trade.ErrPersistenceFailure, "next config id: %s", err)
	}
	cfg := trade.GridConfig{
		ID:             id,
		Model:          sig.Model,
		Symbol:         sig.Symbol,
		Lower:          sig.Lower,
		Upper:          sig.Upper,
		Grids:          sig.Grids,
		Spacing:        sig.Spacing,
		BaseAllocation: sig.BaseAllocation,
		Leverage:       sig.Leverage,
		EntryMode:      sig.EntryMode,
		TpPct:          sig.TpPct,
		SlPct:          sig.SlPct,
		Rebalance:      sig.Rebalance,
		State:          trade.ConfigActive,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.SaveConfig(ctx, cfg); err != nil {
		return trade.GridConfig{}, false, errors.Wrapf(trade.ErrPersistenceFailure,
			"save config %d: %s", id, err)
	}
	return cfg, false, nil
}

func (e *Engine) cancelLiveLevels(ctx context.Context, placer *executor.Placer, configID int64) error {
	levels, err := e.store.LevelsByConfig(ctx, configID)
	if err != nil {
		return errors.Wrapf(trade.ErrPersistenceFailure, "levels of config %d: %s", configID, err)
	}
	var firstErr error
	for _, level := range levels {
		if !level.State.Live() {
			continue
		}
		if cerr := placer.Cancel(ctx, level); cerr != nil {
			e.Sugar.Warnf("cancel level %s: %s", level.ClientOrderID, cerr)
			if firstErr == nil {
				firstErr = cerr
			}
		}
	}
	return firstErr
}

// Account proxies the venue account of one model.
func (e *Engine) Account(ctx context.Context, model string) (exchange.Account, error) {
	mc, err := e.client(model)
	if err != nil {
		return exchange.Account{}, err
	}
	return mc.ex.Account(ctx)
}

// StatusReport is a read-only snapshot assembled from durable state. It
// never calls the venue, so status stays available through an outage.
type StatusReport struct {
	Config    trade.GridConfig        `json:"config"`
	Levels    []trade.GridLevel       `json:"levels"`
	Open      int                     `json:"open"`
	Filled    int                     `json:"filled"`
	Pending   int                     `json:"pending"`
	DailyPnl  decimal.Decimal         `json:"daily_pnl"`
	Position  *trade.PositionSnapshot `json:"position,omitempty"`
	LastPrice decimal.Decimal         `json:"last_price"`
}

func (e *Engine) Status(ctx context.Context, model, symbol string) (*StatusReport, error) {
	cfg, err := e.store.CurrentConfig(ctx, model, symbol)
	if err == storage.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(trade.ErrPersistenceFailure, "current config: %s", err)
	}
	levels, err := e.store.LevelsByConfig(ctx, cfg.ID)
	if err != nil {
		return nil, errors.Wrapf(trade.ErrPersistenceFailure, "levels: %s", err)
	}
	report := &StatusReport{Config: cfg, Levels: levels}
	for _, level := range latestGeneration(levels) {
		switch {
		case level.State.Live():
			report.Open++
		case level.State == trade.LevelFilled:
			report.Filled++
		case level.State == trade.LevelPending:
			report.Pending++
		}
	}
	if pnl, perr := e.store.DailyPnl(ctx, model); perr == nil {
		report.DailyPnl = pnl
	}
	if pos, perr := e.store.Position(ctx, model, symbol); perr == nil {
		report.Position = &pos
	}
	if last, perr := e.store.LatestPrice(ctx, symbol); perr == nil {
		report.LastPrice = last.Price
	}
	return report, nil
}

// Pause marks the config paused before touching the venue, so a crash
// mid-cancel leaves the sync sweep to finish the job.
func (e *Engine) Pause(ctx context.Context, model, symbol string) (int, error) {
	mc, err := e.client(model)
	if err != nil {
		return 0, err
	}
	mu := e.pairLock(model, symbol)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := e.store.CurrentConfig(ctx, model, symbol)
	if err == storage.ErrNotFound {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrapf(trade.ErrPersistenceFailure, "current config: %s", err)
	}
	if cfg.State == trade.ConfigPaused {
		return 0, nil
	}
	if err := e.store.UpdateConfigState(ctx, cfg.ID, trade.ConfigPaused); err != nil {
		return 0, errors.Wrapf(trade.ErrPersistenceFailure, "pause config %d: %s", cfg.ID, err)
	}
	levels, err := e.store.LevelsByConfig(ctx, cfg.ID)
	if err != nil {
		return 0, errors.Wrapf(trade.ErrPersistenceFailure, "levels: %s", err)
	}
	canceled := 0
	for _, level := range levels {
		if !level.State.Live() {
			continue
		}
		if cerr := mc.placer.Cancel(ctx, level); cerr != nil {
			e.Sugar.Warnf("cancel level %s on pause: %s", level.ClientOrderID, cerr)
			continue
		}
		canceled++
	}
	e.Sugar.Infof("paused grid %d for %s %s, canceled %d orders", cfg.ID, model, symbol, canceled)
	e.broadcast("%s %s: grid %d paused, %d orders canceled", model, symbol, cfg.ID, canceled)
	return canceled, nil
}

// Resume reactivates a paused config and re-places only the levels that
// no longer have a live or filled order. Canceled levels come back under
// a bumped generation so their ids never collide with the canceled ones.
func (e *Engine) Resume(ctx context.Context, model, symbol string) (*ApplyResult, error) {
	mc, err := e.client(model)
	if err != nil {
		return nil, err
	}
	mu := e.pairLock(model, symbol)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := e.store.CurrentConfig(ctx, model, symbol)
	if err == storage.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(trade.ErrPersistenceFailure, "current config: %s", err)
	}
	if cfg.State != trade.ConfigPaused {
		return nil, errors.Wrapf(trade.ErrInvalidParameters,
			"config %d is %s, only a paused grid can resume", cfg.ID, cfg.State)
	}
	if err := e.store.UpdateConfigState(ctx, cfg.ID, trade.ConfigActive); err != nil {
		return nil, errors.Wrapf(trade.ErrPersistenceFailure, "activate config %d: %s", cfg.ID, err)
	}

	levels, err := e.store.LevelsByConfig(ctx, cfg.ID)
	if err != nil {
		return nil, errors.Wrapf(trade.ErrPersistenceFailure, "levels: %s", err)
	}
	var toPlace []trade.GridLevel
	for _, level := range latestGeneration(levels) {
		switch level.State {
		case trade.LevelCanceled:
			next := level
			next.Generation = level.Generation + 1
			next.ClientOrderID = grid.ClientOrderID(model, symbol, cfg.ID, level.Index, next.Generation)
			next.State = trade.LevelPending
			next.Attempts = 0
			next.LastError = ""
			toPlace = append(toPlace, next)
		case trade.LevelPending:
			toPlace = append(toPlace, level)
		}
	}

	result := &ApplyResult{
		ConfigID: cfg.ID,
		Model:    model,
		Symbol:   symbol,
		Reused:   true,
		Levels:   make([]LevelOutcome, len(toPlace)),
	}
	e.placeAll(ctx, mc.placer, toPlace, result)
	e.Sugar.Infof("resumed grid %d for %s %s: placed %d, skipped %d, failed %d",
		cfg.ID, model, symbol, result.Placed, result.Skipped, result.Failed)
	e.broadcast("%s %s: grid %d resumed, %d levels re-placed", model, symbol, cfg.ID, result.Placed)
	return result, nil
}

// latestGeneration reduces a level history to the newest generation per
// index, which is the set that currently represents the ladder.
func latestGeneration(levels []trade.GridLevel) []trade.GridLevel {
	newest := make(map[int]trade.GridLevel)
	for _, level := range levels {
		if cur, ok := newest[level.Index]; !ok || level.Generation > cur.Generation {
			newest[level.Index] = level
		}
	}
	out := make([]trade.GridLevel, 0, len(newest))
	for i := 0; i < len(levels); i++ {
		if level, ok := newest[i]; ok {
			out = append(out, level)
		}
	}
	return out
}

func (e *Engine) broadcast(format string, a ...interface{}) {
	if len(e.robots) == 0 {
		return
	}
	message := fmt.Sprintf(format, a...)
	timeStr := time.Now().UTC().Format("2006-01-02 15:04:05")
	msg := strings.Join([]string{timeStr, message}, " ")
	for _, robot := range e.robots {
		if err := robot.SendText(msg); err != nil {
			e.Sugar.Infof("broadcast error: %s", err)
		}
	}
}
