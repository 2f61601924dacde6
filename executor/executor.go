// Package executor owns the placement path: the idempotency check
// against durable state, the exchange call, and the bounded confirmation
// protocol that resolves ambiguous failures by querying the deterministic
// client order id instead of placing again.
package executor

import (
	"context"
	"time"

	"github.com/algoaster/algoarena-v1/exchange"
	"github.com/algoaster/algoarena-v1/storage"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultConfirmAttempts = 3
	defaultConfirmBackoff  = 500 * time.Millisecond
)

// Placer submits grid levels to the venue. All durable writes go through
// the store before any outcome is reported upward.
type Placer struct {
	ex    exchange.Client
	store storage.Store
	Sugar *zap.SugaredLogger

	confirmAttempts int
	confirmBackoff  time.Duration
}

func New(ex exchange.Client, store storage.Store, sugar *zap.SugaredLogger) *Placer {
	return &Placer{
		ex:              ex,
		store:           store,
		Sugar:           sugar,
		confirmAttempts: defaultConfirmAttempts,
		confirmBackoff:  defaultConfirmBackoff,
	}
}

// SetConfirmPolicy overrides the confirmation retry budget. Zero values
// keep the current setting.
func (p *Placer) SetConfirmPolicy(attempts int, backoff time.Duration) {
	if attempts > 0 {
		p.confirmAttempts = attempts
	}
	if backoff > 0 {
		p.confirmBackoff = backoff
	}
}

// Place submits one level. If an order with the level's client order id
// already exists in durable state the call is a no-op returning that
// order, so retried workflows never double-place.
func (p *Placer) Place(ctx context.Context, level trade.GridLevel) (trade.Order, error) {
	if existing, err := p.store.Order(ctx, level.ClientOrderID); err == nil {
		p.Sugar.Infof("order %s already recorded (status %s), skip placement",
			level.ClientOrderID, existing.Status)
		return existing, nil
	} else if err != storage.ErrNotFound {
		return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
			"lookup order %s: %s", level.ClientOrderID, err)
	}

	level.State = trade.LevelSubmitted
	if err := p.store.SaveLevel(ctx, level); err != nil {
		return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
			"save level %s: %s", level.ClientOrderID, err)
	}

	req := exchange.OrderRequest{
		Symbol:        level.Symbol,
		Side:          level.Side,
		Type:          "LIMIT",
		TimeInForce:   "GTC",
		Price:         level.Price,
		Qty:           level.Qty,
		ClientOrderID: level.ClientOrderID,
	}
	placed, err := p.ex.PlaceOrder(ctx, req)
	switch {
	case err == nil:
		return p.adopt(ctx, level, placed)
	case exchange.IsClientError(err):
		reason := err.Error()
		if uerr := p.store.UpdateLevelState(ctx, level.ClientOrderID, trade.LevelSkipped, reason); uerr != nil {
			p.Sugar.Errorf("mark level %s skipped: %s", level.ClientOrderID, uerr)
		}
		p.Sugar.Warnf("order %s rejected by venue: %s", level.ClientOrderID, reason)
		return trade.Order{}, &trade.RejectError{ClientOrderID: level.ClientOrderID, Reason: reason}
	case exchange.IsServerError(err):
		p.Sugar.Warnf("placement %s ambiguous (%s), entering confirmation", level.ClientOrderID, err)
		return p.confirm(ctx, level, err)
	default:
		return trade.Order{}, errors.Wrapf(err, "place order %s", level.ClientOrderID)
	}
}

// confirm resolves an ambiguous placement by querying the client order id
// with exponential backoff. It never places again: either the venue shows
// the order and we adopt it, or the budget runs out and the level stays
// retriable under the same id.
func (p *Placer) confirm(ctx context.Context, level trade.GridLevel, cause error) (trade.Order, error) {
	backoff := p.confirmBackoff
	for attempt := 1; attempt <= p.confirmAttempts; attempt++ {
		if err := p.store.IncLevelAttempts(ctx, level.ClientOrderID); err != nil {
			p.Sugar.Errorf("inc attempts for %s: %s", level.ClientOrderID, err)
		}
		select {
		case <-ctx.Done():
			return trade.Order{}, ctx.Err()
		case <-time.After(backoff):
		}
		found, err := p.ex.QueryOrder(ctx, level.Symbol, level.ClientOrderID)
		if err == nil {
			p.Sugar.Infof("order %s confirmed on venue after ambiguous placement", level.ClientOrderID)
			return p.adopt(ctx, level, found)
		}
		if errors.Is(err, exchange.ErrOrderNotFound) {
			p.Sugar.Infof("order %s not on venue (attempt %d/%d)", level.ClientOrderID, attempt, p.confirmAttempts)
		} else {
			p.Sugar.Warnf("confirm query %s failed (attempt %d/%d): %s",
				level.ClientOrderID, attempt, p.confirmAttempts, err)
		}
		backoff *= 2
	}
	if err := p.store.UpdateLevelState(ctx, level.ClientOrderID, trade.LevelPending, cause.Error()); err != nil {
		p.Sugar.Errorf("reset level %s to pending: %s", level.ClientOrderID, err)
	}
	return trade.Order{}, errors.Wrapf(trade.ErrPlacementUncertain,
		"order %s: %s", level.ClientOrderID, cause)
}

// adopt persists a venue-acknowledged order and advances the level.
// Persistence happens before the order is reported to the caller.
func (p *Placer) adopt(ctx context.Context, level trade.GridLevel, venue exchange.Order) (trade.Order, error) {
	order := trade.Order{
		Model:           level.Model,
		Symbol:          level.Symbol,
		ClientOrderID:   level.ClientOrderID,
		ExchangeOrderID: venue.OrderID,
		Side:            level.Side,
		Price:           level.Price,
		Qty:             level.Qty,
		FilledQty:       venue.FilledQty,
		Status:          venue.Status,
	}
	if err := p.store.UpsertOrder(ctx, order); err != nil {
		return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
			"upsert order %s: %s", level.ClientOrderID, err)
	}
	state := levelStateFor(venue)
	if err := p.store.UpdateLevelState(ctx, level.ClientOrderID, state, ""); err != nil {
		return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
			"advance level %s: %s", level.ClientOrderID, err)
	}
	p.Sugar.Infof("placed %s %s %s @ %s qty %s (venue id %d, status %s)",
		level.Symbol, level.Side, level.ClientOrderID, level.Price, level.Qty,
		venue.OrderID, venue.Status)
	return order, nil
}

// Cancel removes the resting order behind a level. A venue-side "not
// found" is treated as already gone.
func (p *Placer) Cancel(ctx context.Context, level trade.GridLevel) error {
	err := p.ex.CancelOrder(ctx, level.Symbol, level.ClientOrderID)
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		if exchange.IsServerError(err) {
			return errors.Wrapf(trade.ErrExchangeUnavailable,
				"cancel order %s: %s", level.ClientOrderID, err)
		}
		return errors.Wrapf(err, "cancel order %s", level.ClientOrderID)
	}
	if err := p.store.UpdateLevelState(ctx, level.ClientOrderID, trade.LevelCanceled, ""); err != nil {
		return errors.Wrapf(trade.ErrPersistenceFailure,
			"mark level %s canceled: %s", level.ClientOrderID, err)
	}
	order, gerr := p.store.Order(ctx, level.ClientOrderID)
	if gerr == nil && !order.Status.Terminal() {
		order.Status = trade.OrderCanceled
		if err := p.store.UpsertOrder(ctx, order); err != nil {
			return errors.Wrapf(trade.ErrPersistenceFailure,
				"mark order %s canceled: %s", level.ClientOrderID, err)
		}
	}
	return nil
}

// Refresh queries the venue for a level's order and persists the latest
// status. It returns the refreshed order; a venue-side "not found" for an
// order we have on record is persisted as canceled. A level with no local
// order row at all is resolved against the venue, see recover.
func (p *Placer) Refresh(ctx context.Context, level trade.GridLevel) (trade.Order, error) {
	order, err := p.store.Order(ctx, level.ClientOrderID)
	if err == storage.ErrNotFound {
		return p.recover(ctx, level)
	}
	if err != nil {
		return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
			"lookup order %s: %s", level.ClientOrderID, err)
	}
	if order.Status.Terminal() {
		return order, nil
	}
	venue, err := p.ex.QueryOrder(ctx, level.Symbol, level.ClientOrderID)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		order.Status = trade.OrderCanceled
		if uerr := p.store.UpsertOrder(ctx, order); uerr != nil {
			return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
				"mark order %s canceled: %s", level.ClientOrderID, uerr)
		}
		if uerr := p.store.UpdateLevelState(ctx, level.ClientOrderID, trade.LevelCanceled, ""); uerr != nil {
			return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
				"advance level %s: %s", level.ClientOrderID, uerr)
		}
		return order, nil
	}
	if err != nil {
		if exchange.IsServerError(err) {
			return trade.Order{}, errors.Wrapf(trade.ErrExchangeUnavailable,
				"query order %s: %s", level.ClientOrderID, err)
		}
		return trade.Order{}, errors.Wrapf(err, "query order %s", level.ClientOrderID)
	}
	order.FilledQty = venue.FilledQty
	order.Status = venue.Status
	order.ExchangeOrderID = venue.OrderID
	if err := p.store.UpsertOrder(ctx, order); err != nil {
		return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
			"refresh order %s: %s", level.ClientOrderID, err)
	}
	if err := p.store.UpdateLevelState(ctx, level.ClientOrderID, levelStateFor(venue), ""); err != nil {
		return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
			"advance level %s: %s", level.ClientOrderID, err)
	}
	return order, nil
}

// recover resolves a live-state level that has no local order row, the
// state a crash between the venue acknowledgment and the order write
// leaves behind. The venue is the authority: an order found there is
// adopted under the level's client id, and a miss resets the level to
// PENDING so it can be re-placed under the same id.
func (p *Placer) recover(ctx context.Context, level trade.GridLevel) (trade.Order, error) {
	venue, err := p.ex.QueryOrder(ctx, level.Symbol, level.ClientOrderID)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		if uerr := p.store.UpdateLevelState(ctx, level.ClientOrderID, trade.LevelPending, ""); uerr != nil {
			return trade.Order{}, errors.Wrapf(trade.ErrPersistenceFailure,
				"reset level %s: %s", level.ClientOrderID, uerr)
		}
		p.Sugar.Infof("level %s has no order locally or on venue, reset to pending", level.ClientOrderID)
		return trade.Order{}, storage.ErrNotFound
	}
	if err != nil {
		if exchange.IsServerError(err) {
			return trade.Order{}, errors.Wrapf(trade.ErrExchangeUnavailable,
				"query order %s: %s", level.ClientOrderID, err)
		}
		return trade.Order{}, errors.Wrapf(err, "query order %s", level.ClientOrderID)
	}
	p.Sugar.Infof("order %s found on venue with no local record, adopting", level.ClientOrderID)
	return p.adopt(ctx, level, venue)
}

func levelStateFor(venue exchange.Order) trade.LevelState {
	switch venue.Status {
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
