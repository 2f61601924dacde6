// Package exchange defines the venue-facing boundary: the wire types and
// the Client interface the rest of the system consumes. Implementations
// live in subpackages (aster).
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/algoaster/algoarena-v1/trade"
	"github.com/shopspring/decimal"
)

// Order is the venue's view of one order.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          trade.Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	Status        trade.OrderStatus
	UpdateTime    time.Time
}

// OrderRequest is one placement. ClientOrderID is the caller-assigned
// idempotency key presented to the exchange.
type OrderRequest struct {
	Symbol        string
	Side          trade.Side
	Type          string // LIMIT or MARKET
	TimeInForce   string // GTC unless overridden
	Price         decimal.Decimal
	Qty           decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
}

type Position struct {
	Symbol        string
	PositionAmt   decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnl decimal.Decimal
	Leverage      int
}

type Account struct {
	TotalWalletBalance    decimal.Decimal
	TotalUnrealizedProfit decimal.Decimal
	AvailableBalance      decimal.Decimal
}

type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Volume    decimal.Decimal
}

type FundingRate struct {
	Symbol      string
	Rate        decimal.Decimal
	FundingTime time.Time
}

// Client is the venue boundary. Every call carries a context so no
// operation can block indefinitely.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	Position(ctx context.Context, symbol string) (Position, error)
	Account(ctx context.Context) (Account, error)
	FundingRate(ctx context.Context, symbol string) (FundingRate, error)
	Ticker(ctx context.Context, symbol string) (Ticker, error)
}

// ErrOrderNotFound is returned by QueryOrder when the venue has no order
// under the given client order id. The confirmation protocol depends on
// distinguishing "not found" from transport failure.
var ErrOrderNotFound = errors.New("exchange: order not found")

// APIError is a non-2xx venue response. HTTPStatus drives the retry
// decision: 5xx is ambiguous and triggers the confirmation protocol,
// 4xx is a terminal refusal.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: http %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

// IsServerError reports whether err is a 5xx response or a transport
// failure, i.e. the outcome of the request is unknown.
func IsServerError(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.HTTPStatus >= 500
	}
	// transport-level failures (timeouts, resets) are equally ambiguous
	return err != nil && !errors.Is(err, ErrOrderNotFound)
}

// IsClientError reports whether err is a terminal 4xx refusal.
func IsClientError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.HTTPStatus >= 400 && ae.HTTPStatus < 500
}
