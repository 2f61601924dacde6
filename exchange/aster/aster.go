// Package aster implements the exchange.Client boundary for the Aster
// perpetual-futures venue (Binance-compatible fapi surface). It carries
// authentication and status mapping only; the idempotency and
// confirmation logic lives in the executor package.
package aster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/algoaster/algoarena-v1/exchange"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultHost = "https://fapi.asterdex.com"

// venue error codes for "no such order"
const (
	codeOrderNotExist = -2013
	codeUnknownOrder  = -2011
)

type Client struct {
	rest   *resty.Client
	key    string
	secret string
	Sugar  *zap.SugaredLogger
}

// New builds a venue client. Retries are deliberately left to the caller:
// the executor owns the confirmation protocol, and a transport-level
// auto-retry of a placement would break its exactly-once discipline.
func New(host, key, secret string, sugar *zap.SugaredLogger) *Client {
	if host == "" {
		host = DefaultHost
	}
	rc := resty.New().
		SetBaseURL(host).
		SetTimeout(15 * time.Second).
		SetRetryCount(0)
	return &Client{rest: rc, key: key, secret: secret, Sugar: sugar}
}

func (c *Client) request(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", timestamp())
		params.Set("recvWindow", "5000")
		params.Set("signature", sign(withoutSignature(params), c.secret))
	}

	req := c.rest.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params)
	if c.key != "" {
		req.SetHeader("X-MBX-APIKEY", c.key)
	}

	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return errors.Errorf("unsupported method %s", method)
	}
	if err != nil {
		// transport failure: the outcome of the request is unknown
		return errors.Wrap(err, "aster request")
	}
	if resp.StatusCode() >= 400 {
		var payload apiErrorResponse
		_ = json.Unmarshal(resp.Body(), &payload)
		if payload.Code == codeOrderNotExist || payload.Code == codeUnknownOrder {
			return exchange.ErrOrderNotFound
		}
		return &exchange.APIError{
			HTTPStatus: resp.StatusCode(),
			Code:       payload.Code,
			Message:    payload.Message,
		}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errors.Wrapf(err, "decode %s response", path)
		}
	}
	return nil
}

// withoutSignature strips the signature key so the signed payload only
// covers the request parameters.
func withoutSignature(params url.Values) url.Values {
	clean := url.Values{}
	for k, vs := range params {
		if k == "signature" {
			continue
		}
		for _, v := range vs {
			clean.Add(k, v)
		}
	}
	return clean
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	orderType := req.Type
	if orderType == "" {
		orderType = "LIMIT"
	}
	params.Set("type", orderType)
	params.Set("quantity", req.Qty.String())
	if orderType != "MARKET" {
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
		params.Set("price", req.Price.String())
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	c.Sugar.Infow("place order",
		"symbol", req.Symbol,
		"side", req.Side,
		"price", req.Price.String(),
		"qty", req.Qty.String(),
		"clientOrderId", req.ClientOrderID)

	var res orderResponse
	if err := c.request(ctx, http.MethodPost, "/fapi/v1/order", params, true, &res); err != nil {
		return exchange.Order{}, err
	}
	return toOrder(res), nil
}

func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (exchange.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	var res orderResponse
	if err := c.request(ctx, http.MethodGet, "/fapi/v1/order", params, true, &res); err != nil {
		return exchange.Order{}, err
	}
	return toOrder(res), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	return c.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true, nil)
}

func (c *Client) Position(ctx context.Context, symbol string) (exchange.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var res []positionResponse
	if err := c.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &res); err != nil {
		return exchange.Position{}, err
	}
	if len(res) == 0 {
		return exchange.Position{Symbol: symbol}, nil
	}
	p := res[0]
	leverage, _ := decimal.NewFromString(p.Leverage)
	return exchange.Position{
		Symbol:        p.Symbol,
		PositionAmt:   str2dec(p.PositionAmt),
		EntryPrice:    str2dec(p.EntryPrice),
		MarkPrice:     str2dec(p.MarkPrice),
		UnrealizedPnl: str2dec(p.UnrealizedPnl),
		Leverage:      int(leverage.IntPart()),
	}, nil
}

func (c *Client) Account(ctx context.Context) (exchange.Account, error) {
	var res accountResponse
	if err := c.request(ctx, http.MethodGet, "/fapi/v2/account", nil, true, &res); err != nil {
		return exchange.Account{}, err
	}
	return exchange.Account{
		TotalWalletBalance:    str2dec(res.TotalWalletBalance),
		TotalUnrealizedProfit: str2dec(res.TotalUnrealizedProfit),
		AvailableBalance:      str2dec(res.AvailableBalance),
	}, nil
}

func (c *Client) FundingRate(ctx context.Context, symbol string) (exchange.FundingRate, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", "1")
	var res []fundingRateResponse
	if err := c.request(ctx, http.MethodGet, "/fapi/v1/fundingRate", params, false, &res); err != nil {
		return exchange.FundingRate{}, err
	}
	if len(res) == 0 {
		return exchange.FundingRate{Symbol: symbol}, nil
	}
	return exchange.FundingRate{
		Symbol:      res[0].Symbol,
		Rate:        str2dec(res[0].FundingRate),
		FundingTime: time.UnixMilli(res[0].FundingTime),
	}, nil
}

func (c *Client) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var res tickerResponse
	if err := c.request(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", params, false, &res); err != nil {
		return exchange.Ticker{}, err
	}
	return exchange.Ticker{
		Symbol:    res.Symbol,
		LastPrice: str2dec(res.LastPrice),
		Volume:    str2dec(res.Volume),
	}, nil
}

func toOrder(res orderResponse) exchange.Order {
	return exchange.Order{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          trade.Side(res.Side),
		Price:         str2dec(res.Price),
		Qty:           str2dec(res.OrigQty),
		FilledQty:     str2dec(res.ExecutedQty),
		Status:        mapStatus(res.Status),
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}
}

func mapStatus(s string) trade.OrderStatus {
	switch s {
	case "NEW":
		return trade.OrderNew
	case "PARTIALLY_FILLED":
		return trade.OrderPartial
	case "FILLED":
		return trade.OrderFilled
	case "CANCELED", "EXPIRED":
		return trade.OrderCanceled
	case "REJECTED":
		return trade.OrderRejected
	default:
		return trade.OrderUnknown
	}
}

func str2dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
