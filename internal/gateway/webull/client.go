// Package webull implements the HTTP+streaming broker adapter.
//
// Order placement, cancellation and snapshot queries go over a synchronous
// REST API (resty client with retry); fills and status changes arrive on a
// server-side gRPC event stream per account. The REST side never runs on the
// event-bus worker: gateway methods enqueue onto a small worker pool.
package webull

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Credentials is the per-account API identity.
type Credentials struct {
	AppKey    string
	AppSecret string
	AccountID string
}

// Client is the REST API client: retry on 5xx, HMAC request signing.
type Client struct {
	http   *resty.Client
	creds  Credentials
	logger *slog.Logger
}

// NewClient builds a REST client against the given base URL.
func NewClient(baseURL string, creds Credentials, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient, creds: creds, logger: logger}
}

// sign stamps the request with the app key and an HMAC of key|timestamp|path.
func (c *Client) sign(r *resty.Request, path string) *resty.Request {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.creds.AppSecret))
	mac.Write([]byte(c.creds.AppKey + "|" + ts + "|" + path))
	return r.
		SetHeader("x-app-key", c.creds.AppKey).
		SetHeader("x-timestamp", ts).
		SetHeader("x-signature", hex.EncodeToString(mac.Sum(nil)))
}

// Wire payloads. Prices and quantities travel as exact decimals; the broker
// rejects float artifacts like 0.30000000000000004.

type placeOrderRequest struct {
	AccountID     string          `json:"account_id"`
	ClientOrderID string          `json:"client_order_id"`
	Ticker        string          `json:"ticker"`
	Side          string          `json:"side"`
	OrderType     string          `json:"order_type"`
	Qty           decimal.Decimal `json:"qty"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	Tif           string          `json:"time_in_force"`
	ExtendedHours bool            `json:"extended_hours_trading"`
}

type placeOrderResponse struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
}

type orderItem struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Ticker        string          `json:"ticker"`
	Side          string          `json:"side"`
	OrderType     string          `json:"order_type"`
	Status        string          `json:"order_status"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Tif           string          `json:"time_in_force"`
}

type balanceResponse struct {
	AccountID     string          `json:"account_id"`
	Currency      string          `json:"currency"`
	TotalAsset    decimal.Decimal `json:"total_asset"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	BuyingPower   decimal.Decimal `json:"buying_power"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

type positionItem struct {
	Ticker        string          `json:"ticker"`
	Qty           decimal.Decimal `json:"qty"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

type instrumentItem struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
	Type     string `json:"type"`
}

type quoteResponse struct {
	Ticker  string          `json:"ticker"`
	Last    decimal.Decimal `json:"last"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
	Volume  decimal.Decimal `json:"volume"`
}

type apiError struct {
	Code string `json:"error_code"`
	Msg  string `json:"message"`
}

// PlaceOrder submits one order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, req placeOrderRequest) (placeOrderResponse, error) {
	req.AccountID = c.creds.AccountID

	var result placeOrderResponse
	var apiErr apiError
	resp, err := c.sign(c.http.R(), "/trade/order/place").
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&apiErr).
		Post("/trade/order/place")
	if err != nil {
		return placeOrderResponse{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return placeOrderResponse{}, fmt.Errorf("place order: status %d: %s %s", resp.StatusCode(), apiErr.Code, apiErr.Msg)
	}
	return result, nil
}

// CancelOrder cancels by client order id.
func (c *Client) CancelOrder(ctx context.Context, clientOrderID string) error {
	var apiErr apiError
	resp, err := c.sign(c.http.R(), "/trade/order/cancel").
		SetContext(ctx).
		SetBody(map[string]string{
			"account_id":      c.creds.AccountID,
			"client_order_id": clientOrderID,
		}).
		SetError(&apiErr).
		Post("/trade/order/cancel")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s %s", resp.StatusCode(), apiErr.Code, apiErr.Msg)
	}
	return nil
}

// OpenOrders fetches the account's working orders.
func (c *Client) OpenOrders(ctx context.Context) ([]orderItem, error) {
	var result struct {
		Orders []orderItem `json:"orders"`
	}
	resp, err := c.sign(c.http.R(), "/trade/orders/open").
		SetContext(ctx).
		SetQueryParam("account_id", c.creds.AccountID).
		SetResult(&result).
		Get("/trade/orders/open")
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Orders, nil
}

// Balance fetches the account balance snapshot.
func (c *Client) Balance(ctx context.Context) (balanceResponse, error) {
	var result balanceResponse
	resp, err := c.sign(c.http.R(), "/account/balance").
		SetContext(ctx).
		SetQueryParam("account_id", c.creds.AccountID).
		SetResult(&result).
		Get("/account/balance")
	if err != nil {
		return balanceResponse{}, fmt.Errorf("balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return balanceResponse{}, fmt.Errorf("balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// Positions fetches the account's holdings.
func (c *Client) Positions(ctx context.Context) ([]positionItem, error) {
	var result struct {
		Positions []positionItem `json:"positions"`
	}
	resp, err := c.sign(c.http.R(), "/account/positions").
		SetContext(ctx).
		SetQueryParam("account_id", c.creds.AccountID).
		SetResult(&result).
		Get("/account/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Positions, nil
}

// LookupInstrument searches tradable instruments by ticker.
func (c *Client) LookupInstrument(ctx context.Context, ticker string) ([]instrumentItem, error) {
	var result struct {
		Instruments []instrumentItem `json:"instruments"`
	}
	resp, err := c.sign(c.http.R(), "/instrument/lookup").
		SetContext(ctx).
		SetQueryParam("ticker", ticker).
		SetResult(&result).
		Get("/instrument/lookup")
	if err != nil {
		return nil, fmt.Errorf("lookup instrument: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("lookup instrument: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Instruments, nil
}

// Quote fetches a point-in-time quote for the market-data poller.
// extendedHours includes pre/post-market trading in the quoted fields.
func (c *Client) Quote(ctx context.Context, ticker string, extendedHours bool) (quoteResponse, error) {
	var result quoteResponse
	resp, err := c.sign(c.http.R(), "/market/quote").
		SetContext(ctx).
		SetQueryParam("ticker", ticker).
		SetQueryParam("extended_hours", strconv.FormatBool(extendedHours)).
		SetResult(&result).
		Get("/market/quote")
	if err != nil {
		return quoteResponse{}, fmt.Errorf("quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return quoteResponse{}, fmt.Errorf("quote: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}
