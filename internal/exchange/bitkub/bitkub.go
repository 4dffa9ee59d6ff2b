// Package bitkub provides the Bitkub venue implementation (signed JSON-REST).
//
// Bitkub conventions differ from most venues: symbols are quoted as
// QUOTE_BASE (THB_BTC) in configuration but the v3 trade endpoints want
// BASE_QUOTE (BTC_THB); buy amounts are denominated in quote currency while
// sell amounts are in base; cancellation requires the order side.
package bitkub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange/base"
	apperrors "gridbot/pkg/errors"
	httpclient "gridbot/pkg/http"
	"gridbot/pkg/retry"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://api.bitkub.com"

	serverTimePath = "/api/servertime"
	tickerPath     = "/api/market/ticker"
	symbolsPath    = "/api/v3/market/symbols"
	placeBidPath   = "/api/v3/market/place-bid"
	placeAskPath   = "/api/v3/market/place-ask"
	cancelPath     = "/api/v3/market/cancel-order"
	openOrdersPath = "/api/v3/market/my-open-orders"
	orderInfoPath  = "/api/v3/market/order-info"
	walletPath     = "/api/v3/market/wallet"

	// Server time offset is refreshed when older than this.
	timeSyncInterval = 60 * time.Second
)

// BitkubExchange implements core.Exchange for Bitkub
type BitkubExchange struct {
	*base.BaseAdapter

	signed *httpclient.Client
	public *httpclient.Client

	// Millisecond offset between venue clock and local clock, and when it
	// was last refreshed (unix nanos). Accessed atomically.
	timeOffsetMs int64
	lastSyncNs   int64
}

// NewBitkubExchange creates a new Bitkub venue instance
func NewBitkubExchange(cfg *config.VenueConfig, logger core.Logger) *BitkubExchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	e := &BitkubExchange{
		BaseAdapter: base.NewBaseAdapter("bitkub", cfg, logger),
	}
	e.signed = httpclient.NewClient(baseURL, 10*time.Second, e)
	e.public = httpclient.NewClient(baseURL, 10*time.Second, nil)
	return e
}

// Name returns the venue name
func (e *BitkubExchange) Name() string {
	return "bitkub"
}

// SignRequest implements httpclient.Signer. The signature covers
// ts || METHOD || PATH || BODY with the path including any query string.
func (e *BitkubExchange) SignRequest(req *http.Request, body []byte) error {
	ts := time.Now().UnixMilli() + atomic.LoadInt64(&e.timeOffsetMs)

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	payload := strconv.FormatInt(ts, 10) + req.Method + path + string(body)
	mac := hmac.New(sha256.New, []byte(e.Config.SecretKey))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-API-KEY", e.Config.APIKey)
	req.Header.Set("X-API-TS", strconv.FormatInt(ts, 10))
	req.Header.Set("X-API-SIG", signature)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// syncServerTime refreshes the venue clock offset. The endpoint returns
// epoch seconds; signed requests want milliseconds.
func (e *BitkubExchange) syncServerTime(ctx context.Context) {
	if time.Now().UnixNano()-atomic.LoadInt64(&e.lastSyncNs) < int64(timeSyncInterval) {
		return
	}

	body, err := e.public.Get(ctx, serverTimePath, nil)
	if err != nil {
		e.Logger.Warn("server time sync failed, keeping previous offset", "error", err)
		return
	}

	seconds, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		e.Logger.Warn("unparseable server time", "body", string(body))
		return
	}

	atomic.StoreInt64(&e.timeOffsetMs, seconds*1000-time.Now().UnixMilli())
	atomic.StoreInt64(&e.lastSyncNs, time.Now().UnixNano())
}

// apiSymbol converts a configured QUOTE_BASE symbol to the BASE_QUOTE form
// the trade endpoints expect. THB_BTC becomes BTC_THB.
func apiSymbol(symbol string) string {
	parts := strings.SplitN(symbol, "_", 2)
	if len(parts) != 2 {
		return symbol
	}
	return parts[1] + "_" + parts[0]
}

// envelope is the common Bitkub response shape
type envelope struct {
	Error  int             `json:"error"`
	Result json.RawMessage `json:"result"`
}

// errorCodes maps Bitkub integer error codes into the error taxonomy.
var errorCodes = map[int]error{
	1:  apperrors.ErrInvalidOrderParameter, // invalid JSON payload
	2:  apperrors.ErrInvalidOrderParameter, // missing required parameter
	3:  apperrors.ErrInvalidOrderParameter, // invalid parameter
	4:  apperrors.ErrTimestampOutOfBounds,  // invalid timestamp
	5:  apperrors.ErrAuthenticationFailed,  // invalid signature
	6:  apperrors.ErrAuthenticationFailed,  // invalid API key or secret
	7:  apperrors.ErrAuthenticationFailed,  // API key not found
	8:  apperrors.ErrAuthenticationFailed,  // API not activated
	9:  apperrors.ErrAuthenticationFailed,  // IP not allowed
	10: apperrors.ErrAuthenticationFailed,  // invalid IP address
	11: apperrors.ErrAuthenticationFailed,  // private API only
	12: apperrors.ErrInvalidSymbol,
	13: apperrors.ErrInvalidOrderParameter, // invalid amount
	14: apperrors.ErrInvalidOrderParameter, // invalid rate
	15: apperrors.ErrInsufficientFunds,
	16: apperrors.ErrSystemOverload, // failed to get balance
	17: apperrors.ErrInsufficientFunds, // wallet is empty
	18: apperrors.ErrInvalidOrderParameter, // amount too small
	19: apperrors.ErrSystemOverload, // failed to insert order
	20: apperrors.ErrRateLimitExceeded,
	21: apperrors.ErrOrderNotFound, // invalid order for cancellation
}

func mapErrorCode(code int) error {
	if err, ok := errorCodes[code]; ok {
		return fmt.Errorf("bitkub error %d: %w", code, err)
	}
	return fmt.Errorf("bitkub error %d: %w", code, apperrors.ErrOrderRejected)
}

// request performs one signed call and unwraps the Bitkub envelope.
func (e *BitkubExchange) request(ctx context.Context, path string, params interface{}) (json.RawMessage, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	e.syncServerTime(ctx)

	var body []byte
	if params != nil {
		var err error
		body, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}

	respBody, err := e.signed.Post(ctx, path, body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("bitkub: bad response %q: %w", string(respBody), err)
	}
	if env.Error != 0 {
		return nil, mapErrorCode(env.Error)
	}
	return env.Result, nil
}

// classifyTransport folds HTTP-level failures into the taxonomy.
func classifyTransport(err error) error {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
		}
		// The envelope error code, when present, is more specific.
		var env envelope
		if jsonErr := json.Unmarshal(apiErr.Body, &env); jsonErr == nil && env.Error != 0 {
			return mapErrorCode(env.Error)
		}
		return err
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

// LoadMarkets fetches symbol metadata from the symbols endpoint.
func (e *BitkubExchange) LoadMarkets(ctx context.Context) (map[string]core.MarketInfo, error) {
	respBody, err := e.public.Get(ctx, symbolsPath, nil)
	if err != nil {
		return nil, classifyTransport(err)
	}

	var env struct {
		Error  int `json:"error"`
		Result []struct {
			PairingID    int         `json:"pairing_id"`
			BaseAsset    string      `json:"base_asset"`
			QuoteAsset   string      `json:"quote_asset"`
			FreezeBuy    bool        `json:"freeze_buy"`
			FreezeSell   bool        `json:"freeze_sell"`
			MinQuoteSize json.Number `json:"min_quote_size"`
			PriceStep    json.Number `json:"price_step"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("bitkub: bad symbols response: %w", err)
	}
	if env.Error != 0 {
		return nil, mapErrorCode(env.Error)
	}

	markets := make(map[string]core.MarketInfo, len(env.Result))
	for _, row := range env.Result {
		symbol := row.QuoteAsset + "_" + row.BaseAsset
		markets[symbol] = core.MarketInfo{
			Symbol:      symbol,
			Base:        row.BaseAsset,
			Quote:       row.QuoteAsset,
			Active:      !row.FreezeBuy && !row.FreezeSell,
			MinNotional: e.ParseDecimal(row.MinQuoteSize.String()),
			PriceTick:   e.ParseDecimal(row.PriceStep.String()),
			SizeStep:    decimal.New(1, -8),
		}
	}
	return markets, nil
}

// FetchTicker reads the public ticker map keyed by QUOTE_BASE symbol.
func (e *BitkubExchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	respBody, err := e.public.Get(ctx, tickerPath, map[string]string{"sym": symbol})
	if err != nil {
		return nil, classifyTransport(err)
	}

	var all map[string]struct {
		Last       json.Number `json:"last"`
		HighestBid json.Number `json:"highestBid"`
		LowestAsk  json.Number `json:"lowestAsk"`
	}
	if err := json.Unmarshal(respBody, &all); err != nil {
		return nil, fmt.Errorf("bitkub: bad ticker response: %w", err)
	}

	row, ok := all[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in ticker", apperrors.ErrInvalidSymbol, symbol)
	}

	return &core.Ticker{
		Symbol: symbol,
		Bid:    e.ParseDecimal(row.HighestBid.String()),
		Ask:    e.ParseDecimal(row.LowestAsk.String()),
		Last:   e.ParseDecimal(row.Last.String()),
		Ts:     time.Now().UnixMilli(),
	}, nil
}

type placeOrderRequest struct {
	Sym string      `json:"sym"`
	Amt json.Number `json:"amt"`
	Rat json.Number `json:"rat"`
	Typ string      `json:"typ"`
}

// PlaceLimitOrder places a resting limit order. The engine supplies size in
// base currency; bids are converted to quote amount here.
func (e *BitkubExchange) PlaceLimitOrder(ctx context.Context, symbol string, side core.Side, price, size decimal.Decimal) (*core.PlaceResult, error) {
	path := placeAskPath
	amt := size
	if side == core.SideBuy {
		path = placeBidPath
		amt = price.Mul(size).Round(2)
	}

	req := placeOrderRequest{
		Sym: apiSymbol(symbol),
		Amt: json.Number(amt.String()),
		Rat: json.Number(price.String()),
		Typ: "limit",
	}

	var result *core.PlaceResult
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		raw, err := e.request(ctx, path, req)
		if err != nil {
			return err
		}

		var row struct {
			ID   json.Number `json:"id"`
			Hash string      `json:"hash"`
			Ts   int64       `json:"ts"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("bitkub: bad place response: %w", err)
		}

		id := row.ID.String()
		if id == "" || id == "0" {
			return fmt.Errorf("%w: no order id returned", apperrors.ErrOrderRejected)
		}

		ts := row.Ts
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		result = &core.PlaceResult{VenueOrderID: id, Status: core.PlaceOpen, Ts: ts}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("order placed",
		"symbol", symbol, "side", side, "price", price.String(), "size", size.String(),
		"order_id", result.VenueOrderID)
	return result, nil
}

type cancelOrderRequest struct {
	Sym  string `json:"sym"`
	ID   string `json:"id"`
	Sd   string `json:"sd"`
	Hash string `json:"hash"`
}

// CancelOrder cancels by id. The endpoint requires the order side, which is
// not part of the uniform contract, so it is discovered from the open-orders
// listing; when the order is not listed both sides are attempted before
// reporting NotFound.
func (e *BitkubExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	side := ""
	if open, err := e.FetchOpenOrders(ctx, symbol); err == nil {
		for _, o := range open {
			if o.ID == orderID {
				side = string(o.Side)
				break
			}
		}
	}

	if side != "" {
		return e.cancelWithSide(ctx, orderID, symbol, side)
	}

	var lastErr error
	for _, sd := range []string{"sell", "buy"} {
		lastErr = e.cancelWithSide(ctx, orderID, symbol, sd)
		if lastErr == nil {
			return nil
		}
		if !apperrors.IsNotFound(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (e *BitkubExchange) cancelWithSide(ctx context.Context, orderID, symbol, side string) error {
	req := cancelOrderRequest{
		Sym:  apiSymbol(symbol),
		ID:   orderID,
		Sd:   side,
		Hash: orderID,
	}
	_, err := e.request(ctx, cancelPath, req)
	return err
}

type openOrderRow struct {
	ID     json.Number `json:"id"`
	Side   string      `json:"side"`
	Rate   json.Number `json:"rate"`
	Amount json.Number `json:"amount"`
	Filled json.Number `json:"filled"`
	Ts     int64       `json:"ts"`
}

func (e *BitkubExchange) toOpenOrder(row openOrderRow) core.OpenOrder {
	amount := e.ParseDecimal(row.Amount.String())
	filled := decimal.Zero
	if row.Filled != "" {
		filled = e.ParseDecimal(row.Filled.String())
	}
	return core.OpenOrder{
		ID:        row.ID.String(),
		Side:      core.Side(row.Side),
		Price:     e.ParseDecimal(row.Rate.String()),
		Amount:    amount,
		Remaining: amount.Sub(filled),
		Ts:        row.Ts,
	}
}

// FetchOpenOrders lists resting orders for the symbol.
func (e *BitkubExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	raw, err := e.request(ctx, openOrdersPath, map[string]string{"sym": apiSymbol(symbol)})
	if err != nil {
		return nil, err
	}

	var rows []openOrderRow
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("bitkub: bad open orders response: %w", err)
		}
	}

	orders := make([]core.OpenOrder, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, e.toOpenOrder(row))
	}
	return orders, nil
}

// FetchOrder fetches a single order by id.
func (e *BitkubExchange) FetchOrder(ctx context.Context, orderID, symbol string) (*core.OpenOrder, error) {
	raw, err := e.request(ctx, orderInfoPath, map[string]string{
		"sym": apiSymbol(symbol),
		"id":  orderID,
	})
	if err != nil {
		return nil, err
	}

	var row openOrderRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("bitkub: bad order info response: %w", err)
	}
	order := e.toOpenOrder(row)
	return &order, nil
}

// FetchBalance reads the wallet. The endpoint reports one total per asset
// with no free/used split, so the whole amount is reported as free.
func (e *BitkubExchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	raw, err := e.request(ctx, walletPath, nil)
	if err != nil {
		return nil, err
	}

	var wallet map[string]json.Number
	if err := json.Unmarshal(raw, &wallet); err != nil {
		return nil, fmt.Errorf("bitkub: bad wallet response: %w", err)
	}

	balances := make(map[string]core.Balance, len(wallet))
	for asset, amount := range wallet {
		total := e.ParseDecimal(amount.String())
		balances[asset] = core.Balance{Free: total, Total: total}
	}
	return balances, nil
}

// Close releases the HTTP clients.
func (e *BitkubExchange) Close() error {
	return nil
}
