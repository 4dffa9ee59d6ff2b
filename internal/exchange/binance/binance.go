// Package binance provides the Binance spot venue implementation backed by
// the official REST client library.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange/base"
	apperrors "gridbot/pkg/errors"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// BinanceExchange implements core.Exchange for Binance spot
type BinanceExchange struct {
	*base.BaseAdapter
	client *binance.Client
}

// NewBinanceExchange creates a new Binance spot venue instance
func NewBinanceExchange(cfg *config.VenueConfig, logger core.Logger) *BinanceExchange {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return &BinanceExchange{
		BaseAdapter: base.NewBaseAdapter("binance", cfg, logger),
		client:      client,
	}
}

// Name returns the venue name
func (e *BinanceExchange) Name() string {
	return "binance"
}

// mapError folds library errors into the error taxonomy. Binance reports
// negative integer codes inside an HTTP error payload.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	switch apiErr.Code {
	case -1003:
		return fmt.Errorf("binance %d: %w", apiErr.Code, apperrors.ErrRateLimitExceeded)
	case -1021:
		return fmt.Errorf("binance %d: %w", apiErr.Code, apperrors.ErrTimestampOutOfBounds)
	case -2014, -2015:
		return fmt.Errorf("binance %d: %w", apiErr.Code, apperrors.ErrAuthenticationFailed)
	case -2010:
		// "Account has insufficient balance" and other new-order rejections
		return fmt.Errorf("binance %d %s: %w", apiErr.Code, apiErr.Message, apperrors.ErrInsufficientFunds)
	case -2011, -2013:
		return fmt.Errorf("binance %d: %w", apiErr.Code, apperrors.ErrOrderNotFound)
	case -1013, -1111, -1121:
		return fmt.Errorf("binance %d %s: %w", apiErr.Code, apiErr.Message, apperrors.ErrInvalidOrderParameter)
	default:
		if apiErr.Code <= -1000 && apiErr.Code > -1100 {
			return fmt.Errorf("binance %d %s: %w", apiErr.Code, apiErr.Message, apperrors.ErrSystemOverload)
		}
		return fmt.Errorf("binance %d %s: %w", apiErr.Code, apiErr.Message, apperrors.ErrOrderRejected)
	}
}

// LoadMarkets fetches exchange info and extracts the quantization filters.
func (e *BinanceExchange) LoadMarkets(ctx context.Context) (map[string]core.MarketInfo, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	markets := make(map[string]core.MarketInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		m := core.MarketInfo{
			Symbol: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
		}
		if f := s.LotSizeFilter(); f != nil {
			m.MinSize = e.ParseDecimal(f.MinQuantity)
			m.SizeStep = e.ParseDecimal(f.StepSize)
		}
		if f := s.PriceFilter(); f != nil {
			m.PriceTick = e.ParseDecimal(f.TickSize)
		}
		if f := s.NotionalFilter(); f != nil {
			m.MinNotional = e.ParseDecimal(f.MinNotional)
		}
		markets[s.Symbol] = m
	}
	return markets, nil
}

// FetchTicker reads the best bid/ask book ticker.
func (e *BinanceExchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tickers, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	t := tickers[0]
	bid := e.ParseDecimal(t.BidPrice)
	ask := e.ParseDecimal(t.AskPrice)
	return &core.Ticker{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		Ts:     time.Now().UnixMilli(),
	}, nil
}

// PlaceLimitOrder places a GTC limit order; size is base currency.
func (e *BinanceExchange) PlaceLimitOrder(ctx context.Context, symbol string, side core.Side, price, size decimal.Decimal) (*core.PlaceResult, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	sideType := binance.SideTypeBuy
	if side == core.SideSell {
		sideType = binance.SideTypeSell
	}

	resp, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(size.String()).
		Price(price.String()).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	e.Logger.Info("order placed",
		"symbol", symbol, "side", side, "price", price.String(), "size", size.String(),
		"order_id", resp.OrderID)

	return &core.PlaceResult{
		VenueOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:       core.PlaceOpen,
		Ts:           resp.TransactTime,
	}, nil
}

// CancelOrder cancels by numeric order id.
func (e *BinanceExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if err := e.Limiter.Wait(ctx); err != nil {
		return err
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: non-numeric order id %q", apperrors.ErrInvalidOrderParameter, orderID)
	}

	_, err = e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return mapError(err)
}

func (e *BinanceExchange) toOpenOrder(o *binance.Order) core.OpenOrder {
	amount := e.ParseDecimal(o.OrigQuantity)
	filled := e.ParseDecimal(o.ExecutedQuantity)
	side := core.SideBuy
	if o.Side == binance.SideTypeSell {
		side = core.SideSell
	}
	return core.OpenOrder{
		ID:        strconv.FormatInt(o.OrderID, 10),
		Side:      side,
		Price:     e.ParseDecimal(o.Price),
		Amount:    amount,
		Remaining: amount.Sub(filled),
		Ts:        o.Time,
	}
}

// FetchOpenOrders lists resting orders for the symbol.
func (e *BinanceExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	orders := make([]core.OpenOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, e.toOpenOrder(o))
	}
	return orders, nil
}

// FetchOrder fetches one order by id.
func (e *BinanceExchange) FetchOrder(ctx context.Context, orderID, symbol string) (*core.OpenOrder, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: non-numeric order id %q", apperrors.ErrInvalidOrderParameter, orderID)
	}

	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	order := e.toOpenOrder(o)
	return &order, nil
}

// FetchBalance reads spot account balances, skipping zero rows.
func (e *BinanceExchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	balances := make(map[string]core.Balance)
	for _, b := range account.Balances {
		free := e.ParseDecimal(b.Free)
		locked := e.ParseDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances[b.Asset] = core.Balance{
			Free:  free,
			Used:  locked,
			Total: free.Add(locked),
		}
	}
	return balances, nil
}

// Close releases client resources. The REST client holds no connections.
func (e *BinanceExchange) Close() error {
	return nil
}
