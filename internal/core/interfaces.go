package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the capability set the reconciliation engine drives. All calls
// may suspend; adapters classify failures into the pkg/errors taxonomy.
// Adapters own symbol and size-unit conversions: the engine always supplies
// base-currency size at a given level price.
type Exchange interface {
	Name() string

	// LoadMarkets fetches per-symbol metadata. Called once at init.
	LoadMarkets(ctx context.Context) (map[string]MarketInfo, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)

	PlaceLimitOrder(ctx context.Context, symbol string, side Side, price, size decimal.Decimal) (*PlaceResult, error)
	// CancelOrder returns apperrors.ErrOrderNotFound when the venue no longer
	// knows the order; callers treat that as success.
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	FetchOrder(ctx context.Context, orderID, symbol string) (*OpenOrder, error)
	FetchBalance(ctx context.Context) (map[string]Balance, error)

	Close() error
}

// Journal receives best-effort durable copies of order intent and fills.
// Implementations must never fail the reconciliation tick.
type Journal interface {
	RecordOrder(ctx context.Context, order *LiveOrder)
	RecordFill(ctx context.Context, order *LiveOrder)
}

// Logger is the structured logging interface implemented by pkg/logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}
