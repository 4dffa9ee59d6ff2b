// Package base provides common functionality for venue adapters
package base

import (
	"time"

	"gridbot/internal/config"
	"gridbot/internal/core"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// BaseAdapter provides common functionality for all venue adapters
type BaseAdapter struct {
	Name    string
	Config  *config.VenueConfig
	Logger  core.Logger
	Limiter *rate.Limiter
}

// NewBaseAdapter creates a new base adapter with common configuration
func NewBaseAdapter(name string, cfg *config.VenueConfig, logger core.Logger) *BaseAdapter {
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 10
	}
	return &BaseAdapter{
		Name:    name,
		Config:  cfg,
		Logger:  logger.WithField("venue", name),
		Limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// GetName returns the venue name
func (b *BaseAdapter) GetName() string {
	return b.Name
}

// ParseDecimal safely parses a string to decimal
func (b *BaseAdapter) ParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp safely parses a timestamp in milliseconds
func (b *BaseAdapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
