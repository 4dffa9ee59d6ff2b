// Package exchange provides venue adapter implementations
package exchange

import (
	"fmt"
	"strings"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange/binance"
	"gridbot/internal/exchange/bitkub"
	"gridbot/internal/exchange/sim"

	"github.com/shopspring/decimal"
)

// NewExchange creates a venue adapter based on configuration
func NewExchange(venueName string, cfg *config.Config, logger core.Logger) (core.Exchange, error) {
	switch strings.ToLower(venueName) {
	case "sim":
		opts := []sim.Option{sim.WithSymbol(cfg.App.Symbol)}
		if venueCfg, exists := cfg.Venues[venueName]; exists && venueCfg.FeeRate > 0 {
			opts = append(opts, sim.WithFee(decimal.NewFromFloat(venueCfg.FeeRate)))
		}
		return sim.NewSimExchange(cfg.Engine.SimSeed, logger, opts...), nil
	case "bitkub":
		venueCfg, exists := cfg.Venues[venueName]
		if !exists {
			return nil, fmt.Errorf("configuration not found for venue: %s", venueName)
		}
		return bitkub.NewBitkubExchange(&venueCfg, logger), nil
	case "binance":
		venueCfg, exists := cfg.Venues[venueName]
		if !exists {
			return nil, fmt.Errorf("configuration not found for venue: %s", venueName)
		}
		return binance.NewBinanceExchange(&venueCfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", venueName)
	}
}
