// Package orchestrator is the operator-facing service layer. It guards
// lifecycle legality, serializes start/stop/reset/update-config behind one
// lock, and records every action in the audit log. Transports (HTTP, the
// websocket surface) call into it and get a uniform Result envelope back.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"gridbot/internal/core"
	"gridbot/internal/engine"
	"gridbot/internal/grid"
	"gridbot/internal/state"
	"gridbot/internal/storage"
	"gridbot/internal/validator"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// Result is the envelope returned by every operator call.
type Result struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(message string, data interface{}) Result {
	return Result{Success: true, Message: message, Data: data}
}

func fail(message string) Result {
	return Result{Success: false, Message: message}
}

// LevelView is one row of the levels read API.
type LevelView struct {
	Index  int             `json:"index"`
	Price  decimal.Decimal `json:"price"`
	ZoneID int             `json:"zone_id"`
	Active bool            `json:"active"`
	// Side is buy, sell, mid, or unknown when no price is available.
	Side string `json:"side"`
}

// StatusView is the status read API payload.
type StatusView struct {
	State  *core.RuntimeState `json:"state"`
	Config *core.GridConfig   `json:"config"`
}

// ResetParams selects the reset variant. CancelOnly skips the state-store
// wipe; ClearPositions additionally zeroes PnL and inventory.
type ResetParams struct {
	Confirm        bool `json:"confirm"`
	ClearPositions bool `json:"clear_positions"`
	CancelOnly     bool `json:"cancel_only"`
}

// EngineFactory builds a fresh engine (and its venue adapter) for a config.
// Used when an update-config while stopped swaps venue or grid shape.
type EngineFactory func(ctx context.Context, cfg *core.GridConfig) (*engine.Engine, error)

// Orchestrator mediates between transports and the engine.
type Orchestrator struct {
	mu        sync.Mutex
	engine    *engine.Engine
	factory   EngineFactory
	store     *state.Store
	validator *validator.Validator
	db        *storage.SQLiteStore
	logger    core.Logger
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithActionLog attaches the durable action log.
func WithActionLog(db *storage.SQLiteStore) Option {
	return func(o *Orchestrator) { o.db = db }
}

// WithFactory enables engine rebuilds on stopped-state config swaps.
func WithFactory(f EngineFactory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

// New builds an orchestrator around an existing engine.
func New(eng *engine.Engine, store *state.Store, v *validator.Validator, logger core.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:    eng,
		store:     store,
		validator: v,
		logger:    logger.WithField("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Engine returns the current engine instance.
func (o *Orchestrator) Engine() *engine.Engine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.engine
}

func (o *Orchestrator) logAction(ctx context.Context, user, action string, params interface{}, result Result) {
	if o.db == nil {
		return
	}
	outcome := "ok"
	if !result.Success {
		outcome = "error: " + result.Message
	}
	if err := o.db.LogAction(ctx, user, action, params, outcome); err != nil {
		o.logger.Warn("action log write failed", "action", action, "error", err)
	}
}

// Start brings the engine up. Legal only from STOPPED or ERROR.
func (o *Orchestrator) Start(ctx context.Context, user string, confirm bool) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	res := o.startLocked(ctx, confirm)
	o.logAction(ctx, user, "start", map[string]bool{"confirm": confirm}, res)
	return res
}

func (o *Orchestrator) startLocked(ctx context.Context, confirm bool) Result {
	if !confirm {
		return fail("confirm=true required")
	}
	switch st := o.store.BotState(); st {
	case core.StateStopped, core.StateError:
	default:
		return fail(fmt.Sprintf("cannot start from state %s", st))
	}

	if err := o.engine.Start(ctx); err != nil {
		return fail(err.Error())
	}
	return ok("engine started", nil)
}

// Stop drains the loop and cancels every resting order.
func (o *Orchestrator) Stop(ctx context.Context, user string, confirm bool) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	res := o.stopLocked(ctx, confirm)
	o.logAction(ctx, user, "stop", map[string]bool{"confirm": confirm}, res)
	return res
}

func (o *Orchestrator) stopLocked(ctx context.Context, confirm bool) Result {
	if !confirm {
		return fail("confirm=true required")
	}
	switch st := o.store.BotState(); st {
	case core.StateRunning, core.StateSimRunning, core.StateStarting:
	default:
		return fail(fmt.Sprintf("cannot stop from state %s", st))
	}

	if err := o.engine.Stop(ctx); err != nil {
		return fail(err.Error())
	}
	return ok("engine stopped", nil)
}

// Reset stops the loop if needed and cancels everything on the venue.
func (o *Orchestrator) Reset(ctx context.Context, user string, params ResetParams) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	res := o.resetLocked(ctx, params)
	o.logAction(ctx, user, "reset", params, res)
	return res
}

func (o *Orchestrator) resetLocked(ctx context.Context, params ResetParams) Result {
	if !params.Confirm {
		return fail("confirm=true required")
	}
	switch st := o.store.BotState(); st {
	case core.StateStarting, core.StateStopping:
		return fail(fmt.Sprintf("cannot reset from state %s", st))
	}

	clear := params.ClearPositions && !params.CancelOnly
	if err := o.engine.Reset(ctx, clear); err != nil {
		return fail(err.Error())
	}
	return ok("engine reset", nil)
}

// UpdateConfig validates next and applies it. Zone and per-level size changes
// hot-apply while running; bounds, level count, venue and mode changes are
// rejected with restart_required until the engine is stopped.
func (o *Orchestrator) UpdateConfig(ctx context.Context, user string, next *core.GridConfig) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	res := o.updateConfigLocked(ctx, next)
	o.logAction(ctx, user, "update_config", next, res)
	return res
}

func (o *Orchestrator) updateConfigLocked(ctx context.Context, next *core.GridConfig) Result {
	if err := next.Validate(); err != nil {
		return fail(err.Error())
	}

	current := o.engine.Config()
	restartNeeded := current.RequiresRestart(next)

	if o.engine.IsRunning() {
		if restartNeeded {
			return Result{
				Success: false,
				Message: "config change requires restart",
				Data:    map[string]bool{"restart_required": true},
			}
		}
		if err := o.engine.ApplyConfig(ctx, next); err != nil {
			return fail(err.Error())
		}
	} else if restartNeeded {
		if o.factory == nil {
			return fail("config change requires an engine rebuild and no factory is attached")
		}
		eng, err := o.factory(ctx, next)
		if err != nil {
			return fail(err.Error())
		}
		if err := o.engine.Close(ctx); err != nil {
			o.logger.Warn("old engine close failed", "error", err)
		}
		o.engine = eng
	} else {
		if err := o.engine.ApplyConfig(ctx, next); err != nil {
			return fail(err.Error())
		}
	}

	if o.db != nil {
		if err := o.db.SaveConfig(ctx, next); err != nil {
			o.logger.Warn("config history write failed", "error", err)
		}
	}
	return ok("config updated", map[string]bool{"restart_required": false})
}

// ToggleZone enables or disables one zone.
func (o *Orchestrator) ToggleZone(ctx context.Context, user string, zoneID int, enabled bool) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	var res Result
	if err := o.engine.ToggleZone(ctx, zoneID, enabled); err != nil {
		res = fail(err.Error())
	} else {
		res = ok(fmt.Sprintf("zone %d enabled=%v", zoneID, enabled), nil)
	}
	o.logAction(ctx, user, "toggle_zone", map[string]interface{}{"zone_id": zoneID, "enabled": enabled}, res)
	return res
}

// CancelLevel cancels the open order at a level.
func (o *Orchestrator) CancelLevel(ctx context.Context, user string, levelIndex int) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	var res Result
	if err := o.engine.CancelLevel(ctx, levelIndex); err != nil {
		res = fail(err.Error())
	} else {
		res = ok(fmt.Sprintf("level %d cancelled", levelIndex), nil)
	}
	o.logAction(ctx, user, "cancel_level", map[string]int{"level_index": levelIndex}, res)
	return res
}

// EnableLevel places an order at an empty enabled level immediately.
func (o *Orchestrator) EnableLevel(ctx context.Context, user string, levelIndex int) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	var res Result
	if err := o.engine.EnableLevel(ctx, levelIndex); err != nil {
		res = fail(err.Error())
	} else {
		res = ok(fmt.Sprintf("level %d enabled", levelIndex), nil)
	}
	o.logAction(ctx, user, "enable_level", map[string]int{"level_index": levelIndex}, res)
	return res
}

// CancelOrder cancels one tracked order by venue id.
func (o *Orchestrator) CancelOrder(ctx context.Context, user, venueOrderID string) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	var res Result
	if err := o.engine.CancelOrderID(ctx, venueOrderID); err != nil {
		if apperrors.IsNotFound(err) {
			res = fail(fmt.Sprintf("order %s not tracked", venueOrderID))
		} else {
			res = fail(err.Error())
		}
	} else {
		res = ok(fmt.Sprintf("order %s cancelled", venueOrderID), nil)
	}
	o.logAction(ctx, user, "cancel_order", map[string]string{"venue_order_id": venueOrderID}, res)
	return res
}

// ManualSync adopts operator-supplied live orders into the engine.
func (o *Orchestrator) ManualSync(ctx context.Context, user string, orders []core.ExternalOrder) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	var res Result
	if err := o.engine.AdoptExternal(ctx, orders); err != nil {
		res = fail(err.Error())
	} else {
		res = ok(fmt.Sprintf("%d orders submitted for adoption", len(orders)), nil)
	}
	o.logAction(ctx, user, "manual_sync", map[string]int{"count": len(orders)}, res)
	return res
}

// Status returns the runtime state snapshot with a config echo.
func (o *Orchestrator) Status(ctx context.Context) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	return ok("status", StatusView{
		State:  o.store.Snapshot(),
		Config: o.engine.Config(),
	})
}

// GridLevels returns one row per level with the side each would take at the
// current price. Levels inside the polarity tolerance are labeled mid; when
// no ticker is available every unoccupied level is unknown.
func (o *Orchestrator) GridLevels(ctx context.Context) Result {
	o.mu.Lock()
	eng := o.engine
	o.mu.Unlock()

	levels := eng.Levels()
	zones := eng.ZoneMap()
	active := eng.ActiveOrders()

	occupied := make(map[int]core.Side, len(active))
	for _, ord := range active {
		if ord.Status == core.OrderOpen {
			occupied[ord.LevelIndex] = ord.Side
		}
	}

	var last decimal.Decimal
	haveTicker := false
	if ticker, err := eng.Ticker(ctx); err == nil {
		last = ticker.Last
		haveTicker = true
	} else {
		o.logger.Warn("ticker unavailable for levels view", "error", err)
	}

	views := make([]LevelView, len(levels))
	for i, price := range levels {
		v := LevelView{
			Index:  i,
			Price:  price,
			ZoneID: zones[i].ZoneID,
			Side:   "unknown",
		}
		if side, held := occupied[i]; held {
			v.Active = true
			v.Side = string(side)
		} else if haveTicker {
			switch grid.DetermineSide(price, last, grid.DefaultSideTolerance) {
			case core.SideBuy:
				v.Side = "buy"
			case core.SideSell:
				v.Side = "sell"
			default:
				v.Side = "mid"
			}
		}
		views[i] = v
	}
	return ok("levels", views)
}

// ActiveOrders returns the engine's live order set.
func (o *Orchestrator) ActiveOrders(ctx context.Context) Result {
	o.mu.Lock()
	eng := o.engine
	o.mu.Unlock()
	return ok("active orders", eng.ActiveOrders())
}

// MinimumRequirements reports the smallest viable order for a pair at the
// current price. For pairs other than the engine's own the table minimums are
// returned without a price-dependent size.
func (o *Orchestrator) MinimumRequirements(ctx context.Context, venue, symbol string) Result {
	o.mu.Lock()
	eng := o.engine
	o.mu.Unlock()

	price := decimal.Zero
	cfg := eng.Config()
	if cfg.Venue == venue && cfg.Symbol == symbol {
		if ticker, err := eng.Ticker(ctx); err == nil {
			price = ticker.Last
		}
	}
	return ok("minimum requirements", o.validator.MinimumFor(venue, symbol, price))
}

// RecentActions exposes the audit log tail.
func (o *Orchestrator) RecentActions(ctx context.Context, limit int) Result {
	if o.db == nil {
		return fail("action log not configured")
	}
	entries, err := o.db.RecentActions(ctx, limit)
	if err != nil {
		return fail(err.Error())
	}
	return ok("actions", entries)
}
