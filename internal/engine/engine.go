// Package engine implements the grid reconciliation loop. The engine owns
// the mapping from grid levels to live venue orders and drives it toward the
// configured grid across fills, venue flakiness and operator changes.
//
// Concurrency model: one goroutine runs the loop and is the only writer to
// the active-orders map while running. Operator mutations are posted to a
// command queue and execute at tick boundaries, never mid-tick. When the
// loop is not running, mutations run inline under the engine mutex.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/grid"
	"gridbot/internal/state"
	"gridbot/internal/storage"
	"gridbot/internal/validator"
	"gridbot/pkg/concurrency"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	defaultInterval = 5 * time.Second
	maxBackoff      = 10 * time.Second
	rateLimitPause  = 2 * time.Second
	// Stop waits this long for the loop to drain before forcing cancel-all.
	drainTimeout = 15 * time.Second
)

type command struct {
	apply func(ctx context.Context) error
	done  chan error
}

// Engine is the reconciliation engine.
type Engine struct {
	cfg       *core.GridConfig
	exchange  core.Exchange
	validator *validator.Validator
	store     *state.Store
	journal   core.Journal
	manual    *storage.ManualSyncFile
	logger    core.Logger
	pool      *concurrency.WorkerPool
	metrics   *telemetry.MetricsHolder

	interval time.Duration

	mu       sync.Mutex
	levels   []decimal.Decimal
	zoneMap  map[int]grid.ZoneInfo
	active   map[string]*core.LiveOrder // venue order id -> order
	deferred map[int]bool               // levels filled last tick, re-place next tick
	running  bool

	commands chan command
	stopCh   chan struct{}
	doneCh   chan struct{}

	baseAsset  string
	quoteAsset string
}

// Option configures the engine.
type Option func(*Engine)

// WithInterval overrides the reconciliation period.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithJournal attaches a durable order/fill journal.
func WithJournal(j core.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithManualSync attaches the operator side-channel sidecar.
func WithManualSync(m *storage.ManualSyncFile) Option {
	return func(e *Engine) { e.manual = m }
}

// WithPool attaches a worker pool used for batch cancellation.
func WithPool(p *concurrency.WorkerPool) Option {
	return func(e *Engine) { e.pool = p }
}

// NewEngine creates an engine bound to one venue and one grid config.
func NewEngine(cfg *core.GridConfig, exchange core.Exchange, v *validator.Validator, store *state.Store, logger core.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg.Clone(),
		exchange:  exchange,
		validator: v,
		store:     store,
		logger:    logger.WithField("component", "engine"),
		metrics:   telemetry.GetGlobalMetrics(),
		interval:  defaultInterval,
		active:    make(map[string]*core.LiveOrder),
		deferred:  make(map[int]bool),
		commands:  make(chan command),
	}
	for _, opt := range opts {
		opt(e)
	}

	levels, err := grid.ComputeLevels(cfg.Lower, cfg.Upper, cfg.NLevels, cfg.Spacing)
	if err != nil {
		return nil, err
	}
	e.levels = levels
	e.zoneMap = grid.BuildZoneMap(cfg.NLevels, cfg.Zones)

	parts := strings.SplitN(cfg.Symbol, "_", 2)
	if len(parts) == 2 {
		e.quoteAsset, e.baseAsset = parts[0], parts[1]
	} else {
		e.baseAsset = cfg.Symbol
	}

	return e, nil
}

// Init loads venue metadata and feeds the validator. Called once before the
// first Start.
func (e *Engine) Init(ctx context.Context) error {
	markets, err := e.exchange.LoadMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	e.validator.UpdateFromMarkets(e.cfg.Venue, markets)

	if m, ok := markets[e.cfg.Symbol]; ok {
		if !m.Active {
			return fmt.Errorf("%w: market %s is not active", apperrors.ErrInvalidSymbol, e.cfg.Symbol)
		}
		// Venue metadata beats the symbol-name heuristic: concatenated
		// symbols like BTCUSDT carry no separator to split on.
		if m.Base != "" {
			e.baseAsset = m.Base
		}
		if m.Quote != "" {
			e.quoteAsset = m.Quote
		}
	}
	e.logger.Info("engine initialized",
		"venue", e.cfg.Venue, "symbol", e.cfg.Symbol, "levels", len(e.levels))
	return nil
}

// Exchange returns the venue adapter the engine drives.
func (e *Engine) Exchange() core.Exchange {
	return e.exchange
}

// Config returns a copy of the grid config.
func (e *Engine) Config() *core.GridConfig {
	return e.cfg.Clone()
}

// Levels returns the computed level prices.
func (e *Engine) Levels() []decimal.Decimal {
	return append([]decimal.Decimal(nil), e.levels...)
}

// ZoneMap returns a copy of the per-level zone assignment.
func (e *Engine) ZoneMap() map[int]grid.ZoneInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := make(map[int]grid.ZoneInfo, len(e.zoneMap))
	for k, v := range e.zoneMap {
		m[k] = v
	}
	return m
}

// ActiveOrders returns copies of the live orders.
func (e *Engine) ActiveOrders() []*core.LiveOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	orders := make([]*core.LiveOrder, 0, len(e.active))
	for _, o := range e.active {
		orders = append(orders, o.Clone())
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].LevelIndex < orders[j].LevelIndex })
	return orders
}

// IsRunning reports whether the loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) runningState() core.BotState {
	if e.cfg.Mode == core.ModeSimulated {
		return core.StateSimRunning
	}
	return core.StateRunning
}

// Start runs one adoption tick synchronously, then enters the loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine already running", apperrors.ErrIllegalState)
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	e.store.SetBotState(core.StateStarting)

	e.mu.Lock()
	e.mergeManualSyncLocked()
	err := e.tickLocked(ctx)
	e.mu.Unlock()

	if err != nil && apperrors.IsFatal(err) {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.store.SetError(err.Error())
		return err
	}
	if err != nil {
		// Transient startup failure: the loop retries with backoff.
		e.logger.Warn("startup tick failed, loop will retry", "error", err)
	}

	go e.loop()
	e.store.SetBotState(e.runningState())
	e.logger.Info("engine started")
	return nil
}

// Stop drains the loop, then cancels every resting order. Bounded: if the
// loop does not exit within drainTimeout, cancel-all runs anyway.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine not running", apperrors.ErrIllegalState)
	}
	e.running = false
	close(e.stopCh)
	done := e.doneCh
	e.mu.Unlock()

	e.store.SetBotState(core.StateStopping)

	select {
	case <-done:
	case <-time.After(drainTimeout):
		e.logger.Warn("loop did not drain in time, forcing cancel-all")
	}

	e.mu.Lock()
	e.cancelAllLocked(ctx)
	e.mu.Unlock()

	e.store.SetBotState(core.StateStopped)
	e.logger.Info("engine stopped")
	return nil
}

// Reset stops the loop if needed and cancels everything. With clearPositions
// the inventory and PnL snapshots are zeroed as well.
func (e *Engine) Reset(ctx context.Context, clearPositions bool) error {
	e.mu.Lock()
	wasRunning := e.running
	if wasRunning {
		e.running = false
		close(e.stopCh)
	}
	done := e.doneCh
	e.mu.Unlock()

	if wasRunning {
		select {
		case <-done:
		case <-time.After(drainTimeout):
		}
	}

	e.mu.Lock()
	e.cancelAllLocked(ctx)
	e.mu.Unlock()

	e.store.Reset(clearPositions)
	e.store.SetBotState(core.StateStopped)
	e.logger.Info("engine reset", "clear_positions", clearPositions)
	return nil
}

// Close stops the loop if needed and releases the adapter.
func (e *Engine) Close(ctx context.Context) error {
	if e.IsRunning() {
		if err := e.Stop(ctx); err != nil {
			e.logger.Warn("stop during close failed", "error", err)
		}
	}
	return e.exchange.Close()
}

// submit runs fn serialized against the tick: through the command queue when
// the loop is live, inline otherwise.
func (e *Engine) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	e.mu.Lock()
	if !e.running {
		defer e.mu.Unlock()
		return fn(ctx)
	}
	stop := e.stopCh
	done := e.doneCh
	e.mu.Unlock()

	cmd := command{apply: fn, done: make(chan error, 1)}
	select {
	case e.commands <- cmd:
	case <-stop:
		return fmt.Errorf("%w: engine stopping", apperrors.ErrIllegalState)
	case <-done:
		return fmt.Errorf("%w: engine loop exited", apperrors.ErrIllegalState)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ticker returns the venue's current price snapshot for the engine's symbol.
func (e *Engine) Ticker(ctx context.Context) (*core.Ticker, error) {
	return e.exchange.FetchTicker(ctx, e.cfg.Symbol)
}

// ApplyConfig hot-applies zone and size changes from next. Changes that need
// a restart are rejected.
func (e *Engine) ApplyConfig(ctx context.Context, next *core.GridConfig) error {
	return e.submit(ctx, func(ctx context.Context) error {
		if err := next.Validate(); err != nil {
			return err
		}
		if e.cfg.RequiresRestart(next) {
			return fmt.Errorf("%w: config change requires restart", apperrors.ErrIllegalState)
		}
		e.cfg.SizePerLevel = next.SizePerLevel
		e.cfg.Zones = append([]core.Zone(nil), next.Zones...)
		e.zoneMap = grid.BuildZoneMap(e.cfg.NLevels, e.cfg.Zones)
		e.cancelDisabledLocked(ctx)
		e.publishLevelsLocked()
		e.logger.Info("config hot-applied",
			"size_per_level", e.cfg.SizePerLevel.String(), "zones", len(e.cfg.Zones))
		return nil
	})
}

// CancelOrderID cancels one tracked order by its venue id.
func (e *Engine) CancelOrderID(ctx context.Context, venueOrderID string) error {
	return e.submit(ctx, func(ctx context.Context) error {
		o, ok := e.active[venueOrderID]
		if !ok || o.Status != core.OrderOpen {
			return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, venueOrderID)
		}
		if err := e.cancelOrderLocked(ctx, venueOrderID, o); err != nil {
			return err
		}
		e.publishLevelsLocked()
		return nil
	})
}

// ToggleZone enables or disables every level in the zone. Disabling cancels
// the zone's open orders on the next tick boundary.
func (e *Engine) ToggleZone(ctx context.Context, zoneID int, enabled bool) error {
	return e.submit(ctx, func(ctx context.Context) error {
		touched := 0
		for idx, info := range e.zoneMap {
			if info.ZoneID != zoneID {
				continue
			}
			info.Enabled = enabled
			e.zoneMap[idx] = info
			touched++
		}
		if touched == 0 {
			return fmt.Errorf("%w: zone %d", apperrors.ErrOrderNotFound, zoneID)
		}

		if !enabled {
			e.cancelDisabledLocked(ctx)
		}
		e.publishLevelsLocked()
		e.logger.Info("zone toggled", "zone_id", zoneID, "enabled", enabled, "levels", touched)
		return nil
	})
}

// CancelLevel cancels the open order at one level.
func (e *Engine) CancelLevel(ctx context.Context, levelIndex int) error {
	return e.submit(ctx, func(ctx context.Context) error {
		if levelIndex < 0 || levelIndex >= len(e.levels) {
			return fmt.Errorf("%w: level %d", apperrors.ErrInvalidGrid, levelIndex)
		}
		for id, o := range e.active {
			if o.LevelIndex != levelIndex || o.Status != core.OrderOpen {
				continue
			}
			if err := e.cancelOrderLocked(ctx, id, o); err != nil {
				return err
			}
			e.publishLevelsLocked()
			return nil
		}
		return fmt.Errorf("%w: no open order at level %d", apperrors.ErrOrderNotFound, levelIndex)
	})
}

// EnableLevel places an order at one level immediately, outside the normal
// convergence path.
func (e *Engine) EnableLevel(ctx context.Context, levelIndex int) error {
	return e.submit(ctx, func(ctx context.Context) error {
		if levelIndex < 0 || levelIndex >= len(e.levels) {
			return fmt.Errorf("%w: level %d", apperrors.ErrInvalidGrid, levelIndex)
		}
		if info := e.zoneMap[levelIndex]; !info.Enabled {
			return fmt.Errorf("%w: zone for level %d is disabled", apperrors.ErrIllegalState, levelIndex)
		}
		if e.levelOccupiedLocked(levelIndex) {
			return fmt.Errorf("%w: level %d already has an open order", apperrors.ErrIllegalState, levelIndex)
		}

		ticker, err := e.exchange.FetchTicker(ctx, e.cfg.Symbol)
		if err != nil {
			return err
		}
		side := grid.DetermineSide(e.levels[levelIndex], ticker.Last, grid.DefaultSideTolerance)
		if side == core.SideSkip {
			return fmt.Errorf("%w: level %d sits at the mid price", apperrors.ErrIllegalState, levelIndex)
		}
		if err := e.placeLevelLocked(ctx, levelIndex, side); err != nil {
			return err
		}
		e.publishLevelsLocked()
		return nil
	})
}

// AdoptExternal merges operator-supplied live orders into the active map,
// snapping each to the nearest level. Adoption is idempotent: known ids and
// occupied levels are skipped. The set is persisted to the manual-sync
// sidecar for the next startup.
func (e *Engine) AdoptExternal(ctx context.Context, orders []core.ExternalOrder) error {
	return e.submit(ctx, func(ctx context.Context) error {
		adopted := e.adoptLocked(orders)
		if e.manual != nil {
			if err := e.manual.Save(orders); err != nil {
				e.logger.Warn("manual sync sidecar write failed", "error", err)
			}
		}
		e.publishLevelsLocked()
		e.logger.Info("external orders adopted", "supplied", len(orders), "adopted", adopted)
		return nil
	})
}

// adoptLocked snaps and inserts external orders. Caller holds e.mu.
func (e *Engine) adoptLocked(orders []core.ExternalOrder) int {
	adopted := 0
	for _, ext := range orders {
		if _, known := e.active[ext.ID]; known {
			continue
		}
		idx := grid.Snap(ext.Price, e.levels)
		if e.levelOccupiedLocked(idx) {
			e.logger.Warn("adoption skipped, level occupied", "order_id", ext.ID, "level", idx)
			continue
		}
		e.active[ext.ID] = &core.LiveOrder{
			LevelIndex:   idx,
			ZoneID:       e.zoneMap[idx].ZoneID,
			Side:         ext.Side,
			Price:        ext.Price,
			Size:         ext.Amount,
			VenueOrderID: ext.ID,
			Status:       core.OrderOpen,
		}
		adopted++
	}
	return adopted
}

// mergeManualSyncLocked folds the sidecar into the active map before the
// first tick. Caller holds e.mu.
func (e *Engine) mergeManualSyncLocked() {
	if e.manual == nil {
		return
	}
	orders, err := e.manual.Load()
	if err != nil {
		e.logger.Warn("manual sync sidecar unreadable", "error", err)
		return
	}
	if len(orders) == 0 {
		return
	}
	adopted := e.adoptLocked(orders)
	e.logger.Info("manual sync orders merged", "adopted", adopted)
}

// loop runs ticks at the configured interval, applying queued operator
// commands at tick boundaries and backing off on transient failure.
func (e *Engine) loop() {
	defer close(e.doneCh)

	ctx := context.Background()
	delay := e.interval

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return

		case cmd := <-e.commands:
			e.mu.Lock()
			err := cmd.apply(ctx)
			e.mu.Unlock()
			cmd.done <- err

		case <-timer.C:
			e.mu.Lock()
			err := e.tickLocked(ctx)
			e.mu.Unlock()

			switch {
			case err == nil:
				delay = e.interval
			case apperrors.IsFatal(err):
				e.logger.Error("fatal adapter error, stopping loop", "error", err)
				e.store.SetError(err.Error())
				e.mu.Lock()
				e.running = false
				e.mu.Unlock()
				return
			case apperrors.Classify(err) == apperrors.KindRateLimited:
				e.logger.Warn("rate limited, pausing", "pause", rateLimitPause)
				delay = rateLimitPause
			default:
				delay = delay * 2
				if delay > maxBackoff {
					delay = maxBackoff
				}
				e.logger.Warn("tick failed, backing off", "delay", delay, "error", err)
			}
			timer.Reset(delay)
		}
	}
}

// tickLocked runs one reconciliation pass. Caller holds e.mu. Step order:
// snapshot, outage guard, fill detection, adoption, zone cancels, placement,
// publish. Cancels always precede places; a level filled in this tick is
// re-placed on the NEXT tick.
func (e *Engine) tickLocked(ctx context.Context) error {
	deferredPrev := e.deferred
	e.deferred = make(map[int]bool)

	fetchStart := time.Now()
	snapshot, err := e.exchange.FetchOpenOrders(ctx, e.cfg.Symbol)
	if e.metrics.LatencyExchange != nil {
		e.metrics.LatencyExchange.Record(ctx, float64(time.Since(fetchStart).Microseconds())/1000)
	}
	if err != nil {
		e.deferred = deferredPrev
		return fmt.Errorf("snapshot: %w", err)
	}

	// API-outage guard: an empty list while orders are tracked is far more
	// likely a venue glitch than a simultaneous fill of everything.
	if len(snapshot) == 0 && len(e.active) > 0 {
		e.deferred = deferredPrev
		e.logger.Warn("venue returned no orders while tracking some, skipping tick",
			"tracked", len(e.active))
		if e.metrics.TicksSkippedTotal != nil {
			e.metrics.TicksSkippedTotal.Add(ctx, 1)
		}
		return nil
	}

	snapIDs := make(map[string]bool, len(snapshot))
	for _, o := range snapshot {
		snapIDs[o.ID] = true
	}

	// Fill detection: a tracked open order absent from the snapshot filled.
	// Realized PnL accrues the signed quote delta of each fill.
	realizedDelta := decimal.Zero
	for id, o := range e.active {
		if o.Status != core.OrderOpen || snapIDs[id] {
			continue
		}
		o.Status = core.OrderFilled
		e.logger.Info("fill detected", "order_id", id, "level", o.LevelIndex, "side", o.Side)
		if e.journal != nil {
			e.journal.RecordFill(ctx, o.Clone())
			e.journal.RecordOrder(ctx, o.Clone())
		}
		if e.metrics.OrdersFilledTotal != nil {
			e.metrics.OrdersFilledTotal.Add(ctx, 1)
		}
		quote := o.Price.Mul(o.Size)
		if o.Side == core.SideBuy {
			quote = quote.Neg()
		}
		realizedDelta = realizedDelta.Add(quote)
		delete(e.active, id)
		e.deferred[o.LevelIndex] = true
	}
	if !realizedDelta.IsZero() {
		e.store.AddRealizedPnL(realizedDelta)
		if e.metrics.PnLRealizedTotal != nil {
			e.metrics.PnLRealizedTotal.Add(ctx, realizedDelta.InexactFloat64())
		}
	}

	// Adoption: unknown venue orders snap to their nearest level.
	for _, so := range snapshot {
		if _, known := e.active[so.ID]; known {
			continue
		}
		idx := grid.Snap(so.Price, e.levels)
		if e.levelOccupiedLocked(idx) {
			e.logger.Warn("duplicate venue order at occupied level", "order_id", so.ID, "level", idx)
			continue
		}
		e.active[so.ID] = &core.LiveOrder{
			LevelIndex:   idx,
			ZoneID:       e.zoneMap[idx].ZoneID,
			Side:         so.Side,
			Price:        so.Price,
			Size:         so.Amount,
			VenueOrderID: so.ID,
			Status:       core.OrderOpen,
		}
		e.logger.Info("venue order adopted", "order_id", so.ID, "level", idx)
	}

	// Zone disables: cancel anything resting in a disabled level.
	e.cancelDisabledLocked(ctx)

	// Convergence: place the missing orders, skipping levels that just
	// filled so the venue has a tick to settle.
	ticker, err := e.exchange.FetchTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}

	for i := range e.levels {
		if !e.zoneMap[i].Enabled || e.deferred[i] || e.levelOccupiedLocked(i) {
			continue
		}
		side := grid.DetermineSide(e.levels[i], ticker.Last, grid.DefaultSideTolerance)
		if side == core.SideSkip {
			continue
		}
		if err := e.placeLevelLocked(ctx, i, side); err != nil {
			if apperrors.IsFatal(err) {
				return err
			}
			e.logger.Warn("placement failed, retrying next tick", "level", i, "error", err)
		}
	}

	e.publishLevelsLocked()
	e.updatePnL(ctx, ticker)

	if e.metrics.ReconcileTicksTotal != nil {
		e.metrics.ReconcileTicksTotal.Add(ctx, 1)
	}
	return nil
}

func (e *Engine) levelOccupiedLocked(idx int) bool {
	for _, o := range e.active {
		if o.LevelIndex == idx && o.Status == core.OrderOpen {
			return true
		}
	}
	return false
}

// placeLevelLocked quantizes, validates and places one order. Validator
// rejections are per-level and silent beyond a log line.
func (e *Engine) placeLevelLocked(ctx context.Context, idx int, side core.Side) error {
	price := e.validator.RoundPrice(e.cfg.Venue, e.cfg.Symbol, e.levels[idx])
	size := e.validator.RoundSize(e.cfg.Venue, e.cfg.Symbol, e.cfg.SizePerLevel)

	if violations := e.validator.Validate(e.cfg.Venue, e.cfg.Symbol, price, size); len(violations) > 0 {
		e.logger.Warn("order rejected by validator",
			"level", idx, "price", price.String(), "size", size.String(),
			"violations", fmt.Sprintf("%v", violations))
		return nil
	}

	result, err := e.exchange.PlaceLimitOrder(ctx, e.cfg.Symbol, side, price, size)
	if err != nil {
		return err
	}
	if result.Status == core.PlaceRejected {
		e.logger.Warn("venue rejected order", "level", idx)
		return nil
	}

	order := &core.LiveOrder{
		LevelIndex:   idx,
		ZoneID:       e.zoneMap[idx].ZoneID,
		Side:         side,
		Price:        price,
		Size:         size,
		VenueOrderID: result.VenueOrderID,
		Status:       core.OrderOpen,
	}
	e.active[result.VenueOrderID] = order
	if e.journal != nil {
		e.journal.RecordOrder(ctx, order.Clone())
	}
	if e.metrics.OrdersPlacedTotal != nil {
		e.metrics.OrdersPlacedTotal.Add(ctx, 1)
	}
	return nil
}

// cancelOrderLocked cancels one order, tolerating NotFound.
func (e *Engine) cancelOrderLocked(ctx context.Context, id string, o *core.LiveOrder) error {
	err := e.exchange.CancelOrder(ctx, id, e.cfg.Symbol)
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	o.Status = core.OrderCancelled
	if e.journal != nil {
		e.journal.RecordOrder(ctx, o.Clone())
	}
	if e.metrics.OrdersCancelledTotal != nil {
		e.metrics.OrdersCancelledTotal.Add(ctx, 1)
	}
	delete(e.active, id)
	return nil
}

// cancelDisabledLocked cancels open orders whose level is disabled.
func (e *Engine) cancelDisabledLocked(ctx context.Context) {
	for id, o := range e.active {
		if o.Status != core.OrderOpen || e.zoneMap[o.LevelIndex].Enabled {
			continue
		}
		if err := e.cancelOrderLocked(ctx, id, o); err != nil {
			e.logger.Warn("zone-disable cancel failed", "order_id", id, "error", err)
		}
	}
}

// cancelAllLocked implements best-effort teardown: cancel every order the
// venue reports, then every tracked order the venue did not report, then
// clear the map and publish an empty level set.
func (e *Engine) cancelAllLocked(ctx context.Context) {
	var venueIDs map[string]bool

	snapshot, err := e.exchange.FetchOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("cancel-all snapshot failed", "error", err)
	} else {
		venueIDs = make(map[string]bool, len(snapshot))
		cancelled := e.cancelBatch(ctx, snapshot)
		for _, o := range snapshot {
			venueIDs[o.ID] = true
		}
		e.logger.Info("venue orders cancelled", "count", cancelled)
	}

	// Locally tracked orders the venue did not list get a cancel anyway;
	// failures downgrade them to unknown rather than block the teardown.
	for id, o := range e.active {
		if o.Status != core.OrderOpen || venueIDs[id] {
			continue
		}
		if err := e.exchange.CancelOrder(ctx, id, e.cfg.Symbol); err != nil && !apperrors.IsNotFound(err) {
			o.Status = core.OrderUnknown
			e.logger.Debug("cancel of untracked order failed", "order_id", id, "error", err)
		}
	}

	e.active = make(map[string]*core.LiveOrder)
	e.deferred = make(map[int]bool)
	e.store.SetActiveLevels(nil)
	e.metrics.SetActiveOrders(e.cfg.Symbol, 0)
}

// cancelBatch cancels a snapshot of orders, in parallel when a pool is
// attached. NotFound counts as success.
func (e *Engine) cancelBatch(ctx context.Context, orders []core.OpenOrder) int {
	if e.pool == nil {
		n := 0
		for _, o := range orders {
			if err := e.exchange.CancelOrder(ctx, o.ID, e.cfg.Symbol); err != nil && !apperrors.IsNotFound(err) {
				e.logger.Warn("cancel failed", "order_id", o.ID, "error", err)
				continue
			}
			n++
		}
		return n
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	n := 0
	for _, o := range orders {
		o := o
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if err := e.exchange.CancelOrder(ctx, o.ID, e.cfg.Symbol); err != nil && !apperrors.IsNotFound(err) {
				e.logger.Warn("cancel failed", "order_id", o.ID, "error", err)
				return
			}
			mu.Lock()
			n++
			mu.Unlock()
		}
		if err := e.pool.Submit(task); err != nil {
			wg.Done()
			e.logger.Warn("cancel task rejected by pool", "order_id", o.ID, "error", err)
		}
	}
	wg.Wait()
	return n
}

// publishLevelsLocked pushes the open level set to the state store.
func (e *Engine) publishLevelsLocked() {
	seen := make(map[int]bool)
	var levels []int
	for _, o := range e.active {
		if o.Status == core.OrderOpen && !seen[o.LevelIndex] {
			seen[o.LevelIndex] = true
			levels = append(levels, o.LevelIndex)
		}
	}
	sort.Ints(levels)
	e.store.SetActiveLevels(levels)
	e.metrics.SetActiveOrders(e.cfg.Symbol, int64(len(levels)))
}

// updatePnL refreshes the inventory and PnL snapshot. Unrealized PnL is the
// mark value of base holdings; realized accrues as the cumulative quote
// delta of observed fills and lives in the state store. Failures here never
// fail the tick.
func (e *Engine) updatePnL(ctx context.Context, ticker *core.Ticker) {
	balances, err := e.exchange.FetchBalance(ctx)
	if err != nil {
		e.logger.Warn("balance fetch failed", "error", err)
		return
	}

	inventory := make(map[string]decimal.Decimal, len(balances))
	for asset, b := range balances {
		inventory[asset] = b.Total
	}
	e.store.SetInventory(inventory)

	base := balances[e.baseAsset].Total
	unrealized := base.Mul(ticker.Last)
	realized := e.store.Snapshot().PnLRealized
	e.store.SetPnL(realized, unrealized)
	e.metrics.SetUnrealizedPnL(e.cfg.Symbol, unrealized.InexactFloat64())
}
