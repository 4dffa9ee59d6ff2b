// Package storage persists intent, never liveness: the action log, order
// and trade journals and the config history survive restarts but the venue
// stays authoritative for which orders are actually open.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gridbot/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS action_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	user        TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	params_json TEXT NOT NULL DEFAULT '{}',
	result      TEXT NOT NULL DEFAULT '',
	mode        TEXT NOT NULL DEFAULT '',
	venue       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS orders (
	venue_order_id TEXT PRIMARY KEY,
	level_index    INTEGER NOT NULL,
	zone_id        INTEGER NOT NULL,
	side           TEXT NOT NULL,
	price          TEXT NOT NULL,
	size           TEXT NOT NULL,
	status         TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	venue          TEXT NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	venue_order_id TEXT NOT NULL,
	level_index    INTEGER NOT NULL,
	side           TEXT NOT NULL,
	price          TEXT NOT NULL,
	size           TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	venue          TEXT NOT NULL,
	ts             INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS config_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	config_json TEXT NOT NULL,
	ts          INTEGER NOT NULL
);
`

// ActionEntry is one append-only action log row.
type ActionEntry struct {
	Ts     int64  `json:"ts"`
	User   string `json:"user"`
	Action string `json:"action"`
	Params string `json:"params_json"`
	Result string `json:"result"`
	Mode   string `json:"mode"`
	Venue  string `json:"venue"`
}

// TradeRow is one recorded fill.
type TradeRow struct {
	VenueOrderID string
	LevelIndex   int
	Side         core.Side
	Price        decimal.Decimal
	Size         decimal.Decimal
	Symbol       string
	Venue        string
	Ts           int64
}

// SQLiteStore is the durable journal backing the engine and the operator
// surface. Writes are best-effort from the engine's point of view; the
// Journal wrapper swallows errors so a broken disk never stalls a tick.
type SQLiteStore struct {
	db     *sql.DB
	symbol string
	venue  string
	mode   string
	logger core.Logger
}

// NewSQLiteStore opens (and creates if needed) the database in WAL mode.
func NewSQLiteStore(dbPath, symbol, venue, mode string, logger core.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		symbol: symbol,
		venue:  venue,
		mode:   mode,
		logger: logger.WithField("component", "storage"),
	}, nil
}

// LogAction appends one action log row.
func (s *SQLiteStore) LogAction(ctx context.Context, user, action string, params interface{}, result string) error {
	paramsJSON := "{}"
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			paramsJSON = string(data)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log (ts, user, action, params_json, result, mode, venue) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), user, action, paramsJSON, result, s.mode, s.venue)
	if err != nil {
		return fmt.Errorf("failed to log action: %w", err)
	}
	return nil
}

// RecentActions returns the newest action log rows, newest first.
func (s *SQLiteStore) RecentActions(ctx context.Context, limit int) ([]ActionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, user, action, params_json, result, mode, venue FROM action_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read action log: %w", err)
	}
	defer rows.Close()

	var entries []ActionEntry
	for rows.Next() {
		var e ActionEntry
		if err := rows.Scan(&e.Ts, &e.User, &e.Action, &e.Params, &e.Result, &e.Mode, &e.Venue); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveOrder upserts a LiveOrder mirror row.
func (s *SQLiteStore) SaveOrder(ctx context.Context, order *core.LiveOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (venue_order_id, level_index, zone_id, side, price, size, status, symbol, venue, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue_order_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		order.VenueOrderID, order.LevelIndex, order.ZoneID, string(order.Side),
		order.Price.String(), order.Size.String(), string(order.Status),
		s.symbol, s.venue, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// SaveTrade appends a fill row.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t TradeRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (venue_order_id, level_index, side, price, size, symbol, venue, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.VenueOrderID, t.LevelIndex, string(t.Side), t.Price.String(), t.Size.String(),
		t.Symbol, t.Venue, t.Ts)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// SaveConfig appends a config history row.
func (s *SQLiteStore) SaveConfig(ctx context.Context, cfg *core.GridConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config_history (config_json, ts) VALUES (?, ?)`,
		string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// LatestConfig returns the newest stored grid config, or nil when none.
func (s *SQLiteStore) LatestConfig(ctx context.Context) (*core.GridConfig, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT config_json FROM config_history ORDER BY id DESC LIMIT 1`).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config history: %w", err)
	}

	var cfg core.GridConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// RecordOrder implements core.Journal. Errors are logged, never surfaced.
func (s *SQLiteStore) RecordOrder(ctx context.Context, order *core.LiveOrder) {
	if err := s.SaveOrder(ctx, order); err != nil {
		s.logger.Warn("order journal write failed", "order_id", order.VenueOrderID, "error", err)
	}
}

// RecordFill implements core.Journal.
func (s *SQLiteStore) RecordFill(ctx context.Context, order *core.LiveOrder) {
	err := s.SaveTrade(ctx, TradeRow{
		VenueOrderID: order.VenueOrderID,
		LevelIndex:   order.LevelIndex,
		Side:         order.Side,
		Price:        order.Price,
		Size:         order.Size,
		Symbol:       s.symbol,
		Venue:        s.venue,
		Ts:           time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Warn("trade journal write failed", "order_id", order.VenueOrderID, "error", err)
	}
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
