package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hozunlee/bit-moon/internal/models"

	_ "github.com/lib/pq"           // postgres driver, PRODUCTION mode
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver, TEST mode
)

// Store is the system of record: grid state, trade log, balance history and
// per-asset control flags, plus the session marker. The same schema and
// query surface back both sqlite3 and postgres; queries are written with `?`
// placeholders and rebound for postgres.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database for the given driver ("sqlite3" or
// "postgres") and creates the tables if they do not exist.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// A single writer connection avoids SQLITE_BUSY across workers.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts `?` placeholders to `$n` for postgres. The sqlite driver
// takes the query unchanged.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) createTables() error {
	var ddl []string
	if s.driver == "postgres" {
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS coin_config (
				ticker TEXT PRIMARY KEY,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				budget_krw DOUBLE PRECISION NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS grid (
				id SERIAL PRIMARY KEY,
				ticker TEXT NOT NULL,
				grid_level INTEGER NOT NULL,
				buy_price_target DOUBLE PRECISION NOT NULL,
				sell_price_target DOUBLE PRECISION NOT NULL,
				order_krw_amount DOUBLE PRECISION NOT NULL,
				is_bought BOOLEAN NOT NULL DEFAULT FALSE,
				actual_bought_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
				actual_buy_fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (ticker, grid_level)
			)`,
			`CREATE TABLE IF NOT EXISTS trades (
				id SERIAL PRIMARY KEY,
				ticker TEXT NOT NULL,
				buy_sell TEXT NOT NULL,
				grid_level INTEGER NOT NULL,
				price DOUBLE PRECISION NOT NULL,
				amount DOUBLE PRECISION NOT NULL,
				volume DOUBLE PRECISION NOT NULL,
				fee DOUBLE PRECISION NOT NULL DEFAULT 0,
				profit DOUBLE PRECISION,
				profit_percentage DOUBLE PRECISION,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS balance_history (
				id SERIAL PRIMARY KEY,
				ticker TEXT NOT NULL,
				krw_balance DOUBLE PRECISION NOT NULL,
				coin_balance DOUBLE PRECISION NOT NULL,
				coin_avg_price DOUBLE PRECISION NOT NULL,
				total_assets DOUBLE PRECISION NOT NULL,
				current_price DOUBLE PRECISION NOT NULL,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS session (
				id SERIAL PRIMARY KEY,
				started_at TIMESTAMPTZ NOT NULL
			)`,
		}
	} else {
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS coin_config (
				ticker TEXT PRIMARY KEY,
				is_active BOOLEAN NOT NULL DEFAULT 1,
				budget_krw REAL NOT NULL DEFAULT 0,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS grid (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ticker TEXT NOT NULL,
				grid_level INTEGER NOT NULL,
				buy_price_target REAL NOT NULL,
				sell_price_target REAL NOT NULL,
				order_krw_amount REAL NOT NULL,
				is_bought BOOLEAN NOT NULL DEFAULT 0,
				actual_bought_volume REAL NOT NULL DEFAULT 0,
				actual_buy_fill_price REAL NOT NULL DEFAULT 0,
				timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (ticker, grid_level)
			)`,
			`CREATE TABLE IF NOT EXISTS trades (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ticker TEXT NOT NULL,
				buy_sell TEXT NOT NULL,
				grid_level INTEGER NOT NULL,
				price REAL NOT NULL,
				amount REAL NOT NULL,
				volume REAL NOT NULL,
				fee REAL NOT NULL DEFAULT 0,
				profit REAL,
				profit_percentage REAL,
				timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS balance_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ticker TEXT NOT NULL,
				krw_balance REAL NOT NULL,
				coin_balance REAL NOT NULL,
				coin_avg_price REAL NOT NULL,
				total_assets REAL NOT NULL,
				current_price REAL NOT NULL,
				timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS session (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				started_at TIMESTAMP NOT NULL
			)`,
		}
	}

	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// EnsureCoinControl inserts a default control row (active, no budget
// ceiling) for the ticker if none exists yet.
func (s *Store) EnsureCoinControl(ticker string) error {
	query := s.rebind(`
	INSERT INTO coin_config (ticker, is_active, budget_krw, updated_at)
	VALUES (?, ?, 0, ?)
	ON CONFLICT (ticker) DO NOTHING`)

	_, err := s.db.Exec(query, ticker, true, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure coin_config for %s: %w", ticker, err)
	}
	return nil
}

// GetCoinControl returns the control row for the ticker, or nil if none
// exists. A missing row is not an application error.
func (s *Store) GetCoinControl(ticker string) (*models.CoinControl, error) {
	query := s.rebind(`
	SELECT ticker, is_active, budget_krw, updated_at
	FROM coin_config WHERE ticker = ?`)

	var cc models.CoinControl
	err := s.db.QueryRow(query, ticker).Scan(&cc.Ticker, &cc.IsActive, &cc.BudgetKRW, &cc.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read coin_config for %s: %w", ticker, err)
	}
	return &cc, nil
}

// ListCoinControls returns the control rows for every known ticker.
func (s *Store) ListCoinControls() ([]*models.CoinControl, error) {
	rows, err := s.db.Query(`SELECT ticker, is_active, budget_krw, updated_at FROM coin_config ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("failed to list coin_config: %w", err)
	}
	defer rows.Close()

	var controls []*models.CoinControl
	for rows.Next() {
		var cc models.CoinControl
		if err := rows.Scan(&cc.Ticker, &cc.IsActive, &cc.BudgetKRW, &cc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan coin_config row: %w", err)
		}
		controls = append(controls, &cc)
	}
	return controls, rows.Err()
}

// SetActive toggles trading for the ticker. Fails if no control row exists.
func (s *Store) SetActive(ticker string, active bool) error {
	query := s.rebind(`UPDATE coin_config SET is_active = ?, updated_at = ? WHERE ticker = ?`)

	res, err := s.db.Exec(query, active, time.Now().UTC(), ticker)
	if err != nil {
		return fmt.Errorf("failed to update is_active for %s: %w", ticker, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no coin_config row for %s", ticker)
	}
	return nil
}

// SetBudget sets the capital ceiling for the ticker. Zero or negative means
// unconstrained. Fails if no control row exists.
func (s *Store) SetBudget(ticker string, budgetKRW float64) error {
	query := s.rebind(`UPDATE coin_config SET budget_krw = ?, updated_at = ? WHERE ticker = ?`)

	res, err := s.db.Exec(query, budgetKRW, time.Now().UTC(), ticker)
	if err != nil {
		return fmt.Errorf("failed to update budget_krw for %s: %w", ticker, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no coin_config row for %s", ticker)
	}
	return nil
}

// SaveGridLevel upserts one grid level keyed by (ticker, grid_level). The
// latest row per level is the authoritative state, never an appended
// duplicate.
func (s *Store) SaveGridLevel(level *models.GridLevel) error {
	query := s.rebind(`
	INSERT INTO grid (ticker, grid_level, buy_price_target, sell_price_target, order_krw_amount, is_bought, actual_bought_volume, actual_buy_fill_price, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (ticker, grid_level) DO UPDATE SET
		buy_price_target = excluded.buy_price_target,
		sell_price_target = excluded.sell_price_target,
		order_krw_amount = excluded.order_krw_amount,
		is_bought = excluded.is_bought,
		actual_bought_volume = excluded.actual_bought_volume,
		actual_buy_fill_price = excluded.actual_buy_fill_price,
		timestamp = excluded.timestamp`)

	_, err := s.db.Exec(query,
		level.Ticker, level.Level, level.BuyPriceTarget, level.SellPriceTarget,
		level.OrderAmount, level.IsBought, level.FilledVolume, level.FillPrice,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save grid level %s/%d: %w", level.Ticker, level.Level, err)
	}
	return nil
}

// GridLevels returns the persisted grid for the ticker ordered by level.
func (s *Store) GridLevels(ticker string) ([]*models.GridLevel, error) {
	query := s.rebind(`
	SELECT ticker, grid_level, buy_price_target, sell_price_target, order_krw_amount, is_bought, actual_bought_volume, actual_buy_fill_price, timestamp
	FROM grid WHERE ticker = ? ORDER BY grid_level`)

	rows, err := s.db.Query(query, ticker)
	if err != nil {
		return nil, fmt.Errorf("failed to query grid for %s: %w", ticker, err)
	}
	defer rows.Close()

	var levels []*models.GridLevel
	for rows.Next() {
		var l models.GridLevel
		if err := rows.Scan(
			&l.Ticker, &l.Level, &l.BuyPriceTarget, &l.SellPriceTarget,
			&l.OrderAmount, &l.IsBought, &l.FilledVolume, &l.FillPrice, &l.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan grid row: %w", err)
		}
		levels = append(levels, &l)
	}
	return levels, rows.Err()
}

// InvestedCapital sums order_krw_amount over the currently bought levels of
// the ticker. This is the durable figure the budget guard checks against.
func (s *Store) InvestedCapital(ticker string) (float64, error) {
	query := s.rebind(`
	SELECT COALESCE(SUM(order_krw_amount), 0) FROM grid
	WHERE ticker = ? AND is_bought = ?`)

	var invested float64
	if err := s.db.QueryRow(query, ticker, true).Scan(&invested); err != nil {
		return 0, fmt.Errorf("failed to sum invested capital for %s: %w", ticker, err)
	}
	return invested, nil
}

// SaveTrade appends one trade record. Profit columns are NULL on buys.
func (s *Store) SaveTrade(t *models.Trade) error {
	query := s.rebind(`
	INSERT INTO trades (ticker, buy_sell, grid_level, price, amount, volume, fee, profit, profit_percentage, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	var profit, profitPct interface{}
	if t.Side == models.Sell {
		profit = t.Profit
		profitPct = t.ProfitPct
	}

	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.Exec(query,
		t.Ticker, string(t.Side), t.Level, t.Price, t.Amount, t.Volume, t.Fee,
		profit, profitPct, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to save trade for %s: %w", t.Ticker, err)
	}
	return nil
}

// Trades returns the most recent trades for the ticker, newest first.
func (s *Store) Trades(ticker string, limit int) ([]*models.Trade, error) {
	query := s.rebind(`
	SELECT id, ticker, buy_sell, grid_level, price, amount, volume, fee, profit, profit_percentage, timestamp
	FROM trades WHERE ticker = ? ORDER BY id DESC LIMIT ?`)

	rows, err := s.db.Query(query, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for %s: %w", ticker, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// TradesSince returns the trades recorded at or after the given time in
// chronological order, used for session reporting.
func (s *Store) TradesSince(ticker string, since time.Time) ([]*models.Trade, error) {
	query := s.rebind(`
	SELECT id, ticker, buy_sell, grid_level, price, amount, volume, fee, profit, profit_percentage, timestamp
	FROM trades WHERE ticker = ? AND timestamp >= ? ORDER BY id`)

	rows, err := s.db.Query(query, ticker, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for %s: %w", ticker, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]*models.Trade, error) {
	var trades []*models.Trade
	for rows.Next() {
		var t models.Trade
		var side string
		var profit, profitPct sql.NullFloat64
		if err := rows.Scan(
			&t.ID, &t.Ticker, &side, &t.Level, &t.Price, &t.Amount, &t.Volume,
			&t.Fee, &profit, &profitPct, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Side = models.Side(side)
		t.Profit = profit.Float64
		t.ProfitPct = profitPct.Float64
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// SaveBalance appends one balance snapshot.
func (s *Store) SaveBalance(b *models.BalanceSnapshot) error {
	query := s.rebind(`
	INSERT INTO balance_history (ticker, krw_balance, coin_balance, coin_avg_price, total_assets, current_price, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)`)

	ts := b.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.Exec(query,
		b.Ticker, b.KRWBalance, b.CoinBalance, b.CoinAvgPrice, b.TotalAssets, b.CurrentPrice, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to save balance snapshot for %s: %w", b.Ticker, err)
	}
	return nil
}

// Balances returns the most recent snapshots for the ticker, newest first.
func (s *Store) Balances(ticker string, limit int) ([]*models.BalanceSnapshot, error) {
	query := s.rebind(`
	SELECT id, ticker, krw_balance, coin_balance, coin_avg_price, total_assets, current_price, timestamp
	FROM balance_history WHERE ticker = ? ORDER BY id DESC LIMIT ?`)

	rows, err := s.db.Query(query, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance history for %s: %w", ticker, err)
	}
	defer rows.Close()

	var snaps []*models.BalanceSnapshot
	for rows.Next() {
		var b models.BalanceSnapshot
		if err := rows.Scan(
			&b.ID, &b.Ticker, &b.KRWBalance, &b.CoinBalance, &b.CoinAvgPrice,
			&b.TotalAssets, &b.CurrentPrice, &b.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		snaps = append(snaps, &b)
	}
	return snaps, rows.Err()
}

// StartSession records the session marker read by the dashboard for uptime.
func (s *Store) StartSession(startedAt time.Time) error {
	query := s.rebind(`INSERT INTO session (started_at) VALUES (?)`)
	if _, err := s.db.Exec(query, startedAt.UTC()); err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// LastSession returns the start time of the most recent session, or the zero
// time if no session was ever recorded.
func (s *Store) LastSession() (time.Time, error) {
	var started time.Time
	err := s.db.QueryRow(`SELECT started_at FROM session ORDER BY id DESC LIMIT 1`).Scan(&started)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read last session: %w", err)
	}
	return started, nil
}
