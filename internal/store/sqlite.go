package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/edge-engine/internal/model"
)

// Decimals are stored as TEXT so no precision is lost to REAL.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS portfolio (
    id       INTEGER PRIMARY KEY CHECK (id = 1),
    version  INTEGER NOT NULL,
    bankroll TEXT    NOT NULL,
    halted   TEXT    NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS positions (
    id           TEXT PRIMARY KEY,
    market_id    TEXT     NOT NULL,
    category     TEXT     NOT NULL,
    side         TEXT     NOT NULL,
    entry_price  TEXT     NOT NULL,
    stake        TEXT     NOT NULL,
    opened_at    DATETIME NOT NULL,
    status       TEXT     NOT NULL,
    realized_pnl TEXT,
    closed_at    DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_market
    ON positions (market_id) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_positions_opened ON positions (opened_at);
`

// SQLiteStore implements Store on a local SQLite file (pure Go, no CGo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadPortfolio(ctx context.Context) (*model.PortfolioState, error) {
	var st model.PortfolioState
	var version int64
	var bankroll, halted string

	err := s.db.QueryRowContext(ctx,
		`SELECT version, bankroll, halted FROM portfolio WHERE id = 1`).
		Scan(&version, &bankroll, &halted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load portfolio: %w", err)
	}
	st.Version = uint64(version)
	if st.Bankroll, err = decimal.NewFromString(bankroll); err != nil {
		return nil, fmt.Errorf("decode bankroll %q: %w", bankroll, err)
	}
	if err := json.Unmarshal([]byte(halted), &st.Halted); err != nil {
		return nil, fmt.Errorf("decode halted markets: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, market_id, category, side, entry_price, stake,
		        opened_at, status, realized_pnl, closed_at
		 FROM positions ORDER BY opened_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		positions[i].OpenedAt = positions[i].OpenedAt.UTC()
		if t := positions[i].ClosedAt; t != nil {
			utc := t.UTC()
			positions[i].ClosedAt = &utc
		}
	}
	st.Positions = positions
	return &st, nil
}

func (s *SQLiteStore) SaveMutation(ctx context.Context, m Mutation) error {
	halted, err := json.Marshal(nonNil(m.Halted))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var res sql.Result
	if m.Version == 1 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO portfolio (id, version, bankroll, halted) VALUES (1, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			int64(m.Version), m.Bankroll.String(), string(halted))
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE portfolio SET version = ?, bankroll = ?, halted = ?
			 WHERE id = 1 AND version = ?`,
			int64(m.Version), m.Bankroll.String(), string(halted), int64(m.Version-1))
	}
	if err != nil {
		return fmt.Errorf("save portfolio: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: version %d", ErrVersionConflict, m.Version)
	}

	if p := m.Position; p != nil {
		var closedAt any
		if p.ClosedAt != nil {
			closedAt = p.ClosedAt.UTC()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO positions (id, market_id, category, side, entry_price, stake, opened_at, status, realized_pnl, closed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE
			 SET status = excluded.status, realized_pnl = excluded.realized_pnl, closed_at = excluded.closed_at`,
			p.ID, p.MarketID, string(p.Category), string(p.Side),
			p.EntryPrice.String(), p.Stake.String(), p.OpenedAt.UTC(), string(p.Status),
			nullDecimalString(p.RealizedPnL), closedAt,
		)
		if err != nil {
			return fmt.Errorf("save position %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// compile-time checks
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
