package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/edge-engine/internal/model"
)

// PostgresSchema creates the portfolio tables. Monetary values are NUMERIC
// for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS portfolio (
    id       SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    version  BIGINT   NOT NULL,
    bankroll NUMERIC  NOT NULL CHECK (bankroll >= 0),
    halted   JSONB    NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS positions (
    id           UUID PRIMARY KEY,
    market_id    TEXT        NOT NULL,
    category     TEXT        NOT NULL,
    side         TEXT        NOT NULL,
    entry_price  NUMERIC     NOT NULL,
    stake        NUMERIC     NOT NULL CHECK (stake > 0),
    opened_at    TIMESTAMPTZ NOT NULL,
    status       TEXT        NOT NULL,
    realized_pnl NUMERIC,
    closed_at    TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_market
    ON positions (market_id) WHERE status = 'OPEN';
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

func (s *PostgresStore) LoadPortfolio(ctx context.Context) (*model.PortfolioState, error) {
	var st model.PortfolioState
	var bankroll string
	var halted []byte

	err := s.pool.QueryRow(ctx,
		`SELECT version, bankroll::TEXT, halted FROM portfolio WHERE id = 1`).
		Scan(&st.Version, &bankroll, &halted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load portfolio: %w", err)
	}
	st.Bankroll, _ = decimal.NewFromString(bankroll)
	if err := json.Unmarshal(halted, &st.Halted); err != nil {
		return nil, fmt.Errorf("decode halted markets: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, market_id, category, side,
		        entry_price::TEXT, stake::TEXT, opened_at, status,
		        realized_pnl::TEXT, closed_at
		 FROM positions ORDER BY opened_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	st.Positions, err = scanPositions(rows)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) SaveMutation(ctx context.Context, m Mutation) error {
	halted, err := json.Marshal(nonNil(m.Halted))
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Version 1 creates the row; later versions must follow the stored one.
	portfolioSQL := `UPDATE portfolio SET version = $1, bankroll = $2::NUMERIC, halted = $3
		 WHERE id = 1 AND version = $1 - 1`
	if m.Version == 1 {
		portfolioSQL = `INSERT INTO portfolio (id, version, bankroll, halted)
		 VALUES (1, $1, $2::NUMERIC, $3) ON CONFLICT (id) DO NOTHING`
	}
	tag, err := tx.Exec(ctx, portfolioSQL, m.Version, m.Bankroll.String(), halted)
	if err != nil {
		return fmt.Errorf("save portfolio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: version %d", ErrVersionConflict, m.Version)
	}

	if p := m.Position; p != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (id, market_id, category, side, entry_price, stake, opened_at, status, realized_pnl, closed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9::NUMERIC, $10)
			 ON CONFLICT (id) DO UPDATE
			 SET status = EXCLUDED.status, realized_pnl = EXCLUDED.realized_pnl, closed_at = EXCLUDED.closed_at`,
			p.ID, p.MarketID, string(p.Category), string(p.Side),
			p.EntryPrice.String(), p.Stake.String(), p.OpenedAt, string(p.Status),
			nullDecimalString(p.RealizedPnL), p.ClosedAt,
		)
		if err != nil {
			return fmt.Errorf("save position %s: %w", p.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// rowScanner is the subset of pgx.Rows and *sql.Rows used by scanPositions.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanPositions reads position rows. Decimal columns arrive as text.
func scanPositions(rows rowScanner) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var category, side, status, entry, stake string
		var pnl *string
		var closedAt *time.Time

		if err := rows.Scan(&p.ID, &p.MarketID, &category, &side,
			&entry, &stake, &p.OpenedAt, &status, &pnl, &closedAt); err != nil {
			return nil, err
		}

		p.Category = model.Category(category)
		p.Side = model.Side(side)
		p.Status = model.PositionStatus(status)
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.Stake, _ = decimal.NewFromString(stake)
		if pnl != nil {
			v, _ := decimal.NewFromString(*pnl)
			p.RealizedPnL = decimal.NewNullDecimal(v)
		}
		p.ClosedAt = closedAt

		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func nullDecimalString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
