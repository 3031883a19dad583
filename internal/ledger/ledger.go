// Package ledger owns the portfolio: bankroll, positions and halted markets.
// It is the only component allowed to mutate them, and every mutation goes
// through a single critical section that re-validates the portfolio limits
// against current state, persists, then applies.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/risk"
	"github.com/atmx/edge-engine/internal/store"
)

var (
	// ErrStaleSnapshot is returned by Commit when the portfolio changed
	// since the decision was sized and the decision no longer fits. The
	// caller must re-size, not retry the same decision.
	ErrStaleSnapshot = errors.New("ledger: stale snapshot")

	// ErrInvariantViolation marks a logic defect: a mutation that would break
	// a portfolio invariant against the very state it was sized on.
	ErrInvariantViolation = errors.New("ledger: invariant violation")

	// ErrAlreadySettled is returned when settling or closing a position that
	// is not OPEN.
	ErrAlreadySettled = fmt.Errorf("%w: position is not open", ErrInvariantViolation)

	// ErrPositionNotFound is returned for unknown position IDs.
	ErrPositionNotFound = errors.New("ledger: position not found")

	// ErrNoOpenPosition is returned by SettleMarket when the ledger never
	// held a position in the market.
	ErrNoOpenPosition = errors.New("ledger: no open position for market")

	// ErrInvalidOutcome is returned for outcomes other than YES/NO and exit
	// prices outside [0, 1].
	ErrInvalidOutcome = errors.New("ledger: invalid outcome")
)

var one = decimal.NewFromInt(1)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now for position timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides uuid.NewString for position IDs.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithObserver registers a callback invoked, outside the lock, with every
// position that was opened, settled or closed.
func WithObserver(fn func(model.Position)) Option {
	return func(l *Ledger) { l.observers = append(l.observers, fn) }
}

// Ledger is the portfolio state machine. All methods are safe for concurrent
// use; mutations are serialized by one mutex.
type Ledger struct {
	mu        sync.Mutex
	store     store.Store
	guard     *risk.Guard
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	observers []func(model.Position)

	version   uint64
	bankroll  decimal.Decimal
	initial   decimal.Decimal
	positions []model.Position // every position ever opened, in open order
	index     map[string]int   // position ID → positions index
	halted    map[string]bool
}

// Open loads the persisted portfolio, or initialises a fresh one with
// initialBankroll when the store is empty.
func Open(ctx context.Context, st store.Store, guard *risk.Guard, initialBankroll decimal.Decimal, opts ...Option) (*Ledger, error) {
	if initialBankroll.IsNegative() {
		return nil, fmt.Errorf("%w: initial bankroll %s", ErrInvariantViolation, initialBankroll)
	}
	l := &Ledger{
		store:   st,
		guard:   guard,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		initial: initialBankroll,
		index:   make(map[string]int),
		halted:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}

	state, err := st.LoadPortfolio(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := st.SaveMutation(ctx, store.Mutation{Version: 1, Bankroll: initialBankroll}); err != nil {
			return nil, fmt.Errorf("initialise portfolio: %w", err)
		}
		l.version = 1
		l.bankroll = initialBankroll
		l.logger.Info("portfolio initialised", "bankroll", initialBankroll.StringFixed(2))
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("load portfolio: %w", err)
	}

	if state.Bankroll.IsNegative() {
		return nil, fmt.Errorf("%w: persisted bankroll %s", ErrInvariantViolation, state.Bankroll)
	}
	l.version = state.Version
	l.bankroll = state.Bankroll
	for _, p := range state.Positions {
		l.index[p.ID] = len(l.positions)
		l.positions = append(l.positions, p)
	}
	for _, id := range state.Halted {
		l.halted[id] = true
	}

	snap := l.snapshotLocked()
	if err := guard.CheckPortfolio(snap); err != nil {
		// Limits may have been tightened since the state was written; new
		// commits are still checked, existing positions are left to settle.
		l.logger.Warn("loaded portfolio exceeds current limits", "error", err)
	}
	l.logger.Info("portfolio loaded",
		"version", l.version,
		"bankroll", l.bankroll.StringFixed(2),
		"open", snap.OpenCount(),
		"exposure", snap.Exposure.StringFixed(2),
	)
	return l, nil
}

// Snapshot returns an immutable view for sizing.
func (l *Ledger) Snapshot() model.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		Version:            l.version,
		Bankroll:           l.bankroll,
		Exposure:           decimal.Zero,
		ExposureByCategory: make(map[model.Category]decimal.Decimal),
		Halted:             l.haltedListLocked(),
	}
	for _, p := range l.positions {
		if p.Status != model.StatusOpen {
			continue
		}
		snap.Exposure = snap.Exposure.Add(p.Stake)
		snap.ExposureByCategory[p.Category] = snap.ExposureByCategory[p.Category].Add(p.Stake)
		snap.Open = append(snap.Open, p)
	}
	return snap
}

func (l *Ledger) haltedListLocked() []string {
	if len(l.halted) == 0 {
		return nil
	}
	ids := make([]string, 0, len(l.halted))
	for id := range l.halted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns a copy of the full persisted-shape state.
func (l *Ledger) State() model.PortfolioState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.PortfolioState{
		Version:   l.version,
		Bankroll:  l.bankroll,
		Positions: append([]model.Position(nil), l.positions...),
		Halted:    l.haltedListLocked(),
	}
}

// Position returns one position by ID.
func (l *Ledger) Position(id string) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return model.Position{}, false
	}
	return l.positions[i], true
}

// Positions returns positions with the given status, or all when status is
// empty, in open order.
func (l *Ledger) Positions(status model.PositionStatus) []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	return out
}

// Commit opens a position for a sized, non-vetoed decision. The limits are
// re-checked against current state inside the critical section. Bankroll is
// not debited; the stake counts toward exposure until settlement.
func (l *Ledger) Commit(ctx context.Context, d model.SizingDecision) (model.Position, error) {
	if d.Vetoed() || !d.Stake.IsPositive() {
		return model.Position{}, fmt.Errorf("%w: commit of vetoed or empty decision for %s (veto=%q stake=%s)",
			ErrInvariantViolation, d.MarketID, d.Veto, d.Stake)
	}
	if !d.Side.Valid() || !(d.Price > 0 && d.Price < 1) || math.IsNaN(d.Price) {
		return model.Position{}, fmt.Errorf("%w: side %q price %v for %s",
			ErrInvariantViolation, d.Side, d.Price, d.MarketID)
	}

	l.mu.Lock()
	pos, err := l.commitLocked(ctx, d)
	l.mu.Unlock()

	if err == nil {
		l.notify(pos)
	}
	return pos, err
}

func (l *Ledger) commitLocked(ctx context.Context, d model.SizingDecision) (model.Position, error) {
	snap := l.snapshotLocked()
	if err := l.guard.Check(snap, d); err != nil {
		if snap.Version != d.SnapshotVersion {
			return model.Position{}, fmt.Errorf("%w: sized at v%d, now v%d: %w",
				ErrStaleSnapshot, d.SnapshotVersion, snap.Version, err)
		}
		l.haltLocked(ctx, d.MarketID, err)
		return model.Position{}, fmt.Errorf("%w: %s at v%d: %w", ErrInvariantViolation, d.MarketID, snap.Version, err)
	}

	pos := model.Position{
		ID:         l.newID(),
		MarketID:   d.MarketID,
		Category:   d.Category,
		Side:       d.Side,
		EntryPrice: decimal.NewFromFloat(d.Price),
		Stake:      d.Stake,
		OpenedAt:   l.now().UTC(),
		Status:     model.StatusOpen,
	}
	if _, dup := l.index[pos.ID]; dup {
		return model.Position{}, fmt.Errorf("%w: duplicate position id %s", ErrInvariantViolation, pos.ID)
	}

	if err := l.persistLocked(ctx, l.bankroll, l.haltedListLocked(), &pos); err != nil {
		return model.Position{}, fmt.Errorf("persist commit %s: %w", d.MarketID, err)
	}
	l.index[pos.ID] = len(l.positions)
	l.positions = append(l.positions, pos)

	l.logger.Info("position opened",
		"position_id", pos.ID,
		"market_id", pos.MarketID,
		"side", pos.Side,
		"entry_price", pos.EntryPrice.String(),
		"stake", pos.Stake.StringFixed(2),
		"version", l.version,
	)
	return pos, nil
}

// Settle moves an OPEN position to RESOLVED_WIN or RESOLVED_LOSS and applies
// the payoff to bankroll.
func (l *Ledger) Settle(ctx context.Context, positionID string, resolved model.Side) (model.Position, error) {
	if !resolved.Valid() {
		return model.Position{}, fmt.Errorf("%w: resolved side %q", ErrInvalidOutcome, resolved)
	}

	l.mu.Lock()
	pos, err := l.settleLocked(ctx, positionID, resolved)
	l.mu.Unlock()

	if err == nil {
		l.notify(pos)
	}
	return pos, err
}

// SettleMarket settles the OPEN position of a market. A market the ledger
// never held returns ErrNoOpenPosition; a market whose positions are all
// terminal returns ErrAlreadySettled and is halted.
func (l *Ledger) SettleMarket(ctx context.Context, marketID string, resolved model.Side) (model.Position, error) {
	if !resolved.Valid() {
		return model.Position{}, fmt.Errorf("%w: resolved side %q", ErrInvalidOutcome, resolved)
	}

	l.mu.Lock()
	id, last := "", ""
	for _, p := range l.positions {
		if p.MarketID != marketID {
			continue
		}
		last = p.ID
		if p.Status == model.StatusOpen {
			id = p.ID
			break
		}
	}
	switch {
	case id == "" && last == "":
		l.mu.Unlock()
		return model.Position{}, fmt.Errorf("%w: %s", ErrNoOpenPosition, marketID)
	case id == "":
		// openPositionLocked halts the market and returns ErrAlreadySettled.
		_, err := l.openPositionLocked(ctx, last)
		l.mu.Unlock()
		return model.Position{}, fmt.Errorf("settle %s as %s: %w", marketID, resolved, err)
	}
	pos, err := l.settleLocked(ctx, id, resolved)
	l.mu.Unlock()

	if err == nil {
		l.notify(pos)
	}
	return pos, err
}

func (l *Ledger) settleLocked(ctx context.Context, positionID string, resolved model.Side) (model.Position, error) {
	p, err := l.openPositionLocked(ctx, positionID)
	if err != nil {
		return model.Position{}, err
	}

	var pnl decimal.Decimal
	if p.Side == resolved {
		p.Status = model.StatusResolvedWin
		pnl = WinPayoff(p.Stake, p.EntryPrice)
	} else {
		p.Status = model.StatusResolvedLoss
		pnl = p.Stake.Neg()
	}
	return l.finishLocked(ctx, p, pnl)
}

// Close exits an OPEN position early at exitPrice (price of the held leg)
// and realises stake × (exit/entry − 1).
func (l *Ledger) Close(ctx context.Context, positionID string, exitPrice float64) (model.Position, error) {
	if math.IsNaN(exitPrice) || exitPrice < 0 || exitPrice > 1 {
		return model.Position{}, fmt.Errorf("%w: exit price %v", ErrInvalidOutcome, exitPrice)
	}

	l.mu.Lock()
	pos, err := func() (model.Position, error) {
		p, err := l.openPositionLocked(ctx, positionID)
		if err != nil {
			return model.Position{}, err
		}
		p.Status = model.StatusClosedEarly
		pnl := p.Stake.Mul(decimal.NewFromFloat(exitPrice)).Div(p.EntryPrice).Sub(p.Stake).Round(2)
		return l.finishLocked(ctx, p, pnl)
	}()
	l.mu.Unlock()

	if err == nil {
		l.notify(pos)
	}
	return pos, err
}

// openPositionLocked fetches a position that must be OPEN. A second
// settlement of the same position is a defect and halts its market.
func (l *Ledger) openPositionLocked(ctx context.Context, positionID string) (model.Position, error) {
	i, ok := l.index[positionID]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	p := l.positions[i]
	if p.Status != model.StatusOpen {
		err := fmt.Errorf("%w: %s is %s", ErrAlreadySettled, positionID, p.Status)
		l.haltLocked(ctx, p.MarketID, err)
		return model.Position{}, err
	}
	return p, nil
}

// finishLocked applies a terminal transition with its realised PnL.
func (l *Ledger) finishLocked(ctx context.Context, p model.Position, pnl decimal.Decimal) (model.Position, error) {
	bankroll := l.bankroll.Add(pnl)
	if bankroll.IsNegative() {
		err := fmt.Errorf("%w: settling %s would leave bankroll %s", ErrInvariantViolation, p.ID, bankroll)
		l.haltLocked(ctx, p.MarketID, err)
		return model.Position{}, err
	}

	closedAt := l.now().UTC()
	p.RealizedPnL = decimal.NewNullDecimal(pnl)
	p.ClosedAt = &closedAt

	if err := l.persistLocked(ctx, bankroll, l.haltedListLocked(), &p); err != nil {
		return model.Position{}, fmt.Errorf("persist %s of %s: %w", p.Status, p.ID, err)
	}
	l.bankroll = bankroll
	l.positions[l.index[p.ID]] = p

	l.logger.Info("position closed",
		"position_id", p.ID,
		"market_id", p.MarketID,
		"status", p.Status,
		"pnl", pnl.StringFixed(2),
		"bankroll", bankroll.StringFixed(2),
		"version", l.version,
	)
	return p, nil
}

// WinPayoff is the net profit of a winning stake bought at entry:
// stake × (1/entry − 1), rounded to cents.
func WinPayoff(stake, entry decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return stake.Mul(one.Div(entry).Sub(one)).Round(2)
}

// Resume clears an operator halt on a market. Resuming a market that is not
// halted is a no-op.
func (l *Ledger) Resume(ctx context.Context, marketID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.halted[marketID] {
		return nil
	}
	halted := make([]string, 0, len(l.halted)-1)
	for _, id := range l.haltedListLocked() {
		if id != marketID {
			halted = append(halted, id)
		}
	}
	if err := l.persistLocked(ctx, l.bankroll, halted, nil); err != nil {
		return fmt.Errorf("persist resume %s: %w", marketID, err)
	}
	delete(l.halted, marketID)
	l.logger.Warn("market resumed by operator", "market_id", marketID, "version", l.version)
	return nil
}

// haltLocked stops trading on a market after an invariant violation. The
// halt is applied in memory even if it cannot be persisted; the next
// successful mutation carries it to the store.
func (l *Ledger) haltLocked(ctx context.Context, marketID string, cause error) {
	l.logger.Error("invariant violation, halting market",
		"market_id", marketID,
		"version", l.version,
		"error", cause,
	)
	if l.halted[marketID] {
		return
	}
	halted := append(l.haltedListLocked(), marketID)
	sort.Strings(halted)
	if err := l.persistLocked(ctx, l.bankroll, halted, nil); err != nil {
		l.logger.Error("persist halt failed", "market_id", marketID, "error", err)
	}
	l.halted[marketID] = true
}

// persistLocked writes the next version. On success the in-memory version
// is advanced; the caller applies the rest.
func (l *Ledger) persistLocked(ctx context.Context, bankroll decimal.Decimal, halted []string, p *model.Position) error {
	next := l.version + 1
	if err := l.store.SaveMutation(ctx, store.Mutation{
		Version:  next,
		Bankroll: bankroll,
		Halted:   halted,
		Position: p,
	}); err != nil {
		return err
	}
	l.version = next
	return nil
}

func (l *Ledger) notify(p model.Position) {
	for _, fn := range l.observers {
		fn(p)
	}
}
