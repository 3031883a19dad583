package main

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/atmx/edge-engine/internal/ledger"
	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/store"
)

// printStatus writes the portfolio summary and the open positions. When st
// is Redis-cached, the shared version marker is reported alongside.
func printStatus(ctx context.Context, w io.Writer, l *ledger.Ledger, st store.Store) error {
	s := l.Stats()
	fmt.Fprintf(w, "\nPortfolio v%d\n", s.Version)
	if cs, ok := st.(*store.CachedStore); ok {
		if v, ok := cs.Version(ctx); !ok {
			fmt.Fprintln(w, "Redis version marker: unset")
		} else if v != s.Version {
			fmt.Fprintf(w, "Redis version marker: v%d (another engine has written since load)\n", v)
		} else {
			fmt.Fprintf(w, "Redis version marker: v%d\n", v)
		}
	}

	summary := tablewriter.NewWriter(w)
	summary.Header("Bankroll", "Initial", "Exposure", "Open", "Closed", "W/L", "Win rate", "Realized PnL")
	summary.Append(
		"$"+s.Bankroll.StringFixed(2),
		"$"+s.InitialBankroll.StringFixed(2),
		"$"+s.Exposure.StringFixed(2),
		fmt.Sprintf("%d", s.OpenPositions),
		fmt.Sprintf("%d", s.ClosedTrades),
		fmt.Sprintf("%d/%d", s.Wins, s.Losses),
		fmt.Sprintf("%.1f%%", s.WinRate*100),
		"$"+s.RealizedPnL.StringFixed(2),
	)
	if err := summary.Render(); err != nil {
		return err
	}

	if len(s.Halted) > 0 {
		fmt.Fprintf(w, "Halted markets: %v\n", s.Halted)
	}

	open := l.Positions(model.StatusOpen)
	if len(open) == 0 {
		fmt.Fprintln(w, "No open positions.")
		return nil
	}
	positions := tablewriter.NewWriter(w)
	positions.Header("Market", "Category", "Side", "Entry", "Stake", "Opened")
	for _, p := range open {
		positions.Append(
			p.MarketID,
			string(p.Category),
			string(p.Side),
			p.EntryPrice.StringFixed(3),
			"$"+p.Stake.StringFixed(2),
			p.OpenedAt.Format("2006-01-02 15:04"),
		)
	}
	return positions.Render()
}
