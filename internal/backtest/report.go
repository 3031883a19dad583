package backtest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
)

// Render prints the summary table, and the last n trades when n > 0.
func (r *Report) Render(w io.Writer, n int) error {
	fmt.Fprintf(w, "\nBacktest: %d windows, %d trades\n", r.Windows, len(r.Trades))

	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	table.Append("Trades", fmt.Sprintf("%d", len(r.Trades)))
	table.Append("Wins", fmt.Sprintf("%d", r.Wins))
	table.Append("Losses", fmt.Sprintf("%d", r.Losses))
	table.Append("Win rate", fmt.Sprintf("%.1f%%", r.WinRate*100))
	table.Append("Total PnL", "$"+r.TotalPnL.StringFixed(2))
	table.Append("Initial bankroll", "$"+r.InitialBankroll.StringFixed(2))
	table.Append("Final bankroll", "$"+r.FinalBankroll.StringFixed(2))
	table.Append("Return", fmt.Sprintf("%+.2f%%", r.ReturnPct))
	table.Append("Avg edge", fmt.Sprintf("%+.4f", r.AvgEdge))
	table.Append("Avg Kelly", fmt.Sprintf("%.4f", r.AvgKelly))
	table.Append("Max drawdown", fmt.Sprintf("%.1f%%", r.MaxDrawdown*100))
	if err := table.Render(); err != nil {
		return err
	}

	if n <= 0 || len(r.Trades) == 0 {
		return nil
	}
	trades := r.Trades
	if len(trades) > n {
		trades = trades[len(trades)-n:]
	}
	fmt.Fprintf(w, "\nLast %d trades\n", len(trades))
	tt := tablewriter.NewWriter(w)
	tt.Header("Opened", "Target", "Side", "P(yes)", "Mkt", "Edge", "Stake", "PnL", "Bankroll")
	for _, t := range trades {
		tt.Append(
			t.OpenedAt.UTC().Format("01-02 15:04"),
			fmt.Sprintf("%s %.2f", t.Comparison, t.Target),
			string(t.Side),
			fmt.Sprintf("%.3f", t.Probability),
			fmt.Sprintf("%.3f", t.MarketPrice),
			fmt.Sprintf("%+.3f", t.Edge),
			t.Stake.StringFixed(2),
			t.PnL.StringFixed(2),
			t.Bankroll.StringFixed(2),
		)
	}
	return tt.Render()
}

// WriteJSON saves the report with every trade to path.
func (r *Report) WriteJSON(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("backtest: create dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("backtest: encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("backtest: write report: %w", err)
	}
	return nil
}
