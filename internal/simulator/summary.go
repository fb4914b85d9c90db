package simulator

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"

	"tickpipe-go/internal/risk"
)

// Summary renders the final statistics, open positions and rejection reasons.
func (s *Simulator) Summary(w io.Writer) {
	stats := s.Snapshot()
	executed, rejected := s.ledger.Counts()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.AppendBulk([][]string{
		{"run", stats.RunID},
		{"equity", money(stats.Equity)},
		{"cash", money(stats.Cash)},
		{"realized pnl", money(stats.RealizedPnL)},
		{"unrealized pnl", money(stats.UnrealizedPnL)},
		{"fees", money(stats.Fees)},
		{"trades", fmt.Sprintf("%d", stats.TradeCount)},
		{"win rate", fmt.Sprintf("%.1f%%", stats.WinRate*100)},
		{"max drawdown", fmt.Sprintf("%.2f%%", stats.MaxDrawdown*100)},
		{"signals executed", fmt.Sprintf("%d", executed)},
		{"signals rejected", fmt.Sprintf("%d", rejected)},
	})
	if stats.Halted {
		_, err := s.Halted()
		table.Append([]string{"halted", fmt.Sprint(err)})
	}
	table.Render()

	if len(stats.OpenPositions) > 0 {
		positions := tablewriter.NewWriter(w)
		positions.SetHeader([]string{"Symbol", "Side", "Qty", "Avg Entry", "Mark", "Unrealized"})
		for _, p := range stats.OpenPositions {
			positions.Append([]string{
				p.Symbol, p.Side,
				fmt.Sprintf("%.8f", p.Qty),
				money(p.AvgEntry), money(p.Mark), money(p.Unrealized),
			})
		}
		positions.Render()
	}

	reasons := s.Rejections()
	if len(reasons) == 0 {
		return
	}
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	rejections := tablewriter.NewWriter(w)
	rejections.SetHeader([]string{"Rejection", "Count"})
	for _, k := range keys {
		rejections.Append([]string{k, fmt.Sprintf("%d", reasons[risk.Reason(k)])})
	}
	rejections.Render()
}

func money(v float64) string { return fmt.Sprintf("%.2f", v) }
