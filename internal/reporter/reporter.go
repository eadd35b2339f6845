package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/hozunlee/bit-moon/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
)

// Store provides the trade log the reporter summarizes.
type Store interface {
	TradesSince(ticker string, since time.Time) ([]*models.Trade, error)
}

// Summary aggregates one asset's activity over a session.
type Summary struct {
	Ticker       string
	TradeCount   int
	Buys         int
	Sells        int
	WinningSells int
	Fees         float64
	Profit       float64
}

// WinRate is the share of sells that realized a positive profit, in
// percent. Zero when no sell completed.
func (s Summary) WinRate() float64 {
	if s.Sells == 0 {
		return 0
	}
	return float64(s.WinningSells) / float64(s.Sells) * 100
}

// Summarize folds a trade log into one Summary.
func Summarize(ticker string, trades []*models.Trade) Summary {
	s := Summary{Ticker: ticker}
	for _, t := range trades {
		s.TradeCount++
		s.Fees += t.Fee
		switch t.Side {
		case models.Buy:
			s.Buys++
		case models.Sell:
			s.Sells++
			s.Profit += t.Profit
			if t.Profit > 0 {
				s.WinningSells++
			}
		}
	}
	return s
}

// Reporter renders the end-of-session summary from the persisted trade log.
type Reporter struct {
	store  Store
	out    io.Writer
	logger *zap.SugaredLogger
}

// New creates a reporter writing its table to out.
func New(store Store, out io.Writer, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{store: store, out: out, logger: logger}
}

// PrintSessionSummary renders one row per ticker covering the trades
// recorded since the session started, plus a totals footer.
func (r *Reporter) PrintSessionSummary(tickers []string, since time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle("session summary since %s", since.Format("2006-01-02 15:04:05"))
	t.AppendHeader(table.Row{"Ticker", "Trades", "Buys", "Sells", "Fees (KRW)", "Profit (KRW)", "Win Rate"})

	var total Summary
	for _, ticker := range tickers {
		trades, err := r.store.TradesSince(ticker, since)
		if err != nil {
			r.logger.Warnf("session summary for %s skipped: %v", ticker, err)
			continue
		}
		s := Summarize(ticker, trades)
		t.AppendRow(table.Row{
			s.Ticker, s.TradeCount, s.Buys, s.Sells,
			fmt.Sprintf("%.2f", s.Fees),
			fmt.Sprintf("%+.0f", s.Profit),
			fmt.Sprintf("%.1f%%", s.WinRate()),
		})

		total.TradeCount += s.TradeCount
		total.Buys += s.Buys
		total.Sells += s.Sells
		total.WinningSells += s.WinningSells
		total.Fees += s.Fees
		total.Profit += s.Profit
	}

	t.AppendFooter(table.Row{
		"TOTAL", total.TradeCount, total.Buys, total.Sells,
		fmt.Sprintf("%.2f", total.Fees),
		fmt.Sprintf("%+.0f", total.Profit),
		fmt.Sprintf("%.1f%%", total.WinRate()),
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}
