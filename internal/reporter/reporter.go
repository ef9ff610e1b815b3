// Package reporter computes and renders the end-of-session performance
// summary from the completed trade log.
package reporter

import (
	"io"
	"time"

	"options-breakout-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics holds the session performance figures.
type Metrics struct {
	Symbol        string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalProfit   float64
	AvgProfit     float64
	BestTrade     float64
	WorstTrade    float64
	ProfitByLeg   map[string]float64
	StartTime     time.Time
	EndTime       time.Time
}

// Calculate derives session metrics from the trade log.
func Calculate(symbol string, trades []models.CompletedTrade, start, end time.Time) *Metrics {
	m := &Metrics{
		Symbol:      symbol,
		TotalTrades: len(trades),
		ProfitByLeg: make(map[string]float64),
		StartTime:   start,
		EndTime:     end,
	}
	for i, t := range trades {
		m.TotalProfit += t.Profit
		m.ProfitByLeg[t.Leg] += t.Profit
		if t.Profit > 0 {
			m.WinningTrades++
		} else if t.Profit < 0 {
			m.LosingTrades++
		}
		if i == 0 || t.Profit > m.BestTrade {
			m.BestTrade = t.Profit
		}
		if i == 0 || t.Profit < m.WorstTrade {
			m.WorstTrade = t.Profit
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
		m.AvgProfit = m.TotalProfit / float64(m.TotalTrades)
	}
	return m
}

// Render writes the session report table to w.
func Render(w io.Writer, m *Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Session Report - %s", m.Symbol)
	t.SetStyle(table.StyleLight)
	t.Style().Title.Align = text.AlignCenter

	t.AppendRows([]table.Row{
		{"Session", m.StartTime.Format("2006-01-02 15:04") + " to " + m.EndTime.Format("15:04")},
		{"Total exits", m.TotalTrades},
		{"Winners / Losers", text.FgGreen.Sprintf("%d", m.WinningTrades) + " / " + text.FgRed.Sprintf("%d", m.LosingTrades)},
		{"Win rate", formatPct(m.WinRate)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Total P&L", formatUSD(m.TotalProfit)},
		{"Average per exit", formatUSD(m.AvgProfit)},
		{"Best exit", formatUSD(m.BestTrade)},
		{"Worst exit", formatUSD(m.WorstTrade)},
	})
	if len(m.ProfitByLeg) > 0 {
		t.AppendSeparator()
		for _, leg := range []string{"take_profit", "partial_sell", "stop_loss", "flatten"} {
			if p, ok := m.ProfitByLeg[leg]; ok {
				t.AppendRow(table.Row{"P&L via " + leg, formatUSD(p)})
			}
		}
	}
	t.Render()
}

func formatUSD(v float64) string {
	if v >= 0 {
		return text.FgGreen.Sprintf("%.2f USD", v)
	}
	return text.FgRed.Sprintf("%.2f USD", v)
}

func formatPct(v float64) string {
	return text.FgCyan.Sprintf("%.1f%%", v)
}
