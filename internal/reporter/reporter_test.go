package reporter

import (
	"bytes"
	"testing"
	"time"

	"options-breakout-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func trade(leg string, profit float64) models.CompletedTrade {
	return models.CompletedTrade{
		Symbol: "SPY",
		Leg:    leg,
		Profit: profit,
	}
}

func TestCalculate(t *testing.T) {
	trades := []models.CompletedTrade{
		trade("take_profit", 1000),
		trade("partial_sell", 50),
		trade("stop_loss", -900),
		trade("flatten", -25),
	}
	m := Calculate("SPY", trades, time.Now().Add(-6*time.Hour), time.Now())

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.InDelta(t, 50.0, m.WinRate, 1e-9)
	assert.InDelta(t, 125.0, m.TotalProfit, 1e-9)
	assert.InDelta(t, 1000.0, m.BestTrade, 1e-9)
	assert.InDelta(t, -900.0, m.WorstTrade, 1e-9)
	assert.InDelta(t, 1000.0, m.ProfitByLeg["take_profit"], 1e-9)
	assert.InDelta(t, -900.0, m.ProfitByLeg["stop_loss"], 1e-9)
}

func TestCalculateEmptySession(t *testing.T) {
	m := Calculate("SPY", nil, time.Now(), time.Now())
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.TotalProfit)
}

func TestRenderMentionsKeyFigures(t *testing.T) {
	trades := []models.CompletedTrade{trade("take_profit", 1000)}
	m := Calculate("SPY", trades, time.Now(), time.Now())

	var buf bytes.Buffer
	Render(&buf, m)
	out := buf.String()

	assert.Contains(t, out, "SPY")
	assert.Contains(t, out, "Total P&L")
	assert.Contains(t, out, "1000.00 USD")
	assert.Contains(t, out, "take_profit")
}
