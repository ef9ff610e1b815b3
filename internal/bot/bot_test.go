package bot

import (
	"io"
	"testing"
	"time"

	"options-breakout-bot-go/internal/broker"
	"options-breakout-bot-go/internal/eod"
	"options-breakout-bot-go/internal/journal"
	"options-breakout-bot-go/internal/lifecycle"
	"options-breakout-bot-go/internal/models"
	"options-breakout-bot-go/internal/strike"
	"options-breakout-bot-go/internal/trigger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedFeed replays a fixed bar sequence and then reports EOF.
type scriptedFeed struct {
	bars []models.Bar
	i    int
}

func (f *scriptedFeed) Next() (*models.Bar, error) {
	if f.i >= len(f.bars) {
		return nil, io.EOF
	}
	bar := f.bars[f.i]
	f.i++
	return &bar, nil
}

func (f *scriptedFeed) Close() error { return nil }

func sessionConfig() *models.Config {
	return &models.Config{
		Symbol:               "SPY",
		PositionUSD:          10000,
		Mode:                 "DUMMY",
		TakeProfitPct:        0.10,
		StopLossPct:          0.10,
		PartialSellPct:       0.90,
		EodTime:              "15:50",
		Timezone:             "UTC",
		LookbackBars:         12,
		MinWarmupBars:        3,
		BreakoutThreshold:    0.001,
		OTMThreshold:         1.0,
		StrikeStep:           1.0,
		ExpDaysAhead:         1,
		ContractMultiplier:   100,
		SubmitTimeoutSec:     1,
		ReconcileIntervalSec: 1,
		EodMaxRetries:        5,
		EodRetryBackoffMs:    20,
	}
}

func sessionBar(hour, minute int, open, high, low, close float64) models.Bar {
	return models.Bar{
		Timestamp: time.Date(2026, 8, 28, hour, minute, 0, 0, time.UTC),
		Open:      open, High: high, Low: low, Close: close, Volume: 1000,
	}
}

// A full session: quiet warm-up, one upside breakout, a holding bar, then the
// EOD cutoff. The session must end flat with no resting orders.
func TestSessionEntersAndEndsFlatAtEod(t *testing.T) {
	cfg := sessionConfig()
	venue := broker.NewDummyBroker(0, zap.NewNop().Sugar())
	defer venue.Close()

	bars := []models.Bar{
		sessionBar(10, 0, 400, 401, 399, 400),
		sessionBar(10, 5, 400, 401, 399, 400),
		sessionBar(10, 10, 400, 401, 399, 400),
		sessionBar(10, 15, 400, 401, 399, 400),
		sessionBar(10, 20, 400, 403, 400, 402), // breakout above 401*(1.001)
		sessionBar(10, 25, 402, 402.5, 401.5, 402),
		sessionBar(15, 50, 402, 402.5, 401.5, 402), // cutoff
	}

	detector := trigger.NewDetector(cfg.LookbackBars, cfg.MinWarmupBars, cfg.BreakoutThreshold)
	selector := strike.NewSelector(cfg.StrikeStep, cfg.OTMThreshold, cfg.ExpDaysAhead, time.UTC)
	manager := lifecycle.NewManager(cfg, selector, venue, journal.Nop{}, zap.NewNop().Sugar())
	supervisor, err := eod.NewSupervisor(cfg, venue, manager, time.UTC, zap.NewNop().Sugar())
	require.NoError(t, err)

	session := New(cfg, &scriptedFeed{bars: bars}, venue, detector, manager, supervisor, zap.NewNop().Sugar())
	require.NoError(t, session.Run())

	assert.True(t, supervisor.Triggered())
	assert.Equal(t, 0, manager.ActiveGroups())

	open, err := venue.GetOpenOrders()
	require.NoError(t, err)
	assert.Empty(t, open)

	// The breakout traded and was forced out at the cutoff.
	trades := manager.Trades()
	require.NotEmpty(t, trades)
	assert.Equal(t, string(models.LegFlatten), trades[len(trades)-1].Leg)
}

func TestStopRequestEndsSessionFlat(t *testing.T) {
	cfg := sessionConfig()
	venue := broker.NewDummyBroker(0, zap.NewNop().Sugar())
	defer venue.Close()

	// An endless quiet feed; only Stop can end this session.
	var bars []models.Bar
	for i := 0; i < 10000; i++ {
		bars = append(bars, sessionBar(10, 0, 400, 401, 399, 400))
	}
	cfg.BarIntervalSec = 0

	detector := trigger.NewDetector(cfg.LookbackBars, cfg.MinWarmupBars, cfg.BreakoutThreshold)
	selector := strike.NewSelector(cfg.StrikeStep, cfg.OTMThreshold, cfg.ExpDaysAhead, time.UTC)
	manager := lifecycle.NewManager(cfg, selector, venue, journal.Nop{}, zap.NewNop().Sugar())
	supervisor, err := eod.NewSupervisor(cfg, venue, manager, time.UTC, zap.NewNop().Sugar())
	require.NoError(t, err)

	session := New(cfg, &scriptedFeed{bars: bars}, venue, detector, manager, supervisor, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() { done <- session.Run() }()
	time.Sleep(100 * time.Millisecond)
	session.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, 0, manager.ActiveGroups())
}
