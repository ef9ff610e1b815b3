package eod

import (
	"sync"
	"testing"
	"time"

	"options-breakout-bot-go/internal/broker"
	"options-breakout-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockFlattener scripts the lifecycle manager's reaction to the supervisor.
type mockFlattener struct {
	sync.Mutex
	haltCalls    int
	flattenCalls int
	activeLeft   int // groups reported active, decremented per FlattenAll
	stuck        bool
}

func (m *mockFlattener) Halt(string) {
	m.Lock()
	defer m.Unlock()
	m.haltCalls++
}

func (m *mockFlattener) FlattenAll(string) {
	m.Lock()
	defer m.Unlock()
	m.flattenCalls++
	if !m.stuck && m.activeLeft > 0 {
		m.activeLeft--
	}
}

func (m *mockFlattener) ActiveGroups() int {
	m.Lock()
	defer m.Unlock()
	return m.activeLeft
}

func testEodConfig() *models.Config {
	return &models.Config{
		Symbol:            "SPY",
		EodTime:           "15:50",
		EodMaxRetries:     3,
		EodRetryBackoffMs: 1,
	}
}

func newTestSupervisor(t *testing.T, fl *mockFlattener, venue broker.Broker) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(testEodConfig(), venue, fl, time.UTC, zap.NewNop().Sugar())
	require.NoError(t, err)
	s.sleep = func(time.Duration) {}
	return s
}

func barAtClock(hour, minute int) models.Bar {
	return models.Bar{
		Timestamp: time.Date(2026, 8, 28, hour, minute, 0, 0, time.UTC),
		Open:      400, High: 401, Low: 399, Close: 400,
	}
}

func TestBeforeCutoffDoesNothing(t *testing.T) {
	venue := broker.NewDummyBroker(0, zap.NewNop().Sugar())
	defer venue.Close()
	fl := &mockFlattener{}
	s := newTestSupervisor(t, fl, venue)

	require.NoError(t, s.OnBar(barAtClock(15, 49)))
	assert.False(t, s.Triggered())
	assert.Zero(t, fl.haltCalls)
}

func TestCutoffTriggersLiquidationOnce(t *testing.T) {
	venue := broker.NewDummyBroker(0, zap.NewNop().Sugar())
	defer venue.Close()
	fl := &mockFlattener{activeLeft: 1}
	s := newTestSupervisor(t, fl, venue)

	require.NoError(t, s.OnBar(barAtClock(15, 50)))
	assert.True(t, s.Triggered())
	assert.Equal(t, 1, fl.haltCalls)
	assert.GreaterOrEqual(t, fl.flattenCalls, 1)

	// Later bars never run the sequence again.
	require.NoError(t, s.OnBar(barAtClock(15, 55)))
	assert.Equal(t, 1, fl.haltCalls)
}

func TestStragglingOrdersCancelledAtCutoff(t *testing.T) {
	venue := broker.NewDummyBroker(0, zap.NewNop().Sugar())
	defer venue.Close()

	resting := &models.Order{
		Contract: models.Contract{Symbol: "SPY", Expiry: "20260831", Strike: 401, Right: models.Call},
		Side:     models.Sell, Type: models.Limit, Quantity: 10, LimitPrice: 2.20,
	}
	_, err := venue.PlaceOrder(resting, broker.NewToken())
	require.NoError(t, err)

	fl := &mockFlattener{}
	s := newTestSupervisor(t, fl, venue)
	require.NoError(t, s.OnBar(barAtClock(16, 0)))

	open, err := venue.GetOpenOrders()
	require.NoError(t, err)
	assert.Empty(t, open, "resting order survived EOD")
}

func TestRetryExhaustionEscalates(t *testing.T) {
	venue := broker.NewDummyBroker(0, zap.NewNop().Sugar())
	defer venue.Close()
	fl := &mockFlattener{activeLeft: 1, stuck: true}
	s := newTestSupervisor(t, fl, venue)

	err := s.OnBar(barAtClock(15, 50))
	require.Error(t, err)

	var eodErr *models.EodReconciliationError
	require.ErrorAs(t, err, &eodErr)
	assert.Equal(t, "SPY", eodErr.Symbol)
	assert.Equal(t, 3, eodErr.Attempts)
	assert.Equal(t, 1, eodErr.OpenPositions)
}
