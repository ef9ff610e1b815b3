package broker

import (
	"testing"
	"time"

	"options-breakout-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testContract() models.Contract {
	return models.Contract{Symbol: "SPY", Expiry: "20260831", Strike: 401, Right: models.Call}
}

func drain(t *testing.T, b *DummyBroker, n int) []models.OrderUpdate {
	t.Helper()
	var out []models.OrderUpdate
	for len(out) < n {
		select {
		case u := <-b.Events():
			out = append(out, u)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestMarketBuyFillsAtPremium(t *testing.T) {
	b := NewDummyBroker(0, zap.NewNop().Sugar())
	defer b.Close()
	b.SetPremium(2.00)

	o := &models.Order{Contract: testContract(), Side: models.Buy, Type: models.Market, Quantity: 50}
	id, err := b.PlaceOrder(o, NewToken())
	require.NoError(t, err)

	updates := drain(t, b, 2) // SUBMITTED then FILLED
	assert.Equal(t, models.StatusSubmitted, updates[0].Status)
	assert.Equal(t, models.StatusFilled, updates[1].Status)
	assert.Equal(t, 50, updates[1].FilledQty)
	assert.Equal(t, 2.00, updates[1].AvgFillPrice)

	got, err := b.GetOrderStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, got.Status)
}

func TestTokenIdempotency(t *testing.T) {
	b := NewDummyBroker(0, zap.NewNop().Sugar())
	defer b.Close()

	token := NewToken()
	o := &models.Order{Contract: testContract(), Side: models.Buy, Type: models.Market, Quantity: 10}
	first, err := b.PlaceOrder(o, token)
	require.NoError(t, err)

	// Replaying the token never creates a second order, only replays state.
	second, err := b.PlaceOrder(o, token)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	open, err := b.GetOpenOrders()
	require.NoError(t, err)
	assert.Empty(t, open) // the single order already filled

	byToken, err := b.GetOrderByToken(token)
	require.NoError(t, err)
	assert.Equal(t, first, byToken.OrderID)
}

func TestCancelAfterFillIsNotAnError(t *testing.T) {
	b := NewDummyBroker(0, zap.NewNop().Sugar())
	defer b.Close()

	o := &models.Order{Contract: testContract(), Side: models.Buy, Type: models.Market, Quantity: 5}
	id, err := b.PlaceOrder(o, NewToken())
	require.NoError(t, err)
	drain(t, b, 2)

	require.NoError(t, b.CancelOrder(id))
	got, err := b.GetOrderStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, got.Status, "terminal state wins over the cancel")
}

func TestCancelUnknownOrder(t *testing.T) {
	b := NewDummyBroker(0, zap.NewNop().Sugar())
	defer b.Close()

	err := b.CancelOrder("nope")
	var venueErr *models.BrokerError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, 404, venueErr.Code)
}

func TestOCAFullFillCancelsSiblings(t *testing.T) {
	b := NewDummyBroker(0, zap.NewNop().Sugar())
	defer b.Close()

	sl := &models.Order{Contract: testContract(), Side: models.Sell, Type: models.Stop, Quantity: 50, StopPrice: 1.80, OCAGroup: "g1"}
	tp := &models.Order{Contract: testContract(), Side: models.Sell, Type: models.Limit, Quantity: 50, LimitPrice: 2.20, OCAGroup: "g1"}
	slID, err := b.PlaceOrder(sl, NewToken())
	require.NoError(t, err)
	tpID, err := b.PlaceOrder(tp, NewToken())
	require.NoError(t, err)
	drain(t, b, 2) // two SUBMITTED acks

	require.NoError(t, b.Fill(tpID, 50, 2.20))
	updates := drain(t, b, 2) // FILLED on tp, CANCELLED on sl

	assert.Equal(t, tpID, updates[0].OrderID)
	assert.Equal(t, models.StatusFilled, updates[0].Status)
	assert.Equal(t, slID, updates[1].OrderID)
	assert.Equal(t, models.StatusCancelled, updates[1].Status)
}

func TestOCAFillReducesSiblings(t *testing.T) {
	b := NewDummyBroker(0, zap.NewNop().Sugar())
	defer b.Close()

	sl := &models.Order{Contract: testContract(), Side: models.Sell, Type: models.Stop, Quantity: 50, StopPrice: 1.80, OCAGroup: "g1"}
	tp := &models.Order{Contract: testContract(), Side: models.Sell, Type: models.Limit, Quantity: 50, LimitPrice: 2.20, OCAGroup: "g1"}
	ps := &models.Order{Contract: testContract(), Side: models.Sell, Type: models.Limit, Quantity: 5, LimitPrice: 2.10, OCAGroup: "g1"}
	slID, err := b.PlaceOrder(sl, NewToken())
	require.NoError(t, err)
	tpID, err := b.PlaceOrder(tp, NewToken())
	require.NoError(t, err)
	psID, err := b.PlaceOrder(ps, NewToken())
	require.NoError(t, err)
	drain(t, b, 3)

	// The small leg fills: both big legs shrink by the filled amount and stay
	// working, so the group can never sell more than the position.
	require.NoError(t, b.Fill(psID, 5, 2.10))
	updates := drain(t, b, 1)
	assert.Equal(t, psID, updates[0].OrderID)
	assert.Equal(t, models.StatusFilled, updates[0].Status)

	for _, id := range []string{slID, tpID} {
		got, err := b.GetOrderStatus(id)
		require.NoError(t, err)
		assert.Equal(t, 45, got.Quantity)
		assert.Equal(t, models.StatusSubmitted, got.Status)
	}

	// Completing the reduced target zeroes the stop, which is then cancelled.
	require.NoError(t, b.Fill(tpID, 45, 2.20))
	updates = drain(t, b, 2)
	assert.Equal(t, models.StatusFilled, updates[0].Status)
	assert.Equal(t, slID, updates[1].OrderID)
	assert.Equal(t, models.StatusCancelled, updates[1].Status)

	got, err := b.GetOrderStatus(slID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FilledQty)
}

func TestRejectHook(t *testing.T) {
	b := NewDummyBroker(0, zap.NewNop().Sugar())
	defer b.Close()
	b.SetRejectHook(func(o *models.Order) bool { return o.Type == models.Stop })

	sl := &models.Order{Contract: testContract(), Side: models.Sell, Type: models.Stop, Quantity: 50, StopPrice: 1.80}
	_, err := b.PlaceOrder(sl, NewToken())
	require.NoError(t, err)

	updates := drain(t, b, 1)
	assert.Equal(t, models.StatusRejected, updates[0].Status)
}

func TestBarCrossingFillsInSubmissionOrder(t *testing.T) {
	b := NewDummyBroker(0, zap.NewNop().Sugar())
	defer b.Close()
	b.SetPremium(2.00)

	// Protective stop submitted first, then the target.
	sl := &models.Order{Contract: testContract(), Side: models.Sell, Type: models.Stop, Quantity: 50, StopPrice: 1.80, OCAGroup: "g1"}
	tp := &models.Order{Contract: testContract(), Side: models.Sell, Type: models.Limit, Quantity: 50, LimitPrice: 2.20, OCAGroup: "g1"}
	slID, err := b.PlaceOrder(sl, NewToken())
	require.NoError(t, err)
	_, err = b.PlaceOrder(tp, NewToken())
	require.NoError(t, err)
	drain(t, b, 2)

	// A wide bar whose premium projection crosses both legs: the stop, being
	// first in the queue, must win and the OCA group cancels the target.
	b.OnBar(models.Bar{Open: 400, High: 404, Low: 396, Close: 400})
	updates := drain(t, b, 2)
	assert.Equal(t, slID, updates[0].OrderID)
	assert.Equal(t, models.StatusFilled, updates[0].Status)
	assert.Equal(t, 1.80, updates[0].AvgFillPrice)
	assert.Equal(t, models.StatusCancelled, updates[1].Status)
}

func TestPartialFillThenCompletion(t *testing.T) {
	b := NewDummyBroker(0, zap.NewNop().Sugar())
	defer b.Close()

	tp := &models.Order{Contract: testContract(), Side: models.Sell, Type: models.Limit, Quantity: 50, LimitPrice: 2.20}
	id, err := b.PlaceOrder(tp, NewToken())
	require.NoError(t, err)
	drain(t, b, 1)

	require.NoError(t, b.Fill(id, 20, 2.20))
	updates := drain(t, b, 1)
	assert.Equal(t, models.StatusPartiallyFilled, updates[0].Status)
	assert.Equal(t, 20, updates[0].FilledQty)

	require.NoError(t, b.Fill(id, 30, 2.20))
	updates = drain(t, b, 1)
	assert.Equal(t, models.StatusFilled, updates[0].Status)
	assert.Equal(t, 50, updates[0].FilledQty)
}
