package broker

import (
	"fmt"
	"sync"
	"time"

	"options-breakout-bot-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DummyBroker is an in-memory venue used in DUMMY mode and in tests. It acks
// submissions after a configurable latency, fills market orders at the
// current simulated premium, fills resting limit/stop orders when the
// premium range of a bar crosses them, and enforces reduce-style
// one-cancels-all groups venue-side: a fill on any member shrinks the
// resting siblings by the filled amount, cancelling those reduced to
// nothing.
//
// Idempotency: a client token seen twice resolves to the order it created the
// first time, and the ack is replayed instead of a second order appearing.
type DummyBroker struct {
	mu      sync.Mutex
	logger  *zap.SugaredLogger
	latency time.Duration

	mark    float64
	orders  map[string]*models.Order // by venue order ID
	byToken map[string]string        // client token -> venue order ID
	seq     []string                 // order IDs in submission order

	premium    float64                  // quoted premium, default 2.00
	holdMarket bool                     // leave market orders resting for scripted fills
	rejectHook func(*models.Order) bool // scripted rejections for tests

	ackQueue chan models.OrderUpdate
	events   chan models.OrderUpdate
	done     chan struct{}
	closed   sync.Once
}

// NewDummyBroker builds a simulated venue. latency delays every emitted
// status update; tests pass 0 for deterministic synchronous behavior.
func NewDummyBroker(latency time.Duration, logger *zap.SugaredLogger) *DummyBroker {
	b := &DummyBroker{
		logger:   logger,
		latency:  latency,
		premium:  2.00,
		orders:   make(map[string]*models.Order),
		byToken:  make(map[string]string),
		ackQueue: make(chan models.OrderUpdate, 1024),
		events:   make(chan models.OrderUpdate, 1024),
		done:     make(chan struct{}),
	}
	go b.emitLoop()
	return b
}

// emitLoop applies the simulated latency while preserving event order.
func (b *DummyBroker) emitLoop() {
	for {
		select {
		case u := <-b.ackQueue:
			if b.latency > 0 {
				time.Sleep(b.latency)
			}
			select {
			case b.events <- u:
			case <-b.done:
				return
			}
		case <-b.done:
			return
		}
	}
}

// SetRejectHook installs a predicate consulted on every placement; returning
// true makes the venue reject that order.
func (b *DummyBroker) SetRejectHook(fn func(*models.Order) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectHook = fn
}

// PlaceOrder implements Broker.
func (b *DummyBroker) PlaceOrder(order *models.Order, token string) (string, error) {
	b.mu.Lock()

	// Same token, same order: replay the current state instead of placing.
	if id, ok := b.byToken[token]; ok {
		existing := b.orders[id]
		u := updateOf(existing)
		b.mu.Unlock()
		b.queue(u)
		return id, nil
	}

	o := *order
	o.OrderID = uuid.NewString()
	o.ClientToken = token
	o.UpdateTime = time.Now()

	if b.rejectHook != nil && b.rejectHook(&o) {
		o.Status = models.StatusRejected
		b.orders[o.OrderID] = &o
		b.byToken[token] = o.OrderID
		b.seq = append(b.seq, o.OrderID)
		u := updateOf(&o)
		b.mu.Unlock()
		b.queue(u)
		return o.OrderID, nil
	}

	o.Status = models.StatusSubmitted
	b.orders[o.OrderID] = &o
	b.byToken[token] = o.OrderID
	b.seq = append(b.seq, o.OrderID)

	updates := []models.OrderUpdate{updateOf(&o)}
	if o.Type == models.Market && !b.holdMarket {
		updates = append(updates, b.fillLocked(&o, o.Remaining(), b.premium)...)
	}
	b.mu.Unlock()
	b.queue(updates...)
	return o.OrderID, nil
}

// CancelOrder implements Broker. A terminal order wins over the cancel.
func (b *DummyBroker) CancelOrder(orderID string) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return &models.BrokerError{Code: 404, Msg: fmt.Sprintf("order %s not found", orderID)}
	}
	if o.Status.Terminal() {
		b.mu.Unlock()
		return nil
	}
	o.Status = models.StatusCancelled
	o.UpdateTime = time.Now()
	u := updateOf(o)
	b.mu.Unlock()
	b.queue(u)
	return nil
}

// GetOrderStatus implements Broker.
func (b *DummyBroker) GetOrderStatus(orderID string) (*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil, &models.BrokerError{Code: 404, Msg: fmt.Sprintf("order %s not found", orderID)}
	}
	cp := *o
	return &cp, nil
}

// GetOrderByToken implements Broker.
func (b *DummyBroker) GetOrderByToken(token string) (*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byToken[token]
	if !ok {
		return nil, &models.BrokerError{Code: 404, Msg: fmt.Sprintf("no order for token %s", token)}
	}
	cp := *b.orders[id]
	return &cp, nil
}

// GetOpenOrders implements Broker.
func (b *DummyBroker) GetOpenOrders() ([]models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var open []models.Order
	for _, id := range b.seq {
		o := b.orders[id]
		if o.Status == models.StatusSubmitted || o.Status == models.StatusPartiallyFilled {
			open = append(open, *o)
		}
	}
	return open, nil
}

// GetPremium quotes a flat simulated premium.
func (b *DummyBroker) GetPremium(models.Contract) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.premium, nil
}

// SetPremium overrides the quoted premium.
func (b *DummyBroker) SetPremium(p float64) {
	b.mu.Lock()
	b.premium = p
	b.mu.Unlock()
}

// SetMarketHold leaves market orders resting instead of filling them on
// placement, so tests can script partial fills through Fill.
func (b *DummyBroker) SetMarketHold(hold bool) {
	b.mu.Lock()
	b.holdMarket = hold
	b.mu.Unlock()
}

// premiumGearing scales the underlying's fractional move onto the simulated
// option premium. A crude constant standing in for delta and gamma.
const premiumGearing = 10.0

// OnBar moves the mark, projects the bar onto a synthetic premium range, and
// fills whatever that range crossed, in submission order, so a protective leg
// submitted first keeps priority when a wide bar crosses several legs at
// once.
func (b *DummyBroker) OnBar(bar models.Bar) {
	b.mu.Lock()
	b.mark = bar.Close
	optBar := b.premiumBar(bar)
	b.premium = optBar.Close
	var updates []models.OrderUpdate
	for _, id := range b.seq {
		o := b.orders[id]
		if o.Status != models.StatusSubmitted && o.Status != models.StatusPartiallyFilled {
			continue
		}
		if price, crossed := crossing(o, optBar); crossed {
			updates = append(updates, b.fillLocked(o, o.Remaining(), price)...)
		}
	}
	b.mu.Unlock()
	b.queue(updates...)
}

// premiumBar maps an underlying bar onto the option premium. Caller holds the
// lock.
func (b *DummyBroker) premiumBar(bar models.Bar) models.Bar {
	scale := func(px float64) float64 {
		if bar.Open <= 0 {
			return b.premium
		}
		p := b.premium * (1 + premiumGearing*(px-bar.Open)/bar.Open)
		if p < 0.01 {
			p = 0.01
		}
		return p
	}
	return models.Bar{
		Timestamp: bar.Timestamp,
		Open:      b.premium,
		High:      scale(bar.High),
		Low:       scale(bar.Low),
		Close:     scale(bar.Close),
	}
}

// Reject force-rejects a working order. Test affordance for venue-side
// rejections after placement, including after a partial fill.
func (b *DummyBroker) Reject(orderID string) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return &models.BrokerError{Code: 404, Msg: fmt.Sprintf("order %s not found", orderID)}
	}
	if o.Status.Terminal() {
		b.mu.Unlock()
		return &models.BrokerError{Code: 409, Msg: fmt.Sprintf("order %s is %s", orderID, o.Status)}
	}
	o.Status = models.StatusRejected
	o.UpdateTime = time.Now()
	u := updateOf(o)
	b.mu.Unlock()
	b.queue(u)
	return nil
}

// Fill force-fills qty of an order at price. Test affordance for partial
// fills and scripted executions.
func (b *DummyBroker) Fill(orderID string, qty int, price float64) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return &models.BrokerError{Code: 404, Msg: fmt.Sprintf("order %s not found", orderID)}
	}
	if o.Status.Terminal() {
		b.mu.Unlock()
		return &models.BrokerError{Code: 409, Msg: fmt.Sprintf("order %s is %s", orderID, o.Status)}
	}
	updates := b.fillLocked(o, qty, price)
	b.mu.Unlock()
	b.queue(updates...)
	return nil
}

// Events implements Broker.
func (b *DummyBroker) Events() <-chan models.OrderUpdate { return b.events }

// Close implements Broker.
func (b *DummyBroker) Close() error {
	b.closed.Do(func() { close(b.done) })
	return nil
}

// fillLocked applies a (possibly partial) fill and reduces resting OCA
// siblings by the filled amount, cancelling any reduced to nothing. Caller
// holds the lock.
func (b *DummyBroker) fillLocked(o *models.Order, qty int, price float64) []models.OrderUpdate {
	if qty > o.Remaining() {
		qty = o.Remaining()
	}
	if qty <= 0 {
		return nil
	}
	total := o.AvgFillPrice*float64(o.FilledQty) + price*float64(qty)
	o.FilledQty += qty
	o.AvgFillPrice = total / float64(o.FilledQty)
	o.UpdateTime = time.Now()
	if o.FilledQty >= o.Quantity {
		o.Status = models.StatusFilled
	} else {
		o.Status = models.StatusPartiallyFilled
	}

	updates := []models.OrderUpdate{updateOf(o)}
	if o.OCAGroup != "" {
		for _, id := range b.seq {
			sib := b.orders[id]
			if sib.OrderID == o.OrderID || sib.OCAGroup != o.OCAGroup || sib.Status.Terminal() {
				continue
			}
			sib.Quantity -= qty
			if sib.Quantity <= sib.FilledQty {
				sib.Quantity = sib.FilledQty
				sib.Status = models.StatusCancelled
				sib.UpdateTime = time.Now()
				updates = append(updates, updateOf(sib))
			}
		}
	}
	return updates
}

func (b *DummyBroker) queue(updates ...models.OrderUpdate) {
	for _, u := range updates {
		select {
		case b.ackQueue <- u:
		case <-b.done:
			return
		}
	}
}

// crossing decides whether the bar's range executes a resting order and at
// what price.
func crossing(o *models.Order, bar models.Bar) (float64, bool) {
	switch o.Type {
	case models.Market:
		return bar.Close, true
	case models.Limit:
		if o.Side == models.Sell && bar.High >= o.LimitPrice {
			return o.LimitPrice, true
		}
		if o.Side == models.Buy && bar.Low <= o.LimitPrice {
			return o.LimitPrice, true
		}
	case models.Stop:
		if o.Side == models.Sell && bar.Low <= o.StopPrice {
			return o.StopPrice, true
		}
		if o.Side == models.Buy && bar.High >= o.StopPrice {
			return o.StopPrice, true
		}
	}
	return 0, false
}

func updateOf(o *models.Order) models.OrderUpdate {
	return models.OrderUpdate{
		OrderID:      o.OrderID,
		ClientToken:  o.ClientToken,
		Status:       o.Status,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		Timestamp:    o.UpdateTime,
	}
}
