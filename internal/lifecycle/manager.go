// Package lifecycle owns the signal-to-order state machine: entry placement,
// bracket management under one-cancels-all semantics, protective flattening,
// and reconciliation of unconfirmed submissions.
//
// All state mutation happens on a single event loop per manager. Bars, broker
// status events, submission results and EOD commands are normalized onto one
// channel, so bar-driven decisions and asynchronous broker callbacks can
// never interleave on a bracket group.
package lifecycle

import (
	"errors"
	"math"
	"sync"
	"time"

	"options-breakout-bot-go/internal/broker"
	"options-breakout-bot-go/internal/journal"
	"options-breakout-bot-go/internal/metrics"
	"options-breakout-bot-go/internal/models"
	"options-breakout-bot-go/internal/strike"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType discriminates normalized events.
type EventType int

const (
	BarSignalEvent EventType = iota
	OrderUpdateEvent
	SubmitResultEvent
	ReconcileTickEvent
	ReconcileResultEvent
	HaltEvent
	FlattenAllEvent
)

// NormalizedEvent is the single internal event representation.
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

type barSignalData struct {
	Bar    models.Bar
	Signal models.Signal
}

type submitResultData struct {
	Token   string
	OrderID string
	Err     error
}

type reconcileResultData struct {
	Token string
	Order *models.Order
	Err   error
}

// pendingSubmission tracks an order whose venue ack has not been observed.
type pendingSubmission struct {
	order    *models.Order
	leg      models.Leg
	deadline time.Time
	polling  bool
}

// retiredLeg is a cancel-replaced order kept under watch until the venue
// reports it terminal. A fill that beat the cancel must still be booked
// against the group; dropping the order on replacement would lose it.
type retiredLeg struct {
	ctx     *SymbolContext
	groupID string
	leg     models.Leg
	order   *models.Order
}

// SymbolContext is the per-symbol lifecycle state. One instrument runs per
// process today, but state is keyed by symbol so nothing here assumes that.
type SymbolContext struct {
	Symbol  string
	Group   *models.BracketGroup
	Halted  bool // no new entries for the rest of the session
	retries map[models.Leg]int
}

// Manager is the order lifecycle engine.
type Manager struct {
	cfg      *models.Config
	selector *strike.Selector
	broker   broker.Broker
	journal  journal.Journal
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	contexts map[string]*SymbolContext
	pending  map[string]*pendingSubmission // client token -> awaiting ack
	retired  map[string]*retiredLeg        // client token -> replaced, not yet terminal
	trades   []models.CompletedTrade
	halted   bool

	events   chan NormalizedEvent
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewManager wires the engine. Start must be called before dispatching.
func NewManager(cfg *models.Config, selector *strike.Selector, b broker.Broker, j journal.Journal, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:      cfg,
		selector: selector,
		broker:   b,
		journal:  j,
		logger:   logger,
		contexts: make(map[string]*SymbolContext),
		pending:  make(map[string]*pendingSubmission),
		retired:  make(map[string]*retiredLeg),
		events:   make(chan NormalizedEvent, 1024),
		stopChan: make(chan struct{}),
	}
}

// Start launches the event loop, the broker event pump and the
// reconciliation ticker.
func (m *Manager) Start() {
	go m.eventLoop()
	go m.pumpBrokerEvents()
	go m.reconcileLoop()
	m.logger.Info("lifecycle manager started")
}

// Stop shuts the manager down. In-flight events are dropped; callers flatten
// first if a position may be open.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.logger.Info("lifecycle manager stopped")
}

// Dispatch queues an event for serialized processing.
func (m *Manager) Dispatch(event NormalizedEvent) {
	select {
	case m.events <- event:
	case <-m.stopChan:
	}
}

// OnBar feeds one bar and its trigger decision into the engine.
func (m *Manager) OnBar(bar models.Bar, sig models.Signal) {
	m.Dispatch(NormalizedEvent{Type: BarSignalEvent, Timestamp: bar.Timestamp, Data: barSignalData{Bar: bar, Signal: sig}})
}

// Halt disables new entries for the rest of the session.
func (m *Manager) Halt(reason string) {
	m.Dispatch(NormalizedEvent{Type: HaltEvent, Timestamp: time.Now(), Data: reason})
}

// FlattenAll forces every active group onto the FLATTENING path.
func (m *Manager) FlattenAll(reason string) {
	m.Dispatch(NormalizedEvent{Type: FlattenAllEvent, Timestamp: time.Now(), Data: reason})
}

// ActiveGroups counts groups not yet CLOSED.
func (m *Manager) ActiveGroups() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ctx := range m.contexts {
		if ctx.Group != nil {
			n++
		}
	}
	return n
}

// GroupSnapshot returns a deep copy of the symbol's active group, or nil.
func (m *Manager) GroupSnapshot(symbol string) *models.BracketGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[symbol]
	if !ok || ctx.Group == nil {
		return nil
	}
	return copyGroup(ctx.Group)
}

// SymbolHalted reports whether new entries are disabled for the symbol.
func (m *Manager) SymbolHalted(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.halted {
		return true
	}
	ctx, ok := m.contexts[symbol]
	return ok && ctx.Halted
}

// Trades returns the completed exits recorded so far.
func (m *Manager) Trades() []models.CompletedTrade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CompletedTrade, len(m.trades))
	copy(out, m.trades)
	return out
}

func (m *Manager) eventLoop() {
	for {
		select {
		case event := <-m.events:
			m.mu.Lock()
			m.processEvent(event)
			m.mu.Unlock()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) pumpBrokerEvents() {
	for {
		select {
		case u, ok := <-m.broker.Events():
			if !ok {
				return
			}
			m.Dispatch(NormalizedEvent{Type: OrderUpdateEvent, Timestamp: u.Timestamp, Data: u})
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) reconcileLoop() {
	interval := time.Duration(m.cfg.ReconcileIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Dispatch(NormalizedEvent{Type: ReconcileTickEvent, Timestamp: time.Now()})
		case <-m.stopChan:
			return
		}
	}
}

// processEvent runs with m.mu held; it is the only state mutator.
func (m *Manager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case BarSignalEvent:
		if data, ok := event.Data.(barSignalData); ok {
			m.handleBarSignal(data.Bar, data.Signal)
		}
	case OrderUpdateEvent:
		if u, ok := event.Data.(models.OrderUpdate); ok {
			m.handleOrderUpdate(u)
		}
	case SubmitResultEvent:
		if data, ok := event.Data.(submitResultData); ok {
			m.handleSubmitResult(data)
		}
	case ReconcileTickEvent:
		m.reconcilePending(event.Timestamp)
	case ReconcileResultEvent:
		if data, ok := event.Data.(reconcileResultData); ok {
			m.handleReconcileResult(data)
		}
	case HaltEvent:
		reason, _ := event.Data.(string)
		m.halted = true
		m.logger.Infow("new entries halted", "reason", reason)
	case FlattenAllEvent:
		reason, _ := event.Data.(string)
		for _, ctx := range m.contexts {
			if ctx.Group != nil && ctx.Group.State != models.Closed {
				m.startFlattening(ctx, reason)
			}
		}
	}
}

// --- entry path ---

func (m *Manager) handleBarSignal(bar models.Bar, sig models.Signal) {
	ctx := m.contextFor(m.cfg.Symbol)

	if sig.Direction == models.DirectionNone {
		return
	}
	if m.halted || ctx.Halted {
		m.logger.Debugw("signal ignored, triggering halted", "symbol", ctx.Symbol, "direction", sig.Direction)
		return
	}
	// No pyramiding: one group per symbol until flat.
	if ctx.Group != nil {
		m.logger.Debugw("signal ignored, group active", "symbol", ctx.Symbol, "group", ctx.Group.GroupID, "state", ctx.Group.State)
		return
	}

	contract, err := m.selector.SelectContract(ctx.Symbol, sig.Direction, sig.TriggerPrice)
	if err != nil {
		if errors.Is(err, models.ErrNoContractAvailable) {
			m.logger.Infow("no trade this cycle", "symbol", ctx.Symbol, "error", err)
			m.journal.Append("alert", map[string]interface{}{"kind": "no_contract", "symbol": ctx.Symbol, "detail": err.Error()})
			return
		}
		m.logger.Errorw("contract selection failed", "symbol", ctx.Symbol, "error", err)
		return
	}

	premium, err := m.broker.GetPremium(contract)
	if err != nil {
		m.logger.Warnw("premium lookup failed, no trade this cycle", "contract", contract.String(), "error", err)
		return
	}
	qty := int(math.Floor(m.cfg.PositionUSD / (m.cfg.ContractMultiplier * premium)))
	if qty < 1 {
		m.logger.Warnw("entry quantity below one contract, skipping", "symbol", ctx.Symbol, "premium", premium)
		return
	}

	group := &models.BracketGroup{
		GroupID:        uuid.NewString(),
		Symbol:         ctx.Symbol,
		Contract:       contract,
		CreatedAt:      sig.Timestamp,
		LastUpdateTime: sig.Timestamp,
	}
	group.Entry = &models.Order{
		Contract: contract,
		Side:     models.Buy,
		Type:     models.Market,
		Quantity: qty,
	}
	ctx.Group = group
	ctx.retries = make(map[models.Leg]int)
	m.transition(ctx, models.PendingEntry, "entry triggered")
	m.logger.Infow("entry submitted",
		"symbol", ctx.Symbol, "direction", sig.Direction, "contract", contract.String(),
		"qty", qty, "premium", premium, "group", group.GroupID)

	m.submit(ctx, models.LegEntry, group.Entry)
}

// --- submission plumbing ---

// submit assigns an idempotency token and places the order off-loop so a slow
// broker round-trip never blocks event processing. Until the result lands the
// order is unknown-status and owned by the reconciliation path.
func (m *Manager) submit(ctx *SymbolContext, leg models.Leg, o *models.Order) {
	token := broker.NewToken()
	o.ClientToken = token
	o.Status = models.StatusUnknown
	m.pending[token] = &pendingSubmission{
		order:    o,
		leg:      leg,
		deadline: time.Now().Add(time.Duration(m.cfg.SubmitTimeoutSec) * time.Second),
	}
	m.journal.Append("order", map[string]interface{}{
		"leg": leg, "token": token, "side": o.Side, "type": o.Type,
		"qty": o.Quantity, "limit": o.LimitPrice, "stop": o.StopPrice,
		"contract": o.Contract.String(),
	})
	metrics.Orders.WithLabelValues(m.cfg.Mode, string(o.Side), string(leg)).Inc()

	go func(order models.Order, token string) {
		id, err := m.broker.PlaceOrder(&order, token)
		m.Dispatch(NormalizedEvent{Type: SubmitResultEvent, Timestamp: time.Now(), Data: submitResultData{Token: token, OrderID: id, Err: err}})
	}(*o, token)
}

func (m *Manager) handleSubmitResult(data submitResultData) {
	p, ok := m.pending[data.Token]
	if !ok {
		// Already resolved by a status event or reconciliation. If the leg's
		// group is gone, this late ack is a stray order that must not rest
		// at the venue.
		if data.Err == nil && data.OrderID != "" {
			if _, _, o := m.findLeg(data.Token); o == nil {
				go m.broker.CancelOrder(data.OrderID)
			}
		}
		return
	}
	if data.Err != nil {
		// Unknown status: the request may or may not have reached the venue.
		// Reconciliation polls by token; resubmitting blindly is forbidden.
		m.logger.Warnw("submission unconfirmed", "token", data.Token, "leg", p.leg,
			"error", data.Err, "cause", models.ErrSubmissionTimeout)
		return
	}
	p.order.OrderID = data.OrderID
	if p.order.Status == models.StatusUnknown {
		p.order.Status = models.StatusSubmitted
	}
	delete(m.pending, data.Token)
}

func (m *Manager) reconcilePending(now time.Time) {
	for token, p := range m.pending {
		if p.polling || now.Before(p.deadline) {
			continue
		}
		p.polling = true
		m.logger.Warnw("reconciling unconfirmed submission", "token", token, "leg", p.leg)
		go func(token string) {
			o, err := m.broker.GetOrderByToken(token)
			m.Dispatch(NormalizedEvent{Type: ReconcileResultEvent, Timestamp: time.Now(), Data: reconcileResultData{Token: token, Order: o, Err: err}})
		}(token)
	}
}

func (m *Manager) handleReconcileResult(data reconcileResultData) {
	p, ok := m.pending[data.Token]
	if !ok {
		return
	}
	p.polling = false
	if data.Err != nil {
		var venueErr *models.BrokerError
		if errors.As(data.Err, &venueErr) && venueErr.Code == 404 {
			// The venue never saw the token, so replaying it is safe: the
			// token still guarantees at-most-once placement.
			m.logger.Infow("submission never reached venue, replaying token", "token", data.Token, "leg", p.leg)
			p.deadline = time.Now().Add(time.Duration(m.cfg.SubmitTimeoutSec) * time.Second)
			go func(order models.Order, token string) {
				id, err := m.broker.PlaceOrder(&order, token)
				m.Dispatch(NormalizedEvent{Type: SubmitResultEvent, Timestamp: time.Now(), Data: submitResultData{Token: token, OrderID: id, Err: err}})
			}(*p.order, data.Token)
			return
		}
		m.logger.Warnw("reconciliation poll failed", "token", data.Token, "error", data.Err)
		return
	}
	// Late ack: adopt the venue's view of the order.
	p.order.OrderID = data.Order.OrderID
	delete(m.pending, data.Token)
	m.applyUpdate(models.OrderUpdate{
		OrderID:      data.Order.OrderID,
		ClientToken:  data.Token,
		Status:       data.Order.Status,
		FilledQty:    data.Order.FilledQty,
		AvgFillPrice: data.Order.AvgFillPrice,
		Timestamp:    data.Order.UpdateTime,
	})
}

// --- broker status events ---

func (m *Manager) handleOrderUpdate(u models.OrderUpdate) {
	m.applyUpdate(u)
}

func (m *Manager) applyUpdate(u models.OrderUpdate) {
	ctx, leg, o := m.findLeg(u.ClientToken)
	if o == nil {
		if m.applyRetiredUpdate(u) {
			return
		}
		m.logger.Debugw("status event for unknown or closed order", "token", u.ClientToken, "status", u.Status)
		return
	}

	// The broker is the source of truth, with one exception: a fill beats a
	// cancel that raced it.
	if o.Status == models.StatusFilled && u.Status == models.StatusCancelled {
		return
	}

	fillDelta := u.FilledQty - o.FilledQty
	if fillDelta < 0 {
		fillDelta = 0
	}
	o.Status = u.Status
	o.FilledQty = u.FilledQty
	if u.AvgFillPrice > 0 {
		o.AvgFillPrice = u.AvgFillPrice
	}
	if u.OrderID != "" {
		o.OrderID = u.OrderID
	}
	o.UpdateTime = u.Timestamp
	if u.Status != models.StatusUnknown {
		delete(m.pending, u.ClientToken)
	}
	ctx.Group.LastUpdateTime = u.Timestamp

	if fillDelta > 0 && o.OCAGroup != "" {
		reduceOCASiblings(ctx.Group, o, fillDelta)
	}

	if fillDelta > 0 {
		metrics.Fills.WithLabelValues(string(leg)).Inc()
		m.journal.Append("fill", map[string]interface{}{
			"leg": leg, "order_id": o.OrderID, "qty": fillDelta,
			"avg_price": o.AvgFillPrice, "group": ctx.Group.GroupID,
		})
	}

	switch leg {
	case models.LegEntry:
		m.onEntryUpdate(ctx, fillDelta)
	case models.LegTakeProfit, models.LegPartialSell, models.LegStopLoss:
		m.onExitUpdate(ctx, leg, o, fillDelta)
	case models.LegFlatten:
		m.onFlattenUpdate(ctx, o, fillDelta)
	}

	m.checkManaged(ctx)
}

// applyRetiredUpdate books status for cancel-replaced orders. A fill that
// beat the cancel still reduces the position and shrinks the live siblings,
// exactly as if the leg had never been replaced.
func (m *Manager) applyRetiredUpdate(u models.OrderUpdate) bool {
	r, ok := m.retired[u.ClientToken]
	if !ok {
		return false
	}
	o := r.order
	if o.Status == models.StatusFilled && u.Status == models.StatusCancelled {
		return true
	}
	fillDelta := u.FilledQty - o.FilledQty
	if fillDelta < 0 {
		fillDelta = 0
	}
	o.Status = u.Status
	o.FilledQty = u.FilledQty
	if u.AvgFillPrice > 0 {
		o.AvgFillPrice = u.AvgFillPrice
	}
	if u.OrderID != "" {
		o.OrderID = u.OrderID
	}
	o.UpdateTime = u.Timestamp
	if o.Status.Terminal() {
		delete(m.retired, u.ClientToken)
	}

	ctx := r.ctx
	g := ctx.Group
	if g == nil || g.GroupID != r.groupID {
		if fillDelta > 0 {
			m.logger.Errorw("ALERT: fill on a replaced order after its group closed",
				"token", u.ClientToken, "qty", fillDelta, "alert", "oversold")
			m.journal.Append("alert", map[string]interface{}{"kind": "oversold", "token": u.ClientToken, "qty": fillDelta})
		}
		return true
	}
	if fillDelta == 0 {
		return true
	}

	g.ClosedQty += fillDelta
	g.LastUpdateTime = u.Timestamp
	metrics.Fills.WithLabelValues(string(r.leg)).Inc()
	m.journal.Append("fill", map[string]interface{}{
		"leg": r.leg, "order_id": o.OrderID, "qty": fillDelta,
		"avg_price": o.AvgFillPrice, "group": g.GroupID,
	})
	m.recordTrade(ctx, r.leg, o, fillDelta)
	if o.OCAGroup != "" {
		reduceOCASiblings(g, o, fillDelta)
	}

	switch {
	case g.State == models.Flattening:
		m.reconcileFlattening(ctx)
	case g.OpenQty() <= 0:
		m.cancelSiblings(ctx, nil)
		m.settleFlat(ctx, string(r.leg)+" filled after replacement, position flat")
	default:
		m.ensureBracket(ctx)
	}
	m.checkManaged(ctx)
	return true
}

// reduceOCASiblings mirrors the venue's reduce-on-fill behavior onto the
// local book: a fill on any member of the group shrinks each resting sibling
// by the filled amount.
func reduceOCASiblings(g *models.BracketGroup, filled *models.Order, delta int) {
	for _, sib := range g.ExitLegs() {
		if sib == filled || sib.OCAGroup == "" || sib.OCAGroup != filled.OCAGroup || sib.Status.Terminal() {
			continue
		}
		sib.Quantity -= delta
		if sib.Quantity < sib.FilledQty {
			sib.Quantity = sib.FilledQty
		}
	}
}

func (m *Manager) onEntryUpdate(ctx *SymbolContext, fillDelta int) {
	g := ctx.Group
	entry := g.Entry

	// A group already on the way out only needs its flatten coverage
	// adjusted, whatever the entry did.
	if g.State == models.Flattening {
		m.reconcileFlattening(ctx)
		return
	}

	switch {
	case fillDelta > 0:
		if g.State == models.PendingEntry {
			m.transition(ctx, models.EntryFilled, "entry fill confirmed")
		}
		if g.State == models.EntryFilled || g.State == models.BracketActive {
			m.ensureBracket(ctx)
		}
	case entry.Status == models.StatusRejected:
		if entry.FilledQty > 0 {
			// The venue kept what filled before rejecting the rest; protect
			// that quantity and stop buying.
			m.logger.Warnw("entry rejected after a partial fill, bracketing the filled quantity",
				"group", g.GroupID, "filled", entry.FilledQty)
			m.ensureBracket(ctx)
			return
		}
		if m.retryOnce(ctx, models.LegEntry, entry) {
			return
		}
		m.logger.Errorw("entry rejected twice, abandoning group", "group", g.GroupID)
		m.resolveAfterFailure(ctx, "entry_rejected")
	case entry.Status == models.StatusCancelled && entry.FilledQty == 0:
		// Entry died with nothing filled: nothing to protect.
		m.closeGroup(ctx, "entry cancelled unfilled")
	}
}

// ensureBracket submits or resizes the exit legs. All three rest in one
// reduce-style one-cancels-all group: the venue shrinks every sibling by each
// member's fill, so the combined resting exits can never execute for more
// than the open quantity. The take-profit and stop-loss cover the full open
// quantity; the partial-sell scale-out covers its configured minority share.
func (m *Manager) ensureBracket(ctx *SymbolContext) {
	g := ctx.Group
	open := g.OpenQty()
	if open <= 0 {
		return
	}
	entryPrice := g.Entry.AvgFillPrice
	tpPrice := round2(entryPrice * (1 + m.cfg.TakeProfitPct))
	slPrice := round2(entryPrice * (1 - m.cfg.StopLossPct))
	// Scale-out target sits halfway to the take-profit.
	psPrice := round2(entryPrice * (1 + m.cfg.TakeProfitPct/2))

	scaleOut := g.Entry.FilledQty - int(math.Floor(float64(g.Entry.FilledQty)*m.cfg.PartialSellPct))
	if ps := g.PartialSell; ps != nil {
		scaleOut -= ps.FilledQty
	}
	if scaleOut > open {
		scaleOut = open
	}

	// Protective leg first: the venue resolves a bar crossing several legs in
	// submission order.
	g.StopLoss = m.resizeLeg(ctx, models.LegStopLoss, g.StopLoss, models.Stop, open, 0, slPrice, g.GroupID)
	g.TakeProfit = m.resizeLeg(ctx, models.LegTakeProfit, g.TakeProfit, models.Limit, open, tpPrice, 0, g.GroupID)
	if scaleOut >= 1 {
		g.PartialSell = m.resizeLeg(ctx, models.LegPartialSell, g.PartialSell, models.Limit, scaleOut, psPrice, 0, g.GroupID)
	}

	if g.State == models.EntryFilled {
		m.transition(ctx, models.BracketActive, "bracket submitted")
	}
}

// resizeLeg submits the leg if missing, or cancel-replaces it when the
// desired quantity changed. Terminal legs are left alone. The replaced order
// moves to the retired index until the venue confirms its end, because a fill
// can beat the cancel and must still be booked.
func (m *Manager) resizeLeg(ctx *SymbolContext, leg models.Leg, current *models.Order, orderType models.OrderType, qty int, limitPrice, stopPrice float64, ocaGroup string) *models.Order {
	if current != nil {
		if current.Status.Terminal() || current.Quantity == qty {
			return current
		}
		m.retired[current.ClientToken] = &retiredLeg{ctx: ctx, groupID: ctx.Group.GroupID, leg: leg, order: current}
		m.requestCancel(current)
		delete(m.pending, current.ClientToken)
	}
	o := &models.Order{
		Contract:   ctx.Group.Contract,
		Side:       models.Sell,
		Type:       orderType,
		Quantity:   qty,
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
		OCAGroup:   ocaGroup,
	}
	m.submit(ctx, leg, o)
	return o
}

func (m *Manager) onExitUpdate(ctx *SymbolContext, leg models.Leg, o *models.Order, fillDelta int) {
	g := ctx.Group

	if fillDelta > 0 {
		g.ClosedQty += fillDelta
		m.recordTrade(ctx, leg, o, fillDelta)
	}

	// A group already on the way out: fills that beat their cancel only move
	// the flatten coverage.
	if g.State == models.Flattening {
		m.reconcileFlattening(ctx)
		return
	}

	switch {
	case o.Status == models.StatusFilled:
		switch {
		case g.OpenQty() <= 0:
			m.cancelSiblings(ctx, o)
			m.settleFlat(ctx, string(leg)+" filled, position flat")
		case leg == models.LegStopLoss:
			// Protective exit takes priority; whatever it left behind goes
			// out at market.
			m.startFlattening(ctx, "stop_loss_residual")
		case leg == models.LegPartialSell:
			// Scale-out complete: the venue reduced the TP/SL pair in step;
			// realign the book with the new open quantity.
			m.ensureBracket(ctx)
		default:
			m.startFlattening(ctx, "take_profit_residual")
		}
	case o.Status == models.StatusRejected:
		if m.retryOnce(ctx, leg, o) {
			return
		}
		m.logger.Errorw("exit leg rejected twice, flattening", "leg", leg, "group", g.GroupID,
			"error", &models.OrderRejectedError{OrderID: o.OrderID, Leg: leg, Reason: "second rejection"})
		m.resolveAfterFailure(ctx, "exit_rejected")
	}
}

func (m *Manager) onFlattenUpdate(ctx *SymbolContext, o *models.Order, fillDelta int) {
	g := ctx.Group
	if fillDelta > 0 {
		g.ClosedQty += fillDelta
		m.recordTrade(ctx, models.LegFlatten, o, fillDelta)
	}
	if o.Status == models.StatusRejected {
		if ctx.retries[models.LegFlatten] < 1 {
			// Resubmit sized to whatever is open now, not to the rejected
			// order's original quantity.
			ctx.retries[models.LegFlatten]++
			m.logger.Warnw("flatten rejected, resubmitting", "group", g.GroupID)
			m.reconcileFlattening(ctx)
			return
		}
		// Nothing automated is left to try.
		ctx.Halted = true
		err := &models.StateInconsistencyError{Symbol: ctx.Symbol, Reason: "flatten order rejected twice"}
		m.logger.Errorw("ALERT: flatten failed, manual intervention required", "group", g.GroupID, "error", err, "alert", "flatten_failed")
		m.journal.Append("alert", map[string]interface{}{"kind": "flatten_failed", "group": g.GroupID, "open_qty": g.OpenQty()})
		return
	}
	m.reconcileFlattening(ctx)
}

// retryOnce re-submits a rejected leg with identical parameters, sized to its
// unfilled remainder, under a fresh token. Returns false when the retry
// budget is spent or nothing remains to place.
func (m *Manager) retryOnce(ctx *SymbolContext, leg models.Leg, o *models.Order) bool {
	if ctx.retries[leg] >= 1 || o.Remaining() <= 0 {
		return false
	}
	ctx.retries[leg]++
	m.logger.Warnw("leg rejected, retrying once", "leg", leg, "group", ctx.Group.GroupID)
	retry := &models.Order{
		Contract:   o.Contract,
		Side:       o.Side,
		Type:       o.Type,
		Quantity:   o.Remaining(),
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		OCAGroup:   o.OCAGroup,
	}
	switch leg {
	case models.LegEntry:
		ctx.Group.Entry = retry
	case models.LegTakeProfit:
		ctx.Group.TakeProfit = retry
	case models.LegStopLoss:
		ctx.Group.StopLoss = retry
	case models.LegPartialSell:
		ctx.Group.PartialSell = retry
	}
	m.submit(ctx, leg, retry)
	return true
}

// resolveAfterFailure routes a spent retry budget to the safe terminal
// action: flatten when a position exists, close when flat.
func (m *Manager) resolveAfterFailure(ctx *SymbolContext, reason string) {
	if ctx.Group.OpenQty() > 0 {
		m.startFlattening(ctx, reason)
		return
	}
	m.closeGroup(ctx, reason+", nothing open")
}

// --- flattening and closure ---

func (m *Manager) startFlattening(ctx *SymbolContext, reason string) {
	g := ctx.Group
	if g == nil || g.State == models.Flattening || g.State == models.Closed {
		return
	}
	m.transition(ctx, models.Flattening, reason)
	metrics.Flattens.WithLabelValues(reason).Inc()

	m.cancelSiblings(ctx, nil)
	m.reconcileFlattening(ctx)
}

// settleFlat ends a group whose open quantity reached zero. A still-live
// entry or flatten order keeps the group on the flattening path instead, so
// fills landing after this point stay covered and tracked.
func (m *Manager) settleFlat(ctx *SymbolContext, reason string) {
	g := ctx.Group
	entryLive := g.Entry != nil && !g.Entry.Status.Terminal()
	flattenLive := g.FlattenOut != nil && !g.FlattenOut.Status.Terminal()
	if entryLive || flattenLive {
		if g.State != models.Flattening {
			m.startFlattening(ctx, reason)
		} else {
			m.reconcileFlattening(ctx)
		}
		return
	}
	m.closeGroup(ctx, reason)
}

// reconcileFlattening drives a FLATTENING group to closure: keeps a market
// exit covering exactly the open quantity, and closes only once both the
// entry and the flatten order are terminal, so neither a still-filling entry
// nor a working market close can be orphaned behind a closed group.
func (m *Manager) reconcileFlattening(ctx *SymbolContext) {
	g := ctx.Group
	if g == nil || g.State != models.Flattening {
		return
	}
	open := g.OpenQty()
	entryLive := g.Entry != nil && !g.Entry.Status.Terminal()
	flatten := g.FlattenOut
	flattenLive := flatten != nil && !flatten.Status.Terminal()

	if open <= 0 {
		if flattenLive {
			// A resting exit got there first; the market close no longer has
			// a position behind it.
			m.requestCancel(flatten)
			return
		}
		if !entryLive {
			m.closeGroup(ctx, "flatten complete")
		}
		return
	}
	if flattenLive {
		if flatten.Remaining() > open {
			// Oversized after an exit fill beat its cancel. Replace once the
			// venue confirms the cancel.
			m.requestCancel(flatten)
		}
		return
	}
	g.FlattenOut = &models.Order{
		Contract: g.Contract,
		Side:     models.Sell,
		Type:     models.Market,
		Quantity: open,
	}
	m.logger.Warnw("flattening position at market", "group", g.GroupID, "qty", open)
	m.submit(ctx, models.LegFlatten, g.FlattenOut)
}

// cancelSiblings requests cancellation of every non-terminal leg except the
// one given, the flatten order included. Terminal states reported meanwhile
// win over the cancel.
func (m *Manager) cancelSiblings(ctx *SymbolContext, except *models.Order) {
	g := ctx.Group
	legs := append([]*models.Order{g.Entry, g.FlattenOut}, g.ExitLegs()...)
	for _, o := range legs {
		if o == nil || o == except || o.Status.Terminal() {
			continue
		}
		m.requestCancel(o)
	}
}

// requestCancel asks the venue to cancel off the event loop, so a slow broker
// round-trip never stalls bar or event processing. An order whose placement
// ack has not arrived yet is resolved by token first.
func (m *Manager) requestCancel(o *models.Order) {
	if o.OrderID == "" {
		go m.cancelByToken(o.ClientToken)
		return
	}
	go func(id string) {
		if err := m.broker.CancelOrder(id); err != nil {
			m.logger.Warnw("cancel request failed", "order_id", id, "error", err)
		}
	}(o.OrderID)
}

// cancelByToken cancels an order whose venue ID is not known yet. Retries
// cover the window where the placement request is still in flight; a token
// the venue never saw needs no cancel.
func (m *Manager) cancelByToken(token string) {
	for i := 0; i < 5; i++ {
		o, err := m.broker.GetOrderByToken(token)
		if err == nil {
			if !o.Status.Terminal() {
				if err := m.broker.CancelOrder(o.OrderID); err != nil {
					m.logger.Warnw("cancel by token failed", "token", token, "error", err)
				}
			}
			return
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) closeGroup(ctx *SymbolContext, reason string) {
	g := ctx.Group
	if g == nil {
		return
	}
	if g.OpenQty() < 0 {
		m.logger.Errorw("ALERT: exits exceeded the entry", "group", g.GroupID,
			"over", -g.OpenQty(), "alert", "oversold")
		m.journal.Append("alert", map[string]interface{}{"kind": "oversold", "group": g.GroupID, "qty": -g.OpenQty()})
	}
	m.transition(ctx, models.Closed, reason)
	for _, o := range append([]*models.Order{g.Entry, g.FlattenOut}, g.ExitLegs()...) {
		if o != nil {
			delete(m.pending, o.ClientToken)
		}
	}
	ctx.Group = nil
	m.logger.Infow("group closed", "symbol", ctx.Symbol, "group", g.GroupID, "reason", reason)
}

// checkManaged enforces the prime invariant: a filled entry must always be
// covered by a protective leg or be on the flattening path. Anything else is
// a state inconsistency: flatten now and stop trading the symbol.
func (m *Manager) checkManaged(ctx *SymbolContext) {
	g := ctx.Group
	if g == nil || g.State == models.Flattening || g.State == models.Closed || g.State == models.PendingEntry {
		return
	}
	if g.OpenQty() <= 0 {
		return
	}
	protected := g.StopLoss != nil && !g.StopLoss.Status.Terminal()
	if protected {
		return
	}
	err := &models.StateInconsistencyError{Symbol: ctx.Symbol, Reason: "entry filled with no resting protective leg"}
	m.logger.Errorw("ALERT: unmanaged position detected", "group", g.GroupID, "error", err, "alert", "state_inconsistency")
	m.journal.Append("alert", map[string]interface{}{"kind": "state_inconsistency", "group": g.GroupID})
	ctx.Halted = true
	metrics.Flattens.WithLabelValues("state_inconsistency").Inc()
	m.startFlattening(ctx, "state_inconsistency")
}

// --- helpers ---

func (m *Manager) contextFor(symbol string) *SymbolContext {
	ctx, ok := m.contexts[symbol]
	if !ok {
		ctx = &SymbolContext{Symbol: symbol, retries: make(map[models.Leg]int)}
		m.contexts[symbol] = ctx
	}
	return ctx
}

func (m *Manager) findLeg(token string) (*SymbolContext, models.Leg, *models.Order) {
	for _, ctx := range m.contexts {
		if ctx.Group == nil {
			continue
		}
		if leg, o := ctx.Group.LegOf(token); o != nil {
			return ctx, leg, o
		}
	}
	return nil, "", nil
}

func (m *Manager) transition(ctx *SymbolContext, to models.GroupState, reason string) {
	g := ctx.Group
	from := g.State
	if from != "" && from != to {
		metrics.GroupState.WithLabelValues(string(from)).Dec()
	}
	g.State = to
	if from != to || from == "" {
		metrics.GroupState.WithLabelValues(string(to)).Inc()
	}
	if to == models.Closed {
		metrics.GroupState.WithLabelValues(string(to)).Dec()
	}
	m.logger.Infow("group transition", "symbol", ctx.Symbol, "group", g.GroupID, "from", from, "to", to, "reason", reason)
	m.journal.Append("transition", map[string]interface{}{
		"group": g.GroupID, "from": from, "to": to, "reason": reason,
	})
}

func (m *Manager) recordTrade(ctx *SymbolContext, leg models.Leg, o *models.Order, qty int) {
	g := ctx.Group
	entryPrice := g.Entry.AvgFillPrice
	exitPrice := o.AvgFillPrice
	trade := models.CompletedTrade{
		Symbol:     ctx.Symbol,
		Contract:   g.Contract,
		Leg:        string(leg),
		Quantity:   qty,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		Profit:     (exitPrice - entryPrice) * float64(qty) * m.cfg.ContractMultiplier,
		EntryTime:  g.CreatedAt,
		ExitTime:   o.UpdateTime,
	}
	m.trades = append(m.trades, trade)
	m.journal.Append("trade", trade)
}

func copyGroup(g *models.BracketGroup) *models.BracketGroup {
	cp := *g
	copyOrder := func(o *models.Order) *models.Order {
		if o == nil {
			return nil
		}
		oc := *o
		return &oc
	}
	cp.Entry = copyOrder(g.Entry)
	cp.TakeProfit = copyOrder(g.TakeProfit)
	cp.StopLoss = copyOrder(g.StopLoss)
	cp.PartialSell = copyOrder(g.PartialSell)
	cp.FlattenOut = copyOrder(g.FlattenOut)
	return &cp
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
