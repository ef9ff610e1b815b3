package models

import "time"

// GroupState is the lifecycle state of a bracket group.
type GroupState string

const (
	PendingEntry  GroupState = "PENDING_ENTRY"
	EntryFilled   GroupState = "ENTRY_FILLED"
	BracketActive GroupState = "BRACKET_ACTIVE"
	Flattening    GroupState = "FLATTENING"
	Closed        GroupState = "CLOSED"
)

// Terminal reports whether the group has left active tracking.
func (s GroupState) Terminal() bool { return s == Closed }

// Leg names the role an order plays inside a bracket group.
type Leg string

const (
	LegEntry       Leg = "entry"
	LegTakeProfit  Leg = "take_profit"
	LegStopLoss    Leg = "stop_loss"
	LegPartialSell Leg = "partial_sell"
	LegFlatten     Leg = "flatten"
)

// BracketGroup owns an entry order and its linked exit legs. The group, not
// any individual order, is the unit of cancellation: a fill on one exit leg
// cancels the resting siblings.
type BracketGroup struct {
	GroupID  string     `json:"group_id"`
	Symbol   string     `json:"symbol"`
	Contract Contract   `json:"contract"`
	State    GroupState `json:"state"`

	Entry       *Order `json:"entry"`
	TakeProfit  *Order `json:"take_profit,omitempty"`
	StopLoss    *Order `json:"stop_loss,omitempty"`
	PartialSell *Order `json:"partial_sell,omitempty"`
	FlattenOut  *Order `json:"flatten,omitempty"` // market close used on the FLATTENING path

	ClosedQty      int       `json:"closed_qty"` // exit quantity confirmed filled
	CreatedAt      time.Time `json:"created_at"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// OpenQty is the filled entry quantity not yet closed by an exit fill. The
// position is always derived from order state, never tracked separately.
func (g *BracketGroup) OpenQty() int {
	if g == nil || g.Entry == nil {
		return 0
	}
	return g.Entry.FilledQty - g.ClosedQty
}

// ExitLegs returns the bracket legs that exist, in protective-priority order.
func (g *BracketGroup) ExitLegs() []*Order {
	var legs []*Order
	for _, o := range []*Order{g.StopLoss, g.TakeProfit, g.PartialSell} {
		if o != nil {
			legs = append(legs, o)
		}
	}
	return legs
}

// LegOf reports which role the given client token plays in the group.
func (g *BracketGroup) LegOf(token string) (Leg, *Order) {
	switch {
	case g.Entry != nil && g.Entry.ClientToken == token:
		return LegEntry, g.Entry
	case g.TakeProfit != nil && g.TakeProfit.ClientToken == token:
		return LegTakeProfit, g.TakeProfit
	case g.StopLoss != nil && g.StopLoss.ClientToken == token:
		return LegStopLoss, g.StopLoss
	case g.PartialSell != nil && g.PartialSell.ClientToken == token:
		return LegPartialSell, g.PartialSell
	case g.FlattenOut != nil && g.FlattenOut.ClientToken == token:
		return LegFlatten, g.FlattenOut
	}
	return "", nil
}
