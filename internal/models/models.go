package models

import (
	"fmt"
	"time"
)

// Config holds every tunable of the bot. All values are loaded from the
// environment once at startup; see internal/config.
type Config struct {
	Symbol             string  // underlying, e.g. "SPY"
	PositionUSD        float64 // notional budget per entry
	Mode               string  // "DUMMY" or "LIVE"
	TakeProfitPct      float64 // TP price offset, fraction of entry premium
	StopLossPct        float64 // SL price offset, fraction of entry premium
	PartialSellPct     float64 // fraction of filled quantity kept under the bracket; the rest scales out early
	EodTime            string  // "HH:MM" in venue local time
	Timezone           string  // venue time zone name, e.g. "US/Mountain"
	LookbackBars       int     // rolling breakout window length
	MinWarmupBars      int     // bars required before any signal may fire
	BreakoutThreshold  float64 // breakout margin, fraction of price
	OTMThreshold       float64 // max strike distance from the underlying price
	StrikeStep         float64 // strike grid increment
	ExpDaysAhead       int     // expiry policy: calendar days ahead
	ContractMultiplier float64 // shares per contract, 100 for US equity options

	SubmitTimeoutSec     int // unconfirmed submission becomes unknown-status after this
	ReconcileIntervalSec int // status poll cadence for unknown-status orders
	EodMaxRetries        int // bounded EOD cancel/close retries
	EodRetryBackoffMs    int // initial EOD retry backoff

	BrokerHost     string
	BrokerPort     int
	BrokerClientID int

	BarIntervalSec int    // dummy feed pacing; 0 means as fast as consumed
	JournalPath    string // badger journal directory, empty disables journaling
	MetricsAddr    string // prometheus listen address, empty disables

	Log LogConfig
}

// LogConfig mirrors the logger settings.
type LogConfig struct {
	Level      string // "debug", "info", "warn", "error"
	Output     string // "console", "file", "both"
	File       string
	MaxSize    int // MB per log file
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Bar is a single OHLCV interval, immutable once produced by a feed.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Direction is the outcome of trigger detection for one bar.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionNone Direction = "NONE"
)

// Signal is the per-bar trigger decision. Recomputed on every bar, never
// persisted.
type Signal struct {
	Direction    Direction
	TriggerPrice float64
	Timestamp    time.Time
}

// Right is the option right.
type Right string

const (
	Call Right = "CALL"
	Put  Right = "PUT"
)

// Contract identifies one option contract. Immutable once selected for a
// position.
type Contract struct {
	Symbol string  `json:"symbol"`
	Expiry string  `json:"expiry"` // YYYYMMDD
	Strike float64 `json:"strike"`
	Right  Right   `json:"right"`
}

func (c Contract) String() string {
	return fmt.Sprintf("%s %s %.2f %s", c.Symbol, c.Expiry, c.Strike, c.Right)
}

// Side is the order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType is the venue order type.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
	Stop   OrderType = "STOP"
)

// OrderStatus is the broker-reported order state. The broker is the source of
// truth; the lifecycle manager only mirrors it.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN" // submission not yet confirmed
)

// Terminal reports whether no further transitions are possible for the status.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is one venue order, owned by exactly one bracket group.
type Order struct {
	OrderID      string      `json:"order_id"`
	ClientToken  string      `json:"client_token"` // idempotency token assigned at submission
	Contract     Contract    `json:"contract"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Quantity     int         `json:"quantity"`
	LimitPrice   float64     `json:"limit_price,omitempty"`
	StopPrice    float64     `json:"stop_price,omitempty"`
	OCAGroup     string      `json:"oca_group,omitempty"` // one-cancels-all group identifier
	Status       OrderStatus `json:"status"`
	FilledQty    int         `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	UpdateTime   time.Time   `json:"update_time"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int {
	if o == nil {
		return 0
	}
	return o.Quantity - o.FilledQty
}

// OrderUpdate is one event from the broker's status stream.
type OrderUpdate struct {
	OrderID      string      `json:"order_id"`
	ClientToken  string      `json:"client_token"`
	Status       OrderStatus `json:"status"`
	FilledQty    int         `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Timestamp    time.Time   `json:"timestamp"`
}

// CompletedTrade records one closed exit for the session report.
type CompletedTrade struct {
	Symbol     string    `json:"symbol"`
	Contract   Contract  `json:"contract"`
	Leg        string    `json:"leg"` // take_profit, partial_sell, stop_loss, flatten
	Quantity   int       `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Profit     float64   `json:"profit"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
}
