// Package eod enforces the end-of-day flat rule: once the configured venue
// local time is crossed, triggering stops, every open bracket is driven
// closed, and the flat state is verified against the broker before the
// session is allowed to end.
package eod

import (
	"time"

	"options-breakout-bot-go/internal/broker"
	"options-breakout-bot-go/internal/models"

	"go.uber.org/zap"
)

// Flattener is the slice of the lifecycle manager the supervisor drives.
type Flattener interface {
	Halt(reason string)
	FlattenAll(reason string)
	ActiveGroups() int
}

// Supervisor watches bar timestamps for the EOD crossing and owns forced
// liquidation. It never trades on its own; all order activity goes through
// the lifecycle manager.
type Supervisor struct {
	broker    broker.Broker
	manager   Flattener
	logger    *zap.SugaredLogger
	symbol    string
	loc       *time.Location
	eodHour   int
	eodMinute int

	maxRetries int
	backoff    time.Duration
	sleep      func(time.Duration) // injectable for tests

	triggered bool
}

// NewSupervisor parses the "HH:MM" cutoff in the given venue time zone.
func NewSupervisor(cfg *models.Config, b broker.Broker, m Flattener, loc *time.Location, logger *zap.SugaredLogger) (*Supervisor, error) {
	t, err := time.Parse("15:04", cfg.EodTime)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		broker:     b,
		manager:    m,
		logger:     logger,
		symbol:     cfg.Symbol,
		loc:        loc,
		eodHour:    t.Hour(),
		eodMinute:  t.Minute(),
		maxRetries: cfg.EodMaxRetries,
		backoff:    time.Duration(cfg.EodRetryBackoffMs) * time.Millisecond,
		sleep:      time.Sleep,
	}, nil
}

// Triggered reports whether the EOD sequence has already run.
func (s *Supervisor) Triggered() bool { return s.triggered }

// OnBar checks the bar's timestamp against the cutoff and, on the first
// crossing, runs the liquidation sequence. Returns the verification error if
// the account could not be confirmed flat; nil otherwise.
func (s *Supervisor) OnBar(bar models.Bar) error {
	if s.triggered || !s.past(bar.Timestamp) {
		return nil
	}
	s.triggered = true
	return s.Liquidate("eod")
}

// Liquidate halts triggering, flattens every group and verifies the flat
// state with bounded retries. On exhaustion it returns an
// EodReconciliationError carrying whatever the broker still reports open.
func (s *Supervisor) Liquidate(reason string) error {
	s.triggered = true
	s.logger.Infow("end of day reached, liquidating", "reason", reason)
	s.manager.Halt(reason)
	s.manager.FlattenAll(reason)

	backoff := s.backoff
	var openOrders []string
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		s.sleep(backoff)
		backoff *= 2

		if s.manager.ActiveGroups() > 0 {
			s.logger.Warnw("groups still active after flatten", "attempt", attempt)
			s.manager.FlattenAll(reason)
			continue
		}
		open, err := s.broker.GetOpenOrders()
		if err != nil {
			s.logger.Warnw("open order check failed", "attempt", attempt, "error", err)
			continue
		}
		openOrders = openOrders[:0]
		for _, o := range open {
			openOrders = append(openOrders, o.OrderID)
			if err := s.broker.CancelOrder(o.OrderID); err != nil {
				s.logger.Warnw("eod cancel failed", "order_id", o.OrderID, "error", err)
			}
		}
		if len(openOrders) == 0 {
			s.logger.Infow("account verified flat", "attempts", attempt)
			return nil
		}
		s.logger.Warnw("orders still open at eod", "attempt", attempt, "orders", openOrders)
	}

	err := &models.EodReconciliationError{
		Symbol:        s.symbol,
		Attempts:      s.maxRetries,
		OpenOrders:    len(openOrders),
		OpenPositions: s.manager.ActiveGroups(),
	}
	s.logger.Errorw("ALERT: could not verify flat at end of day", "error", err, "alert", "eod_reconciliation")
	return err
}

// past reports whether ts is at or beyond the cutoff in the venue time zone.
func (s *Supervisor) past(ts time.Time) bool {
	local := ts.In(s.loc)
	if local.Hour() != s.eodHour {
		return local.Hour() > s.eodHour
	}
	return local.Minute() >= s.eodMinute
}
