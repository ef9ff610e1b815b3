// Package bot ties the feed, trigger detector, lifecycle manager and EOD
// supervisor into one session. The bar loop is strictly serialized: every
// bar passes through the broker mark, the EOD check and the trigger before
// the next bar is read, so trading decisions always see a consistent world.
package bot

import (
	"errors"
	"io"
	"os"
	"time"

	"options-breakout-bot-go/internal/broker"
	"options-breakout-bot-go/internal/eod"
	"options-breakout-bot-go/internal/feed"
	"options-breakout-bot-go/internal/lifecycle"
	"options-breakout-bot-go/internal/metrics"
	"options-breakout-bot-go/internal/models"
	"options-breakout-bot-go/internal/reporter"
	"options-breakout-bot-go/internal/trigger"

	"go.uber.org/zap"
)

// Bot runs one trading session for one underlying.
type Bot struct {
	cfg      *models.Config
	feed     feed.BarFeed
	broker   broker.Broker
	detector *trigger.Detector
	manager  *lifecycle.Manager
	eod      *eod.Supervisor
	logger   *zap.SugaredLogger

	stopChan  chan struct{}
	doneChan  chan struct{}
	startTime time.Time
}

// New assembles a session from already-constructed components.
func New(cfg *models.Config, f feed.BarFeed, b broker.Broker, d *trigger.Detector, m *lifecycle.Manager, s *eod.Supervisor, logger *zap.SugaredLogger) *Bot {
	return &Bot{
		cfg:      cfg,
		feed:     f,
		broker:   b,
		detector: d,
		manager:  m,
		eod:      s,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Run processes bars until the feed ends, the EOD sequence completes, or
// Stop is called. It always leaves the account flat before returning: any
// exit path with groups still active runs the liquidation sequence.
func (b *Bot) Run() error {
	defer close(b.doneChan)
	b.startTime = time.Now()
	b.manager.Start()
	b.logger.Infow("session started", "symbol", b.cfg.Symbol, "mode", b.cfg.Mode)

	var runErr error

loop:
	for {
		select {
		case <-b.stopChan:
			break loop
		default:
		}

		bar, err := b.feed.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Errorw("feed error", "error", err)
				runErr = err
			}
			break loop
		}

		metrics.Bars.Inc()
		b.broker.OnBar(*bar)

		if err := b.eod.OnBar(*bar); err != nil {
			runErr = err
			break loop
		}
		if b.eod.Triggered() {
			continue
		}

		sig := b.detector.OnBar(*bar)
		metrics.Signals.WithLabelValues(string(sig.Direction)).Inc()
		if sig.Direction != models.DirectionNone {
			b.logger.Infow("breakout trigger", "symbol", b.cfg.Symbol,
				"direction", sig.Direction, "price", sig.TriggerPrice, "time", sig.Timestamp)
		}
		b.manager.OnBar(*bar, sig)

		b.pace()
	}

	// Never exit with a live position, whatever ended the loop.
	if !b.eod.Triggered() || b.manager.ActiveGroups() > 0 {
		if err := b.eod.Liquidate("session_end"); err != nil && runErr == nil {
			runErr = err
		}
	}

	b.manager.Stop()
	b.report()
	b.logger.Infow("session finished", "symbol", b.cfg.Symbol)
	return runErr
}

// Stop asks the bar loop to wind down and waits for it.
func (b *Bot) Stop() {
	select {
	case <-b.stopChan:
	default:
		close(b.stopChan)
	}
	<-b.doneChan
}

// pace throttles the dummy feed to the configured cadence. A live feed
// already arrives in real time with BAR_INTERVAL_SEC left at zero.
func (b *Bot) pace() {
	if b.cfg.BarIntervalSec <= 0 {
		return
	}
	select {
	case <-time.After(time.Duration(b.cfg.BarIntervalSec) * time.Second):
	case <-b.stopChan:
	}
}

func (b *Bot) report() {
	m := reporter.Calculate(b.cfg.Symbol, b.manager.Trades(), b.startTime, time.Now())
	reporter.Render(os.Stdout, m)
}
