// Package trigger implements the momentum-breakout signal over a rolling
// window of bars.
package trigger

import (
	"options-breakout-bot-go/internal/models"
)

// Detector consumes bars in timestamp order and emits one directional signal
// per bar. It is deterministic: the same bar sequence always yields the same
// signals, and no state outside the rolling window is kept.
type Detector struct {
	lookback  int
	minWarmup int
	threshold float64 // breakout margin as a fraction of price

	window []models.Bar // most recent bars, oldest first, excludes current
}

// NewDetector builds a detector with the given rolling window length, warm-up
// bar count and breakout threshold.
func NewDetector(lookback, minWarmup int, threshold float64) *Detector {
	if lookback < 2 {
		lookback = 2
	}
	if minWarmup < 1 {
		minWarmup = 1
	}
	return &Detector{
		lookback:  lookback,
		minWarmup: minWarmup,
		threshold: threshold,
		window:    make([]models.Bar, 0, lookback),
	}
}

// OnBar evaluates the bar against the prior window and then rolls it in.
// Before the warm-up count is reached it always emits NONE.
func (d *Detector) OnBar(bar models.Bar) models.Signal {
	sig := models.Signal{
		Direction:    models.DirectionNone,
		TriggerPrice: bar.Close,
		Timestamp:    bar.Timestamp,
	}

	if len(d.window) >= d.minWarmup {
		hi, lo := d.windowExtremes()
		switch {
		case bar.Close > hi*(1+d.threshold):
			sig.Direction = models.DirectionUp
		case bar.Close < lo*(1-d.threshold):
			sig.Direction = models.DirectionDown
		}
	}

	d.roll(bar)
	return sig
}

// WarmedUp reports whether enough bars have been seen to emit signals.
func (d *Detector) WarmedUp() bool {
	return len(d.window) >= d.minWarmup
}

func (d *Detector) windowExtremes() (hi, lo float64) {
	hi = d.window[0].High
	lo = d.window[0].Low
	for _, b := range d.window[1:] {
		if b.High > hi {
			hi = b.High
		}
		if b.Low < lo {
			lo = b.Low
		}
	}
	return hi, lo
}

func (d *Detector) roll(bar models.Bar) {
	d.window = append(d.window, bar)
	if len(d.window) > d.lookback {
		d.window = d.window[1:]
	}
}
