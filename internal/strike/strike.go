// Package strike maps a directional signal and the current underlying price
// to a specific option contract.
package strike

import (
	"fmt"
	"math"
	"time"

	"options-breakout-bot-go/internal/models"
)

// Selector resolves near-the-money contracts on a discrete strike grid.
type Selector struct {
	step         float64 // strike grid increment
	tolerance    float64 // max distance between strike and underlying price
	expDaysAhead int
	loc          *time.Location

	now func() time.Time // injectable clock for tests
}

// NewSelector builds a selector from config. The location is the venue's
// local time zone and drives expiry dating.
func NewSelector(step, tolerance float64, expDaysAhead int, loc *time.Location) *Selector {
	return &Selector{
		step:         step,
		tolerance:    tolerance,
		expDaysAhead: expDaysAhead,
		loc:          loc,
		now:          time.Now,
	}
}

// SelectContract picks the nearest at-the-money contract for the direction:
// a CALL at the nearest strike at or above price for UP, a PUT at the nearest
// strike at or below for DOWN. When that strike sits outside the tolerance the
// nearest strike overall is tried; if it is still outside, the selection fails
// with ErrNoContractAvailable and no trade happens this cycle.
func (s *Selector) SelectContract(symbol string, direction models.Direction, price float64) (models.Contract, error) {
	if direction != models.DirectionUp && direction != models.DirectionDown {
		return models.Contract{}, fmt.Errorf("no contract for direction %s: %w", direction, models.ErrNoContractAvailable)
	}
	if s.step <= 0 || price <= 0 {
		return models.Contract{}, fmt.Errorf("cannot resolve strike for %s at price %.4f: %w", symbol, price, models.ErrNoContractAvailable)
	}

	var strikePrice float64
	if direction == models.DirectionUp {
		strikePrice = math.Ceil(price/s.step) * s.step
	} else {
		strikePrice = math.Floor(price/s.step) * s.step
	}

	if math.Abs(strikePrice-price) > s.tolerance {
		strikePrice = math.Round(price/s.step) * s.step
		if math.Abs(strikePrice-price) > s.tolerance {
			return models.Contract{}, fmt.Errorf("nearest strike %.2f is %.2f away from price %.4f (tolerance %.2f): %w",
				strikePrice, math.Abs(strikePrice-price), price, s.tolerance, models.ErrNoContractAvailable)
		}
	}

	right := models.Call
	if direction == models.DirectionDown {
		right = models.Put
	}

	return models.Contract{
		Symbol: symbol,
		Expiry: s.expiry(),
		Strike: strikePrice,
		Right:  right,
	}, nil
}

// expiry applies the configured policy: today plus ExpDaysAhead calendar days
// in venue time, rolled forward past weekends.
func (s *Selector) expiry() string {
	d := s.now().In(s.loc).AddDate(0, 0, s.expDaysAhead)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d.Format("20060102")
}
