package feed

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"options-breakout-bot-go/internal/models"
)

// DummyFeed synthesizes a session of 5-minute bars as a random walk around a
// base price. One instance produces one session and then reports io.EOF.
type DummyFeed struct {
	mu        sync.Mutex
	rng       *rand.Rand
	price     float64
	ts        time.Time
	remaining int
	interval  time.Duration // wall-clock pacing between bars, 0 for none
	closed    bool
}

// NewDummyFeed builds a feed of n bars starting at basePrice. interval paces
// delivery in wall-clock time; pass 0 to deliver as fast as consumed.
func NewDummyFeed(basePrice float64, n int, interval time.Duration, seed int64) *DummyFeed {
	return &DummyFeed{
		rng:       rand.New(rand.NewSource(seed)),
		price:     basePrice,
		ts:        time.Now().Add(-time.Duration(n) * 5 * time.Minute).Truncate(5 * time.Minute),
		remaining: n,
		interval:  interval,
	}
}

// Next implements BarFeed.
func (f *DummyFeed) Next() (*models.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.remaining <= 0 {
		return nil, io.EOF
	}
	if f.interval > 0 {
		time.Sleep(f.interval)
	}

	open := f.price
	f.price += f.rng.NormFloat64()
	closePrice := f.price

	hi := open
	lo := open
	if closePrice > hi {
		hi = closePrice
	}
	if closePrice < lo {
		lo = closePrice
	}

	bar := &models.Bar{
		Timestamp: f.ts,
		Open:      open,
		High:      hi + 1,
		Low:       lo - 1,
		Close:     closePrice,
		Volume:    float64(1000 + f.rng.Intn(9000)),
	}

	f.ts = f.ts.Add(5 * time.Minute)
	f.remaining--
	return bar, nil
}

// Close implements BarFeed.
func (f *DummyFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
