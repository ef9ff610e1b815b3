package trigger

import (
	"testing"
	"time"

	"options-breakout-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func barAt(i int, high, low, close float64) models.Bar {
	base := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)
	return models.Bar{
		Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
		Open:      close,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1000,
	}
}

func TestColdStartEmitsNone(t *testing.T) {
	d := NewDetector(12, 3, 0.001)

	for i := 0; i < 3; i++ {
		sig := d.OnBar(barAt(i, 500, 100, 300))
		assert.Equal(t, models.DirectionNone, sig.Direction, "bar %d fired before warm-up", i)
	}
	assert.True(t, d.WarmedUp())
}

func TestUpBreakoutFiresOnceAtCrossing(t *testing.T) {
	d := NewDetector(12, 3, 0.001)

	// Flat warm-up: highs at 401, lows at 399.
	for i := 0; i < 5; i++ {
		sig := d.OnBar(barAt(i, 401, 399, 400))
		require.Equal(t, models.DirectionNone, sig.Direction)
	}

	// Closes above 401 * 1.001 = 401.401.
	sig := d.OnBar(barAt(5, 403, 401, 402))
	assert.Equal(t, models.DirectionUp, sig.Direction)
	assert.Equal(t, 402.0, sig.TriggerPrice)

	// The breakout bar is in the window now; the same close is no longer a
	// breakout relative to its own high.
	sig = d.OnBar(barAt(6, 403, 401, 402))
	assert.Equal(t, models.DirectionNone, sig.Direction)
}

func TestCloseInsideThresholdDoesNotFire(t *testing.T) {
	d := NewDetector(12, 3, 0.001)

	for i := 0; i < 5; i++ {
		d.OnBar(barAt(i, 401, 399, 400))
	}
	// 401.2 exceeds the window high but not high*(1+threshold).
	sig := d.OnBar(barAt(5, 401.5, 400, 401.2))
	assert.Equal(t, models.DirectionNone, sig.Direction)
}

func TestDownBreakout(t *testing.T) {
	d := NewDetector(12, 3, 0.001)

	for i := 0; i < 5; i++ {
		d.OnBar(barAt(i, 401, 399, 400))
	}
	// Closes below 399 * 0.999 = 398.601.
	sig := d.OnBar(barAt(5, 399, 397, 398))
	assert.Equal(t, models.DirectionDown, sig.Direction)
}

func TestWindowSlidesOldExtremesOut(t *testing.T) {
	d := NewDetector(3, 2, 0.001)

	// An early spike to 450 that will age out of the 3-bar window.
	d.OnBar(barAt(0, 450, 399, 400))
	for i := 1; i < 5; i++ {
		d.OnBar(barAt(i, 401, 399, 400))
	}

	// 402 clears the post-spike window high of 401.
	sig := d.OnBar(barAt(5, 402, 400, 402))
	assert.Equal(t, models.DirectionUp, sig.Direction)
}

func TestDeterministicAcrossRuns(t *testing.T) {
	run := func() []models.Direction {
		d := NewDetector(5, 3, 0.001)
		var out []models.Direction
		closes := []float64{400, 400.5, 399.8, 400.2, 402.5, 401, 397.5, 398}
		for i, c := range closes {
			sig := d.OnBar(barAt(i, c+0.5, c-0.5, c))
			out = append(out, sig.Direction)
		}
		return out
	}
	assert.Equal(t, run(), run())
}
