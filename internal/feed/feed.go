// Package feed supplies sequential price bars. Like the broker, the feed is
// a capability interface with a simulated and a live implementation chosen
// once at startup.
package feed

import "options-breakout-bot-go/internal/models"

// BarFeed produces bars in strictly increasing timestamp order.
// Next returns io.EOF when the session's stream is exhausted.
type BarFeed interface {
	Next() (*models.Bar, error)
	Close() error
}
