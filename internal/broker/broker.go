// Package broker defines the order-routing surface the lifecycle engine
// depends on, with a simulated and a live implementation behind the same
// interface. The mode is selected once at startup; nothing downstream
// branches on it.
package broker

import "options-breakout-bot-go/internal/models"

// Broker is the order-routing capability consumed by the lifecycle manager
// and the EOD supervisor.
//
// Every placement carries a client-assigned idempotency token: submitting the
// same token twice must yield the same venue order, so a retry after an
// unconfirmed submission can never double-place.
type Broker interface {
	// PlaceOrder submits the order and returns the venue order ID.
	PlaceOrder(order *models.Order, token string) (string, error)

	// CancelOrder requests cancellation. Cancelling an order the venue has
	// already completed is not an error; the terminal state wins.
	CancelOrder(orderID string) error

	// GetOrderStatus returns the venue's current view of the order.
	GetOrderStatus(orderID string) (*models.Order, error)

	// GetOrderByToken resolves an order by its idempotency token. This is the
	// reconciliation path for submissions whose ack was never observed.
	GetOrderByToken(token string) (*models.Order, error)

	// GetOpenOrders lists orders the venue still considers working.
	GetOpenOrders() ([]models.Order, error)

	// GetPremium quotes the current option premium for sizing an entry.
	GetPremium(contract models.Contract) (float64, error)

	// OnBar feeds the latest bar as the current mark. The simulated venue
	// fills resting orders from it; the live venue only tracks it.
	OnBar(bar models.Bar)

	// Events is the stream of order status updates.
	Events() <-chan models.OrderUpdate

	// Close releases connections and stops the event stream.
	Close() error
}
