package broker

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewToken returns a fresh client idempotency token: a UUID compacted with
// base62 so it fits venue client-order-id length limits.
func NewToken() string {
	u := uuid.New()
	return base62.EncodeToString(u[:])
}
