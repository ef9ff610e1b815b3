// Package journal records the session's order activity as an append-only log.
// It is an audit trail for the single session, not restart recovery: the
// engine never reads it back except to build the end-of-session report.
package journal

import "time"

// Entry is one journaled event.
type Entry struct {
	Seq       uint64      `json:"seq"`
	Type      string      `json:"type"` // transition, order, fill, alert, trade
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Journal abstracts the underlying store (BadgerDB, or a no-op when
// journaling is disabled).
type Journal interface {
	// Append writes one entry. Ordering follows call order.
	Append(entryType string, data interface{}) error

	// Entries returns every entry in append order.
	Entries() ([]Entry, error)

	// Close flushes and closes the store.
	Close() error
}

// Nop discards everything. Used when JOURNAL_PATH is unset.
type Nop struct{}

func (Nop) Append(string, interface{}) error { return nil }
func (Nop) Entries() ([]Entry, error)        { return nil, nil }
func (Nop) Close() error                     { return nil }
