package models

import (
	"errors"
	"fmt"
)

// ErrNoContractAvailable means strike selection could not resolve a contract.
// It is a no-trade outcome, never a crash.
var ErrNoContractAvailable = errors.New("no contract available")

// ErrSubmissionTimeout means a placement was not acknowledged within the
// configured window. The order is unknown-status and must be reconciled by a
// status poll, never resubmitted blindly.
var ErrSubmissionTimeout = errors.New("order submission timed out")

// BrokerError is an error payload returned by the broker API.
type BrokerError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error: code=%d, msg=%s", e.Code, e.Msg)
}

// OrderRejectedError reports a REJECTED status on a leg. The first rejection
// of an exit leg is retried once; the second escalates to FLATTENING.
type OrderRejectedError struct {
	OrderID string
	Leg     Leg
	Reason  string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order %s (%s) rejected: %s", e.OrderID, e.Leg, e.Reason)
}

// EodReconciliationError is fatal: the end-of-day supervisor exhausted its
// retries without broker confirmation that everything is closed. It demands a
// human, not another retry.
type EodReconciliationError struct {
	Symbol        string
	Attempts      int
	OpenOrders    int
	OpenPositions int
}

func (e *EodReconciliationError) Error() string {
	return fmt.Sprintf("EOD reconciliation failed for %s after %d attempts: %d open orders, %d open positions remain unconfirmed",
		e.Symbol, e.Attempts, e.OpenOrders, e.OpenPositions)
}

// StateInconsistencyError reports an entry fill with no bracket in place, the
// one state the engine must never sit in. The manager flattens immediately
// and halts new triggers for the symbol.
type StateInconsistencyError struct {
	Symbol string
	Reason string
}

func (e *StateInconsistencyError) Error() string {
	return fmt.Sprintf("state inconsistency on %s: %s", e.Symbol, e.Reason)
}
