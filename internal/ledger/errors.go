package ledger

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/state"
	"errors"
	"fmt"
)

// ErrKeyHalted is returned for every trade on a book halted by a
// consistency violation, until a recompute succeeds.
var ErrKeyHalted = errors.New("book halted")

// ConcurrentMutationError means the position kept changing between read and
// commit and the bounded retries ran out. The trade was not applied.
type ConcurrentMutationError struct {
	TradeID  string
	Key      state.Key
	Attempts int
	Err      error
}

func (e *ConcurrentMutationError) Error() string {
	return fmt.Sprintf("trade %s on %s: concurrent mutation after %d attempts: %v", e.TradeID, e.Key, e.Attempts, e.Err)
}

func (e *ConcurrentMutationError) Unwrap() error { return e.Err }

// ConsistencyViolation means stored ledger state has drifted from its
// invariants. The book is halted until recomputed.
type ConsistencyViolation struct {
	Key    state.Key
	Reason string
	Err    error
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation on %s: %s", e.Key, e.Reason)
}

func (e *ConsistencyViolation) Unwrap() error { return e.Err }

// IsRejection reports whether err is terminal for the trade: it must be
// reported back to the producer and never retried.
func IsRejection(err error) bool {
	var ve *event.ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether redelivering the trade later can succeed.
func IsRetryable(err error) bool {
	var cme *ConcurrentMutationError
	return errors.As(err, &cme) || errors.Is(err, ErrKeyHalted)
}

// IsDuplicate reports whether the trade was already stored.
func IsDuplicate(err error) bool {
	return errors.Is(err, persistence.ErrDuplicateTrade)
}
