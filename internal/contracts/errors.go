package contracts

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Error taxonomy
// =============================================================================

// ErrorKind classifies failures by how callers must react
type ErrorKind string

const (
	// InputError: malformed or missing raw signal. Degrade to zero, continue.
	InputError ErrorKind = "INPUT"
	// TransientIOError: timeout or connectivity. Skip this tick, retry next tick.
	TransientIOError ErrorKind = "TRANSIENT_IO"
	// BrokerRejection: order refused by broker. Terminal, no silent retry.
	BrokerRejection ErrorKind = "BROKER_REJECTION"
	// InvariantViolation: state that must never happen. Fatal to the operation only.
	InvariantViolation ErrorKind = "INVARIANT"
)

// Sentinel errors
var (
	ErrDuplicateInFlight = errors.New("non-terminal order already exists for symbol and side")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrUnknownPosition   = errors.New("unknown position")
	ErrNoOpenQuantity    = errors.New("position has no open quantity")
	ErrPositionActive    = errors.New("symbol already has an active position")
	ErrEntryBlocked      = errors.New("entry blocked by risk guard")
	ErrSchedulerStopped  = errors.New("scheduler stopped")
)

// TradingError carries a kind plus the failing operation
type TradingError struct {
	Kind   ErrorKind
	Op     string
	Symbol string
	Err    error
}

func (e *TradingError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.Kind, e.Symbol, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *TradingError) Unwrap() error {
	return e.Err
}

// NewInputError wraps err as InputError
func NewInputError(op, symbol string, err error) error {
	return &TradingError{Kind: InputError, Op: op, Symbol: symbol, Err: err}
}

// NewTransientError wraps err as TransientIOError
func NewTransientError(op, symbol string, err error) error {
	return &TradingError{Kind: TransientIOError, Op: op, Symbol: symbol, Err: err}
}

// NewBrokerRejection wraps err as BrokerRejection
func NewBrokerRejection(op, symbol string, err error) error {
	return &TradingError{Kind: BrokerRejection, Op: op, Symbol: symbol, Err: err}
}

// NewInvariantViolation wraps err as InvariantViolation
func NewInvariantViolation(op, symbol string, err error) error {
	return &TradingError{Kind: InvariantViolation, Op: op, Symbol: symbol, Err: err}
}

// KindOf returns the kind of err. Deadline / cancellation errors that were
// never wrapped count as TransientIOError; anything else unknown is "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TradingError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientIOError
	}
	return ""
}

// IsTransient reports whether err should be skipped until the next tick
func IsTransient(err error) bool {
	return KindOf(err) == TransientIOError
}

// IsRejection reports whether err is a broker rejection
func IsRejection(err error) bool {
	return KindOf(err) == BrokerRejection
}
