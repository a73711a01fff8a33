package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// DataErrorKind classifies book consistency failures.
type DataErrorKind string

const (
	GapDetected DataErrorKind = "GAP_DETECTED"
	EmptyBook   DataErrorKind = "EMPTY_BOOK"
	StaleBook   DataErrorKind = "STALE_BOOK"
)

// DataError reports a stale, gapped or empty book. It only affects the tick
// that produced it; the book must be resynced from a fresh snapshot.
type DataError struct {
	Kind     DataErrorKind
	Symbol   string
	Expected uint64
	Got      uint64
}

func (e *DataError) Error() string {
	if e.Kind == GapDetected {
		return fmt.Sprintf("data error [%s] %s: expected seq %d, got %d", e.Kind, e.Symbol, e.Expected, e.Got)
	}
	return fmt.Sprintf("data error [%s] %s", e.Kind, e.Symbol)
}

// IsDataError reports whether err is a DataError of the given kind.
func IsDataError(err error, kind DataErrorKind) bool {
	var de *DataError
	return errors.As(err, &de) && de.Kind == kind
}

// ValidationError is returned when a signal filter blocks a candidate.
type ValidationError struct {
	Filter string
	Reason string
}

func (e *ValidationError) Error() string {
	return "blocked by " + e.Filter + ": " + e.Reason
}

// RiskViolation means a hard limit was breached and the kill switch tripped.
// Fatal to trading, not to the process.
type RiskViolation struct {
	Reason string
}

func (e *RiskViolation) Error() string {
	return "risk violation: " + e.Reason
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "buy", "balance", "set_leverage")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// BrokerRejection is a 4xx-class refusal (insufficient funds, invalid order).
// Never retried.
type BrokerRejection struct {
	Op   string
	Code string
	Msg  string
}

func (e *BrokerRejection) Error() string {
	return "broker rejected " + e.Op + " [" + e.Code + "]: " + e.Msg
}

func (e *BrokerRejection) IsRetriable() bool {
	return false
}

// FatalError is an unexpected internal fault. It forces an emergency shutdown.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrKillSwitchActive is returned by every open attempt once the latch is set.
	ErrKillSwitchActive = errors.New("kill switch active")

	// ErrNoPosition is returned when closing a symbol with no open position.
	ErrNoPosition = errors.New("no open position")

	// ErrNoPrice is returned when a broker has no reference price for a symbol.
	ErrNoPrice = errors.New("no reference price")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
