package apperrors

import "errors"

// Standardized Venue Errors
var (
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidInstrument    = errors.New("invalid instrument")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrVenueMaintenance     = errors.New("venue maintenance")
	ErrOrderNotFound        = errors.New("order not found")
	ErrTimestampOutOfBounds = errors.New("timestamp out of bounds")
	ErrSystemOverload       = errors.New("system overload")
)

// Reconciliation Errors
var (
	ErrReportIncomplete     = errors.New("report incomplete")
	ErrReconciliationHalted = errors.New("reconciliation halted")
	ErrStreamAlreadyActive  = errors.New("stream already active")
	ErrUnknownVenue         = errors.New("unknown venue")
)
