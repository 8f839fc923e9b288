package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures for the boundary layer.
type ErrorCode string

const (
	CodeNetwork          ErrorCode = "NETWORK_ERROR"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeInvalidVehicle   ErrorCode = "INVALID_VEHICLE"
	CodeNoData           ErrorCode = "NO_DATA_FOUND"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeInsufficientData ErrorCode = "INSUFFICIENT_DATA"
	CodeUnknown          ErrorCode = "UNKNOWN_ERROR"
)

// Sentinel errors whose messages the boundary layer matches on.
var (
	ErrNoListings   = errors.New("No vehicle listings found")
	ErrFetchFailed  = errors.New("Failed to fetch page content")
	ErrRateLimited  = errors.New("rate limited by provider")
	ErrTimeout      = errors.New("timeout")
	ErrNoGuideData  = errors.New("no price guide data")
	ErrNotInCatalog = errors.New("vehicle not found in catalog")
)

// ValuationError wraps a failure with its taxonomy code and provider context.
type ValuationError struct {
	Code     ErrorCode
	Provider string
	Message  string
	// Candidates lists known catalog names when Code is INVALID_VEHICLE.
	Candidates []string
	Err        error
}

func (e *ValuationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("[%s] provider=%s: %s", e.Code, e.Provider, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *ValuationError) Unwrap() error {
	return e.Err
}

// NewValuationError creates a ValuationError.
func NewValuationError(code ErrorCode, provider, message string, err error) *ValuationError {
	return &ValuationError{Code: code, Provider: provider, Message: message, Err: err}
}

// InsufficientDataError is the only error the aggregator raises itself.
func InsufficientDataError(observed, required int) *ValuationError {
	return &ValuationError{
		Code: CodeInsufficientData,
		Message: fmt.Sprintf("Insufficient data: only %d of %d required providers responded successfully",
			observed, required),
	}
}

// CodeOf extracts the taxonomy code from err, or UNKNOWN_ERROR.
func CodeOf(err error) ErrorCode {
	var ve *ValuationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return CodeUnknown
}
