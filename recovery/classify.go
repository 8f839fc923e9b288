package recovery

import (
	"context"
	"errors"
	"net"
	"strings"

	"carprice-aggregator/models"
)

var (
	timeoutKeywords     = []string{"timeout", "timed out", "deadline exceeded"}
	rateLimitKeywords   = []string{"rate limit", "too many requests", "status 429"}
	invalidKeywords     = []string{"not found in catalog", "invalid vehicle"}
	noDataKeywords      = []string{"no vehicle listings found", "no price guide data", "no data"}
	networkKeywords     = []string{"network", "connection", "econnreset", "econnrefused", "no such host", "eof", "failed to fetch"}
	serverErrorKeywords = []string{"status 500", "status 502", "status 503", "status 504"}
)

// Classify returns err as a ValuationError carrying its taxonomy code.
// Errors that already carry a code are returned as is.
func Classify(err error) *models.ValuationError {
	if err == nil {
		return nil
	}
	var ve *models.ValuationError
	if errors.As(err, &ve) {
		return ve
	}
	return models.NewValuationError(codeFor(err), "", "", err)
}

func codeFor(err error) models.ErrorCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, models.ErrTimeout):
		return models.CodeTimeout
	case errors.Is(err, models.ErrRateLimited):
		return models.CodeRateLimited
	case errors.Is(err, models.ErrNotInCatalog):
		return models.CodeInvalidVehicle
	case errors.Is(err, models.ErrNoListings), errors.Is(err, models.ErrNoGuideData):
		return models.CodeNoData
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return models.CodeTimeout
		}
		return models.CodeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, timeoutKeywords):
		return models.CodeTimeout
	case containsAny(msg, rateLimitKeywords):
		return models.CodeRateLimited
	case containsAny(msg, invalidKeywords):
		return models.CodeInvalidVehicle
	case containsAny(msg, noDataKeywords):
		return models.CodeNoData
	case containsAny(msg, networkKeywords), containsAny(msg, serverErrorKeywords):
		return models.CodeNetwork
	}
	return models.CodeUnknown
}

// IsRetryable reports whether another attempt could succeed: timeouts,
// network faults, rate limiting and upstream 5xx responses.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err).Code {
	case models.CodeTimeout, models.CodeNetwork, models.CodeRateLimited:
		return true
	}
	msg := strings.ToLower(err.Error())
	return containsAny(msg, serverErrorKeywords) || strings.Contains(msg, "connection reset")
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
