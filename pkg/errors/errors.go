package apperrors

import "errors"

// Standardized exchange errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrUnknownSymbol         = errors.New("unknown symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrExchangeUnavailable   = errors.New("exchange unavailable")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrPrecisionViolation    = errors.New("precision violation")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrReduceOnlyRejected    = errors.New("reduce-only order rejected")
)

// Watchdog state errors
var (
	ErrStateLoadFailed = errors.New("state load failed")
	ErrDuplicateWatch  = errors.New("watched order already registered")
)

// IsTransient reports whether the error is worth retrying against the exchange
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrExchangeMaintenance) ||
		errors.Is(err, ErrTimestampOutOfBounds)
}
