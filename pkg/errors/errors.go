package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Engine-side errors
var (
	ErrInvalidGrid  = errors.New("invalid grid")
	ErrIllegalState = errors.New("illegal state")
)

// Kind buckets adapter failures for the reconciliation loop's retry policy.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
	KindRateLimited
	KindAuth
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	default:
		return "permanent"
	}
}

// Classify maps an adapter error onto the retry taxonomy. Unknown errors are
// treated as transient so a flaky venue does not kill the loop.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindPermanent
	case errors.Is(err, ErrOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuth
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrDuplicateOrder),
		errors.Is(err, ErrInvalidOrderParameter),
		errors.Is(err, ErrInvalidGrid),
		errors.Is(err, ErrIllegalState):
		return KindPermanent
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, ErrSystemOverload),
		errors.Is(err, ErrTimestampOutOfBounds):
		return KindTransient
	default:
		return KindTransient
	}
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	k := Classify(err)
	return k == KindTransient || k == KindRateLimited
}

// IsFatal reports whether the error must stop the reconciliation loop.
func IsFatal(err error) bool {
	k := Classify(err)
	return k == KindAuth || k == KindPermanent
}

// IsNotFound reports whether the error is a tolerable missing-order result.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}
