package backfill

import "errors"

// errKind classifies a historical-provider error for retry/rotation
// purposes, per spec §4.9:
//   Retryable    = network, 5xx, 429
//   Non-retryable = 400/403 auth
//   NotApplicable = 403/404/invalid-symbol (rotate to the next provider)
type errKind uint8

const (
	errUnknownKind errKind = iota
	errRetryable
	errRateLimited
	errNotApplicable
	errNonRetryable
)

// HTTPError carries the status code a HistoricalProvider observed, so
// classifyError can apply spec §4.9's retry/rotation rules without the
// coordinator depending on any specific HTTP client type.
//
// Spec §4.9 lists 403 under both "not-applicable" (provider rejects this
// symbol) and "non-retryable" (auth failure) — resolved here by letting
// the provider set Auth when the 403 is a credential problem rather than
// a symbol problem; an unset Auth flag on a 403 defaults to
// not-applicable, since "wrong symbol for this provider" is the far more
// common case for a market-data vendor.
type HTTPError struct {
	StatusCode int
	Symbol     string
	Auth       bool
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "backfill: http error"
}

func (e *HTTPError) Unwrap() error { return e.Err }

// ErrInvalidSymbol marks a symbol the provider does not recognize.
var ErrInvalidSymbol = errors.New("backfill: invalid symbol for provider")

func classifyError(err error) errKind {
	if errors.Is(err, ErrInvalidSymbol) {
		return errNotApplicable
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return errRateLimited
		case httpErr.StatusCode == 403 && httpErr.Auth:
			return errNonRetryable
		case httpErr.StatusCode == 403 || httpErr.StatusCode == 404:
			return errNotApplicable
		case httpErr.StatusCode == 400:
			return errNonRetryable
		case httpErr.StatusCode >= 500:
			return errRetryable
		}
	}

	// Unclassified errors (e.g. network timeouts) default to retryable,
	// per spec §4.9's "Retryable = network, 5xx, 429."
	return errRetryable
}
