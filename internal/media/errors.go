package media

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w") and classify
// with errors.Is.
var (
	// ErrValidation marks bad input at the boundary. It is never retried.
	ErrValidation = errors.New("validation error")
	// ErrFetch marks network, timeout or HTTP status failures while fetching a page.
	ErrFetch = errors.New("fetch error")
	// ErrParse marks a fetched document that could not be parsed.
	ErrParse = errors.New("parse error")
	// ErrStore marks an existence check or batch insert failure.
	ErrStore = errors.New("store error")
	// ErrBroker marks a connection-level broker failure.
	ErrBroker = errors.New("broker error")
)

// Retryable reports whether the broker's retry policy should apply to err.
// Validation failures are permanent; everything else is left to the broker.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrValidation)
}
