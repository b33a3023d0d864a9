package shopmesh

import "fmt"

// ErrorCode classifies a failure into one of the categories every component boundary
// is allowed to surface. Handlers map each response to exactly one code.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// Validation means bad input. Reported synchronously, never retried.
	Validation
	// NotFound covers missing order, user, group, or activity.
	NotFound
	// Conflict marks a duplicate (msg_id, deduct for an order) that is treated as
	// success with the cached result, per idempotency.
	Conflict
	// Backpressure means the queue is full or admission tokens are negative; the
	// client retries with the returned hint.
	Backpressure
	// Transient covers a fast store or bus hiccup; retried internally, degraded on
	// exhaustion (admission queues, router takes the offline path).
	Transient
	// Corruption marks negative stock, out-of-order sequences, or a missing stock
	// log row; the reconciler repairs or records a discrepancy for humans.
	Corruption
	// Fatal means invalid config or missing schema; the service fails startup.
	Fatal
)

// Error is the module's custom error carrying the taxonomy code and optional
// caller data useful when mapping to a transport response.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a shopmesh Error,
// otherwise Unknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Unknown
	}
	if e, ok := err.(Error); ok {
		return e.Code
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Unknown
}
