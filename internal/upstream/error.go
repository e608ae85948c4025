package upstream

import "fmt"

// DialError is the typed sum type spec.md §9 calls for: a single struct
// distinguishing a timeout from any other dial/handshake failure, since that
// distinction alone decides whether the client sees 504 or 502.
type DialError struct {
	Timeout bool
	Err     error
}

func (e *DialError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream timeout: %v", e.Err)
	}
	return fmt.Sprintf("upstream error: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// NewTimeoutError wraps err as a timeout-flavored DialError.
func NewTimeoutError(err error) *DialError {
	return &DialError{Timeout: true, Err: err}
}

// NewDialError wraps err as a non-timeout DialError.
func NewDialError(err error) *DialError {
	return &DialError{Timeout: false, Err: err}
}
