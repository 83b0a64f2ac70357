package client

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is returned when the request deadline is exhausted before
// an attempt could be made or completed.
var ErrBudgetExceeded = errors.New("request budget exceeded")

// StatusError is a non-2xx upstream response that is either not retryable or
// survived every retry attempt.
type StatusError struct {
	Source     string
	StatusCode int
	RequestID  string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("socrata status error source=%s status=%d request_id=%s",
		e.Source, e.StatusCode, e.RequestID)
}

// TransportError is a network or timeout failure that survived every retry
// attempt.
type TransportError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("socrata transport error source=%s: %v", e.Source, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// retryableStatuses are the transient upstream conditions worth retrying:
// async-processing acknowledgements, rate limiting and the server
// overload/maintenance class. Every other non-2xx status fails immediately.
var retryableStatuses = map[int]bool{
	202: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// isRetryableStatus reports whether a status code is in the transient set.
func isRetryableStatus(code int) bool {
	return retryableStatuses[code]
}
