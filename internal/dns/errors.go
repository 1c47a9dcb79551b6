package dns

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError marks a failure that a later pass may not see again, such
// as a network error or a 5xx response.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure with no automatic remedy, such as rejected
// credentials or a request the provider considers invalid.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// DataError marks a single malformed item (tag group, state entry). It is
// dropped and logged, never fatal.
type DataError struct {
	Item string
	Err  error
}

func (e *DataError) Error() string { return fmt.Sprintf("%s: %v", e.Item, e.Err) }
func (e *DataError) Unwrap() error { return e.Err }

func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }
func Fatal(op string, err error) error     { return &FatalError{Op: op, Err: err} }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

func IsData(err error) bool {
	var d *DataError
	return errors.As(err, &d)
}

// ClassifyStatus wraps a non-2xx HTTP response into the error taxonomy.
// Timeouts, throttling and server errors are transient; any other 4xx is
// fatal.
func ClassifyStatus(op string, status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient(op, err)
	default:
		return Fatal(op, err)
	}
}
