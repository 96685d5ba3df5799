package h1

import (
	"errors"
	"fmt"
)

// BadRequestError is a protocol error detected while reading a request. The
// connection answers with Status (when no response has started) and closes.
type BadRequestError struct {
	Status int
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request (%d): %s", e.Status, e.Reason)
}

func badRequest(reason string) *BadRequestError {
	return &BadRequestError{Status: 400, Reason: reason}
}

// ErrFramingMismatch is returned when the application writes more or fewer
// bytes than the declared Content-Length.
var ErrFramingMismatch = errors.New("h1: response content-length mismatch")

// ErrResponseStarted is returned when headers are changed after they were
// sent.
var ErrResponseStarted = errors.New("h1: response already started")

// ErrResponseCompleted is returned by writes after Complete.
var ErrResponseCompleted = errors.New("h1: response completed")

// ErrUpgraded is returned by body reads and response writes after the
// connection switched protocols.
var ErrUpgraded = errors.New("h1: connection upgraded")
