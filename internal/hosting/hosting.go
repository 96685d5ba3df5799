// Package hosting defines the boundary between the protocol engine and the
// application that handles requests.
package hosting

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/albertbausili/velox/internal/features"
)

// Application is invoked three times around every request: CreateContext
// when the request has been parsed, ProcessRequest to handle it and
// DisposeContext once the response is complete or the request failed.
//
// The application may leave the body unread and may write nothing; the
// engine still produces a correctly framed response.
type Application interface {
	CreateContext(f *features.Collection) any
	ProcessRequest(ctx context.Context, state any) error
	DisposeContext(state any, err error)
}

// PanicError wraps a value recovered from an application panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in request handler: %v", e.Value)
}

// Invoke creates the request state and runs ProcessRequest on it. Panics
// are recovered and returned as *PanicError. The caller completes the
// response and then calls DisposeContext with the final error.
func Invoke(ctx context.Context, app Application, f *features.Collection) (state any, err error) {
	state = app.CreateContext(f)
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return state, app.ProcessRequest(ctx, state)
}
