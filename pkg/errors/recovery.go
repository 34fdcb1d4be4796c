package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns a recovered value from a step action or redelivery into a
// fatal internal error, so retry loops stop instead of re-invoking the panicking call.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}

	return ErrInternal.
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}
