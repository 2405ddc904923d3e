package vm

import "errors"

// Errors for state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when execution exceeds its deadline.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrExecutorClosed is returned when submitting to a closed executor.
	ErrExecutorClosed = errors.New("lua executor is closed")

	// ErrNotFunction is returned by Call when the global is not callable.
	ErrNotFunction = errors.New("not a function")
)
