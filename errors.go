package worklets

import (
	"errors"
	"fmt"
)

// ErrNotAFunction is returned when a worklet is constructed from a value
// that is not a function.
var ErrNotAFunction = errors.New("worklets must be initialized from a valid function")

// ErrEmptyWorkletCode is returned when a decorated function carries empty
// or degenerate code. This indicates a build tooling misconfiguration.
var ErrEmptyWorkletCode = errors.New("worklet code is empty")

// ErrContextTerminated is returned when work is submitted to a context
// that has been shut down.
var ErrContextTerminated = errors.New("worklet context is shut down")

// newEmptyCodeError builds the user-facing diagnostic for degenerate
// worklet code, pointing at the usual build tooling causes.
func newEmptyCodeError(location string) error {
	return fmt.Errorf("%w (at %s). Tips:\n"+
		"* Is the worklets plugin correctly installed?\n"+
		"* Make sure no other plugin overrides the worklets plugin.\n"+
		"* Make sure the decorated function contains a %q property with the function's code",
		ErrEmptyWorkletCode, location, propInitDataCode)
}
