// ABOUTME: Error types for tunnel supervision
// ABOUTME: ProcessError carries the provider, attempt count and tail of process output

package tunnel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownProvider is returned for a provider name with no registration.
	ErrUnknownProvider = errors.New("unknown tunnel provider")

	// ErrExited is returned when a tunnel process exits before it is running.
	ErrExited = errors.New("tunnel process exited")

	// ErrStopped is returned when a starting tunnel is stopped.
	ErrStopped = errors.New("tunnel stopped")
)

// ProcessError reports a tunnel that could not be brought up.
type ProcessError struct {
	Provider string
	Attempts int
	Output   []string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("tunnel %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
	if len(e.Output) > 0 {
		msg += " (last output: " + strings.Join(e.Output, " | ") + ")"
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
