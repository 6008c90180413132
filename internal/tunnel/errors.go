// internal/tunnel/errors.go
package tunnel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConfig     = errors.New("invalid tunnel configuration")
	ErrAlreadyRunning    = errors.New("tunnel is already running")
	ErrNotRunning        = errors.New("tunnel is not running")
	ErrInvalidDescriptor = errors.New("invalid tun descriptor")
	ErrStartFailure      = errors.New("tunnel failed to start")
	ErrEngineBusy        = errors.New("engine is still shutting down a previous run")
	ErrClosed            = errors.New("controller is closed")
)

// FieldError describes one violated constraint of a Config field
type FieldError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Reason, e.Value)
}

// ConfigError carries every violation found while building a Config
type ConfigError struct {
	Violations []FieldError
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "config error: " + strings.Join(parts, "; ")
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields in report order
func (e *ConfigError) Fields() []string {
	fields := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		fields = append(fields, v.Field)
	}
	return fields
}

// StartError is returned by Start when the engine exits before the
// start was confirmed, or could not be entered at all.
type StartError struct {
	Status int
	Err    error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", ErrStartFailure, e.Err)
	}
	return fmt.Sprintf("%v: engine exited with status %d", ErrStartFailure, e.Status)
}

func (e *StartError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrStartFailure, e.Err}
	}
	return []error{ErrStartFailure}
}
