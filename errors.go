package hybridrt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrConfiguration    = errors.New("invalid configuration")
	ErrContextFailure   = errors.New("render context failure")
)

// ResourceNotFoundError reports an asset missing from every search location.
type ResourceNotFoundError struct {
	Name      string
	Attempted []string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("couldn't find %q (tried: %s)", e.Name, strings.Join(e.Attempted, ", "))
}

func (e *ResourceNotFoundError) Unwrap() error { return ErrResourceNotFound }

// ConfigError is a user-facing input validation failure.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func Configf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ContextError wraps a failure of the GPU execution context. It is fatal.
type ContextError struct {
	Op  string
	Err error
}

func (e *ContextError) Error() string {
	if e.Err == nil {
		return "context " + e.Op + " failed"
	}
	return fmt.Sprintf("context %s: %v", e.Op, e.Err)
}

func (e *ContextError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrContextFailure}
	}
	return []error{ErrContextFailure, e.Err}
}

// ContextFailure wraps err as a ContextError, leaving nil and existing
// ContextErrors untouched.
func ContextFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ContextError
	if errors.As(err, &ce) {
		return err
	}
	return &ContextError{Op: op, Err: err}
}
