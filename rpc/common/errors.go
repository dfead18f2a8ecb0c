package common

import (
	"errors"
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Error taxonomy
// --------------------------------------------------------------------------

// ConfigError reports a configuration problem that cannot be resolved at
// runtime. It is fatal and never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

// NewConfigError creates a ConfigError with a formatted reason
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// BindAttempt records one failed attempt to bind a candidate address
type BindAttempt struct {
	Address HostPort
	Err     error
}

// BindError reports that no candidate address could be bound. It carries
// every attempt so the caller can see which addresses were tried and why
// each one failed.
type BindError struct {
	Attempts []BindAttempt
}

func (e *BindError) Error() string {
	var sb strings.Builder
	sb.WriteString("unable to create server on addresses: ")
	for i, a := range e.Attempts {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s (%v)", a.Address, a.Err))
	}
	return sb.String()
}

// Unwrap exposes the underlying bind failures for errors.Is/As
func (e *BindError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// IsBindError reports whether err is (or wraps) a BindError
func IsBindError(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}
