package config

import "fmt"

// ConfigurationError is fatal at load or materialization time: a missing
// block, an unresolvable template, an allocation that cannot be satisfied.
// It is never retried.
type ConfigurationError struct {
	Scope  string // file or block the bad value came from
	Reason string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error in %s: %s: %v", e.Scope, e.Reason, e.Cause)
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Scope, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(scope, reason string) *ConfigurationError {
	return &ConfigurationError{Scope: scope, Reason: reason}
}

// WrapConfigurationError creates a ConfigurationError around a cause.
func WrapConfigurationError(scope, reason string, cause error) *ConfigurationError {
	return &ConfigurationError{Scope: scope, Reason: reason, Cause: cause}
}
