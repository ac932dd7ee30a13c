package conversation

import (
	"fmt"
)

// UnknownStateError is raised when a state name has no definition.
// This is a fatal configuration error: a transition table pointing at an
// undefined state can never be satisfied at runtime.
type UnknownStateError struct {
	StateName string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("no state definition for '%s'", e.StateName)
}

// NewUnknownStateError creates a new UnknownStateError.
func NewUnknownStateError(stateName string) *UnknownStateError {
	return &UnknownStateError{StateName: stateName}
}

// UnresolvedTemplateError is raised when the initial state's scripted
// messages still contain placeholders. Initial templates are resolved when
// the sub-environment is materialized, so leftovers mean broken config.
type UnresolvedTemplateError struct {
	StateName string
	Fields    int
}

func (e *UnresolvedTemplateError) Error() string {
	return fmt.Sprintf("state '%s' has %d unresolved template field(s); initial state must already be formatted", e.StateName, e.Fields)
}

// NewUnresolvedTemplateError creates a new UnresolvedTemplateError.
func NewUnresolvedTemplateError(stateName string, fields int) *UnresolvedTemplateError {
	return &UnresolvedTemplateError{StateName: stateName, Fields: fields}
}

// MissingFormatVarError is raised when a scripted template references a
// variable the conversation does not define.
type MissingFormatVarError struct {
	Var string
}

func (e *MissingFormatVarError) Error() string {
	return fmt.Sprintf("template references undefined format variable '%s'", e.Var)
}

// NewMissingFormatVarError creates a new MissingFormatVarError.
func NewMissingFormatVarError(name string) *MissingFormatVarError {
	return &MissingFormatVarError{Var: name}
}

// TemplateError is raised for malformed template syntax.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("malformed template: %s", e.Reason)
}

// NewTemplateError creates a new TemplateError.
func NewTemplateError(template, reason string) *TemplateError {
	return &TemplateError{Template: template, Reason: reason}
}
