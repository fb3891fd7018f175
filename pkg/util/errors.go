// Package util provides logging, range helpers and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every typed error below unwraps to exactly one of these
// so callers can classify failures with errors.Is.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrAlreadyExists      = errors.New("resource already exists")
	ErrPreconditionFailed = errors.New("precondition not met")
	ErrValidationFailed   = errors.New("validation failed")
	ErrInUse              = errors.New("resource in use")
	ErrConflict           = errors.New("operation conflicts with current state")
	ErrPendingAction      = errors.New("networking action pending")
	ErrAllocation         = errors.New("network id allocation failed")
	ErrDriver             = errors.New("switch driver failure")
)

// PreconditionError represents a failed precondition check with context
type PreconditionError struct {
	Operation    string
	Resource     string
	Precondition string
	Details      string
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("precondition failed for %s on %s: %s", e.Operation, e.Resource, e.Precondition)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *PreconditionError) Unwrap() error {
	return ErrPreconditionFailed
}

// NewPreconditionError creates a new precondition error
func NewPreconditionError(operation, resource, precondition, details string) *PreconditionError {
	return &PreconditionError{
		Operation:    operation,
		Resource:     resource,
		Precondition: precondition,
		Details:      details,
	}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// NotFoundError names the kind and key of a missing resource
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(kind, key string) *NotFoundError {
	return &NotFoundError{Kind: kind, Key: key}
}

// ExistsError reports an attempt to create a resource that is already present
type ExistsError struct {
	Kind string
	Key  string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("%s '%s' already exists", e.Kind, e.Key)
}

func (e *ExistsError) Unwrap() error {
	return ErrAlreadyExists
}

// NewExistsError creates an already-exists error
func NewExistsError(kind, key string) *ExistsError {
	return &ExistsError{Kind: kind, Key: key}
}

// InUseError represents a resource that cannot be modified because it's in use
type InUseError struct {
	Resource string
	UsedBy   []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("%s is in use by: %s", e.Resource, strings.Join(e.UsedBy, ", "))
}

func (e *InUseError) Unwrap() error {
	return ErrInUse
}

// NewInUseError creates an in-use error
func NewInUseError(resource string, usedBy ...string) *InUseError {
	return &InUseError{
		Resource: resource,
		UsedBy:   usedBy,
	}
}

// ConflictError is returned when an operation is legal in isolation but
// would leave a port in a state the switch cannot represent, such as a
// tagged VLAN without a native one.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// NewConflictError creates a conflict error
func NewConflictError(resource, reason string) *ConflictError {
	return &ConflictError{Resource: resource, Reason: reason}
}

// PendingActionError is returned when a nic already has an unapplied
// networking action. Clients should retry once the action completes.
type PendingActionError struct {
	Nic    string
	Action string
}

func (e *PendingActionError) Error() string {
	return fmt.Sprintf("nic %s has a pending networking action (%s); retry later", e.Nic, e.Action)
}

func (e *PendingActionError) Unwrap() error {
	return ErrPendingAction
}

// NewPendingActionError creates a pending-action error
func NewPendingActionError(nic, action string) *PendingActionError {
	return &PendingActionError{Nic: nic, Action: action}
}

// AllocationError covers pool exhaustion and network id conflicts
type AllocationError struct {
	NetworkID string
	Reason    string
}

func (e *AllocationError) Error() string {
	if e.NetworkID == "" {
		return "network id allocation: " + e.Reason
	}
	return fmt.Sprintf("network id %s: %s", e.NetworkID, e.Reason)
}

func (e *AllocationError) Unwrap() error {
	return ErrAllocation
}

// NewAllocationError creates an allocation error
func NewAllocationError(networkID, reason string) *AllocationError {
	return &AllocationError{NetworkID: networkID, Reason: reason}
}

// DriverError wraps a failure talking to a switch. It unwraps to both
// ErrDriver and the underlying cause.
type DriverError struct {
	Switch string
	Op     string
	Err    error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("switch %s: %s: %v", e.Switch, e.Op, e.Err)
}

func (e *DriverError) Unwrap() []error {
	return []error{ErrDriver, e.Err}
}

// NewDriverError creates a driver error
func NewDriverError(sw, op string, err error) *DriverError {
	return &DriverError{Switch: sw, Op: op, Err: err}
}

// IsNotFound reports whether err marks a missing resource
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
