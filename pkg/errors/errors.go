package errors

import (
	"errors"
	"fmt"
)

// Error types for better error classification and handling

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeConflict            ErrorType = "conflict"
	ErrorTypeDependencyNotReady  ErrorType = "dependency_not_ready"
	ErrorTypeCyclicDependency    ErrorType = "cyclic_dependency"
	ErrorTypeCriticalUnit        ErrorType = "critical_unit"
	ErrorTypeOperationInProgress ErrorType = "operation_in_progress"
	ErrorTypeInsufficientHealth  ErrorType = "insufficient_health"
	ErrorTypeUnit                ErrorType = "unit"
	ErrorTypeTimeout             ErrorType = "timeout"
	ErrorTypeIO                  ErrorType = "io"
	ErrorTypeNetwork             ErrorType = "network"
	ErrorTypeInternal            ErrorType = "internal"
	ErrorTypeCancelled           ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Validation errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

// NewDuplicateUnitError is returned when a unit id is registered twice
func NewDuplicateUnitError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// Lifecycle errors
func NewDependencyNotReadyError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeDependencyNotReady, message, cause)
}

func NewCyclicDependencyError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCyclicDependency, message, cause)
}

// NewCriticalUnitFailure aborts a startup sequence
func NewCriticalUnitFailure(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCriticalUnit, message, cause)
}

func NewUnitError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeUnit, message, cause)
}

// Coordinated operation errors
func NewOperationInProgressError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeOperationInProgress, message, cause)
}

func NewInsufficientHealthError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInsufficientHealth, message, cause)
}

// System errors
func NewHookTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Error checking helpers

// isType matches any domain error in the cause chain, so a unit error caused by a
// hook timeout is both a unit error and a timeout error.
func isType(err error, errorType ErrorType) bool {
	for err != nil {
		if domainErr, ok := err.(*DomainError); ok && domainErr.Type == errorType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsDuplicateUnitError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsDependencyNotReadyError(err error) bool {
	return isType(err, ErrorTypeDependencyNotReady)
}

func IsCyclicDependencyError(err error) bool {
	return isType(err, ErrorTypeCyclicDependency)
}

func IsCriticalUnitFailure(err error) bool {
	return isType(err, ErrorTypeCriticalUnit)
}

func IsUnitError(err error) bool {
	return isType(err, ErrorTypeUnit)
}

func IsOperationInProgressError(err error) bool {
	return isType(err, ErrorTypeOperationInProgress)
}

func IsInsufficientHealthError(err error) bool {
	return isType(err, ErrorTypeInsufficientHealth)
}

func IsHookTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsNetworkError(err error) bool {
	return isType(err, ErrorTypeNetwork)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
