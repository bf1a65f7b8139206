// Package errors provides standardized error handling for the cosmos
// pipeline workers. Errors are classified so that queue consumers can map
// them onto delivery decisions: transient errors are redelivered, invalid
// errors are terminated without retry, and fatal errors stop the worker.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input; never retried.
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing.
	ErrorFatal
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common pipeline conditions.
var (
	// Input errors. These must be rejected before any external call.
	ErrInvalidEntityID   = errors.New("invalid entity id")
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrEmptyText         = errors.New("empty text content")
	ErrInvalidVector     = errors.New("invalid embedding vector")

	// Dependency errors.
	ErrEmbeddingFailed    = errors.New("embedding generation failed")
	ErrReducerUnavailable = errors.New("dimension-reduction service unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Partial-availability conditions. Not failures; callers degrade.
	ErrVectorNotFound = errors.New("vector not found")
	ErrMatrixNotFound = errors.New("transformation matrix not found")

	// Configuration and lifecycle errors.
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
	ErrAlreadyStarted = errors.New("worker already started")
	ErrNotStarted     = errors.New("worker not started")
	ErrShuttingDown   = errors.New("worker is shutting down")
)

// ClassifiedError wraps an error with its classification and the component
// and operation that produced it.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether an error is transient and should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return errors.Is(err, ErrEmbeddingFailed) ||
		errors.Is(err, ErrReducerUnavailable) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsInvalid reports whether an error is due to invalid input. Invalid jobs
// are acknowledged as permanently failed and never redelivered.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidEntityID) ||
		errors.Is(err, ErrInvalidEntityType) ||
		errors.Is(err, ErrEmptyText) ||
		errors.Is(err, ErrInvalidVector)
}

// IsFatal reports whether an error is fatal and should stop processing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

// IsNotFound reports whether an error is a partial-availability condition
// (vector or matrix absent). These are handled by bounded polling and
// graceful degradation, not by retry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrVectorNotFound) || errors.Is(err, ErrMatrixNotFound)
}

// Classify returns the error class for an error. Unknown errors default to
// transient so the queue's retry policy gets a chance.
func Classify(err error) ErrorClass {
	switch {
	case IsInvalid(err):
		return ErrorInvalid
	case IsFatal(err):
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	return wrapClassified(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	return wrapClassified(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	return wrapClassified(ErrorFatal, err, component, method, action)
}

func wrapClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}
