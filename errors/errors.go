// Package errors provides the three-class error taxonomy used across the
// gateway: transient transport faults (retry), invalid input (drop), and
// fatal programmer errors (surface to the caller).
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried:
	// socket closed, read/write I/O, frame timeout, non-OK plan acknowledgement.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents bad input that should be dropped, not retried:
	// unparseable ingress topic or JSON envelope.
	ErrorInvalid
	// ErrorFatal represents programmer error: use-before-connect, invariant violation.
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

// Standard error variables for common conditions across sessions, the
// ingress router, and the egress pump.
var (
	// Session lifecycle
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("session not connected")
	ErrAlreadyStopped   = errors.New("session already stopped")
	ErrShuttingDown     = errors.New("session is shutting down")

	// Transport / connection
	ErrConnectionLost    = errors.New("device connection lost")
	ErrConnectionTimeout = errors.New("device connection timeout")
	ErrFrameReadTimeout  = errors.New("frame read timed out")

	// Device protocol
	ErrPlanNotAcked  = errors.New("device did not acknowledge plan command")
	ErrMalformedData = errors.New("malformed frame from device")

	// Ingress
	ErrUnparseableTopic  = errors.New("unparseable ingress topic")
	ErrMalformedEnvelope = errors.New("malformed plan envelope")
	ErrUnknownDeviceKey  = errors.New("no session registered for device key")

	// Invariants
	ErrInvariantViolation = errors.New("invariant violation")
)

// ClassifiedError wraps an error with its classification and call-site context.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether err should be treated as a retryable transport fault.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrFrameReadTimeout) ||
		errors.Is(err, ErrPlanNotAcked) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "closed", "reset by peer"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal reports whether err represents a programmer error that should
// fail loudly rather than trigger a reconnect.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvariantViolation)
}

// IsInvalid reports whether err represents malformed ingress that should be
// logged and dropped with no state change.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrUnparseableTopic) || errors.Is(err, ErrMalformedEnvelope)
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrapped, component, method, wrapped.Error())
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrapped, component, method, wrapped.Error())
}
