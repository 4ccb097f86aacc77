// Package errortypes provides error types and handling for the image context service.
package errortypes

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// ErrorType represents the type of error that occurred
type ErrorType string

// Error types
const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeDatabase         ErrorType = "database"
	ErrorTypeNetwork          ErrorType = "network"
	ErrorTypeConfig           ErrorType = "config"
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypeExternal         ErrorType = "external"
	ErrorTypeModelLoad        ErrorType = "model_load"
	ErrorTypeIncompatible     ErrorType = "incompatible_model"
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
)

// AppError represents an application error with context
type AppError struct {
	Err       error
	Type      ErrorType
	Message   string
	StackInfo string
	Fields    map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

// Unwrap unwraps the error to support errors.Is and errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithField adds a field to the error for additional context
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the error for additional context
func (e *AppError) WithFields(fields map[string]interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// captureStack captures the stack trace at the call site
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		// Skip testing and standard library frames
		if !strings.Contains(frame.File, "testing/") && !strings.Contains(frame.File, "/go/src/") {
			fmt.Fprintf(&builder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return builder.String()
}

func newAppError(errType ErrorType, err error, message string) *AppError {
	if err == nil {
		err = errors.New("unknown error")
	}

	return &AppError{
		Err:       err,
		Type:      errType,
		Message:   message,
		StackInfo: captureStack(),
		Fields:    make(map[string]interface{}),
	}
}

// ValidationError creates a new validation error
func ValidationError(err error, message string) *AppError {
	return newAppError(ErrorTypeValidation, err, message)
}

// NotFoundError creates a new not-found error. Lookups inside the stores
// never return it; it exists for callers that must report a miss.
func NotFoundError(err error, message string) *AppError {
	return newAppError(ErrorTypeNotFound, err, message)
}

// DatabaseError creates a new database error
func DatabaseError(err error, message string) *AppError {
	return newAppError(ErrorTypeDatabase, err, message)
}

// NetworkError creates a new network error
func NetworkError(err error, message string) *AppError {
	return newAppError(ErrorTypeNetwork, err, message)
}

// ConfigError creates a new configuration error
func ConfigError(err error, message string) *AppError {
	return newAppError(ErrorTypeConfig, err, message)
}

// InternalError creates a new internal error
func InternalError(err error, message string) *AppError {
	return newAppError(ErrorTypeInternal, err, message)
}

// ExternalError creates a new external error
func ExternalError(err error, message string) *AppError {
	return newAppError(ErrorTypeExternal, err, message)
}

// ModelLoadError reports an embedding or vision model that could not be
// resolved or loaded on any device.
func ModelLoadError(err error, message string) *AppError {
	return newAppError(ErrorTypeModelLoad, err, message)
}

// IncompatibleError reports a store whose recorded model identity does not
// match the configured embedding model.
func IncompatibleError(err error, message string) *AppError {
	return newAppError(ErrorTypeIncompatible, err, message)
}

// StoreUnavailableError reports a persistent store I/O failure.
func StoreUnavailableError(err error, message string) *AppError {
	return newAppError(ErrorTypeStoreUnavailable, err, message)
}

// LogError logs an AppError using the provided slog.Logger or the default slog logger.
// It logs the error message, type, stack trace, and any associated fields.
func LogError(logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		args := []any{
			"type", string(appErr.Type),
			"original_error", appErr.Err.Error(),
		}
		if appErr.StackInfo != "" {
			args = append(args, "stack", appErr.StackInfo)
		}
		for k, v := range appErr.Fields {
			args = append(args, k, v)
		}
		logger.Error(appErr.Message, args...)
	} else {
		logger.Error(err.Error(), "error", err)
	}
}

// TypeOf returns the type of the outermost AppError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type, true
	}
	return "", false
}

// IsType reports whether any AppError in err's chain has the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == errType {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsDatabaseError checks if an error is a database error
func IsDatabaseError(err error) bool {
	return IsType(err, ErrorTypeDatabase)
}

// IsNetworkError checks if an error is a network error
func IsNetworkError(err error) bool {
	return IsType(err, ErrorTypeNetwork)
}

// IsModelLoadError checks if an error is a model load error
func IsModelLoadError(err error) bool {
	return IsType(err, ErrorTypeModelLoad)
}

// IsIncompatibleError checks if an error is an incompatible model error
func IsIncompatibleError(err error) bool {
	return IsType(err, ErrorTypeIncompatible)
}

// IsStoreUnavailableError checks if an error is a store unavailable error
func IsStoreUnavailableError(err error) bool {
	return IsType(err, ErrorTypeStoreUnavailable)
}
