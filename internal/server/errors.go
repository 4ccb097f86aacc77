package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/tools"
)

// Error response codes
const (
	ErrorCodeModelLoad        = "MODEL_LOAD_ERROR"
	ErrorCodeIncompatible     = "INCOMPATIBLE_MODEL"
	ErrorCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrorCodeValidation       = "VALIDATION_ERROR"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeExternal         = "EXTERNAL_ERROR"
	ErrorCodeConfig           = "CONFIG_ERROR"
	ErrorCodeCanceled         = "CANCELED"
	ErrorCodeInternal         = "INTERNAL_ERROR"
)

// ErrorCode classifies err for a tool response. An incompatible model wins
// over the model load failure it may wrap.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errortypes.IsIncompatibleError(err):
		return ErrorCodeIncompatible
	case errortypes.IsModelLoadError(err):
		return ErrorCodeModelLoad
	case errortypes.IsStoreUnavailableError(err), errortypes.IsDatabaseError(err):
		return ErrorCodeStoreUnavailable
	case errortypes.IsValidationError(err):
		return ErrorCodeValidation
	case errortypes.IsType(err, errortypes.ErrorTypeNotFound):
		return ErrorCodeNotFound
	case errortypes.IsType(err, errortypes.ErrorTypeExternal), errortypes.IsNetworkError(err):
		return ErrorCodeExternal
	case errortypes.IsType(err, errortypes.ErrorTypeConfig):
		return ErrorCodeConfig
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeCanceled
	default:
		return ErrorCodeInternal
	}
}

// failure logs err and converts it into an error result. Errors a caller
// can fix are logged as warnings.
func failure(logger *slog.Logger, tool string, err error) tools.Result {
	code := ErrorCode(err)
	switch code {
	case ErrorCodeValidation, ErrorCodeNotFound, ErrorCodeIncompatible:
		logger.Warn("Tool call rejected", "tool", tool, "code", code, "error", err)
	default:
		errortypes.LogError(logger, errortypes.InternalError(err, "tool call failed").
			WithField("tool", tool).
			WithField("error_code", code))
	}
	return tools.Result{Status: tools.StatusError, Error: err.Error(), ErrorCode: code}
}

func success() tools.Result {
	return tools.Result{Status: tools.StatusSuccess}
}

func invalid(message string) error {
	return errortypes.ValidationError(errors.New(message), "invalid request")
}
