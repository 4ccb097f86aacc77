package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/localrivet/imagecontext/internal/compat"
	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/imagestore"
	"github.com/localrivet/imagecontext/internal/tools"
	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	cause := errors.New("cause")
	incompatible := errortypes.IncompatibleError(&imagestore.IncompatibleModelError{
		Verdict: compat.Verdict{Reason: compat.ReasonCheckError, Err: errortypes.DatabaseError(cause, "read failed")},
	}, "blocked")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation", err: errortypes.ValidationError(cause, "bad"), want: ErrorCodeValidation},
		{name: "not found", err: errortypes.NotFoundError(cause, "missing"), want: ErrorCodeNotFound},
		{name: "model load", err: errortypes.ModelLoadError(cause, "load"), want: ErrorCodeModelLoad},
		{name: "store unavailable", err: errortypes.StoreUnavailableError(cause, "io"), want: ErrorCodeStoreUnavailable},
		{name: "database", err: errortypes.DatabaseError(cause, "io"), want: ErrorCodeStoreUnavailable},
		{name: "incompatible wins over wrapped cause", err: incompatible, want: ErrorCodeIncompatible},
		{name: "external", err: errortypes.ExternalError(cause, "vision"), want: ErrorCodeExternal},
		{name: "config", err: errortypes.ConfigError(cause, "cfg"), want: ErrorCodeConfig},
		{name: "canceled", err: fmt.Errorf("batch: %w", context.Canceled), want: ErrorCodeCanceled},
		{name: "plain", err: cause, want: ErrorCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestFailure(t *testing.T) {
	err := errortypes.ValidationError(errors.New("query text is required"), "invalid request")
	res := failure(slog.Default(), tools.ToolSearchImages, err)
	assert.Equal(t, tools.StatusError, res.Status)
	assert.Equal(t, ErrorCodeValidation, res.ErrorCode)
	assert.Equal(t, err.Error(), res.Error)
	assert.True(t, res.Failed())
}
