package errortypes

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsSetType(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		err   *AppError
		want  ErrorType
		check func(error) bool
	}{
		{"validation", ValidationError(base, "bad input"), ErrorTypeValidation, IsValidationError},
		{"database", DatabaseError(base, "db"), ErrorTypeDatabase, IsDatabaseError},
		{"network", NetworkError(base, "net"), ErrorTypeNetwork, IsNetworkError},
		{"model load", ModelLoadError(base, "load"), ErrorTypeModelLoad, IsModelLoadError},
		{"incompatible", IncompatibleError(base, "mismatch"), ErrorTypeIncompatible, IsIncompatibleError},
		{"store unavailable", StoreUnavailableError(base, "io"), ErrorTypeStoreUnavailable, IsStoreUnavailableError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Type)
			assert.True(t, tt.check(tt.err))
			assert.True(t, errors.Is(tt.err, base))
			assert.NotEmpty(t, tt.err.StackInfo)
		})
	}
}

func TestIsTypeWalksNestedAppErrors(t *testing.T) {
	inner := ModelLoadError(errors.New("no such model"), "resolve failed")
	outer := StoreUnavailableError(fmt.Errorf("init: %w", inner), "open failed")

	assert.True(t, IsStoreUnavailableError(outer))
	assert.True(t, IsModelLoadError(outer))
	assert.False(t, IsIncompatibleError(outer))

	typ, ok := TypeOf(outer)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeStoreUnavailable, typ)

	_, ok = TypeOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorMessage(t *testing.T) {
	err := ConfigError(errors.New("missing"), "load config")
	assert.Equal(t, "load config: missing", err.Error())

	bare := &AppError{Err: errors.New("only cause")}
	assert.Equal(t, "only cause", bare.Error())
}

func TestLogErrorIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := DatabaseError(errors.New("locked"), "upsert failed").WithField("record_id", "abc")
	LogError(logger, err)

	out := buf.String()
	assert.Contains(t, out, "upsert failed")
	assert.Contains(t, out, "type=database")
	assert.Contains(t, out, "record_id=abc")
}
