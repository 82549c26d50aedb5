package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicenseErrorIsKind(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"not found", NotFound("activate", "license not found"), ErrNotFound},
		{"conflict", Conflict(CodeRevoked, "activate", "revoked"), ErrStateConflict},
		{"exhausted", Exhausted(CodeInsufficientTokens, "generate_batch", "no tokens"), ErrExhausted},
		{"invalid", Invalid("generate_batch", "count out of range"), ErrInvalidInput},
		{"internal", Internal("decrypt", fmt.Errorf("tag mismatch")), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.target))
		})
	}
}

func TestLicenseErrorIsByCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", Conflict(CodeExpired, "verify", "expired"))
	assert.True(t, errors.Is(err, &LicenseError{Code: CodeExpired}))
	assert.False(t, errors.Is(err, &LicenseError{Code: CodeRevoked}))
	assert.True(t, HasCode(err, CodeExpired))
}

func TestAsWrapsForeignErrors(t *testing.T) {
	le := As(fmt.Errorf("disk full"))
	require.NotNil(t, le)
	assert.Equal(t, KindInternal, le.Kind)
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("boom")))
	assert.Nil(t, As(nil))
	assert.Equal(t, "", CodeOf(nil))
}

func TestInternalUnwrap(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Internal("bind_token", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bind_token")
	assert.Equal(t, "internal error", err.Message)
}
