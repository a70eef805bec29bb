package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	err := ValidationError("invalid input")

	assert.Equal(t, TypeValidation, err.Type)
	assert.Equal(t, "invalid input", err.Message)
	assert.Nil(t, err.Cause)
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus())
	assert.Contains(t, err.Error(), "validation")
	assert.Contains(t, err.Error(), "invalid input")
}

func TestRateLimitedError(t *testing.T) {
	err := RateLimitedError(100, 0, 3600, 3600)

	assert.Equal(t, TypeRateLimited, err.Type)
	assert.Equal(t, http.StatusTooManyRequests, err.HTTPStatus())
	assert.Equal(t, 100, err.Context["limit"])
	assert.Equal(t, 0, err.Context["remaining"])
	assert.Equal(t, int64(3600), err.Context["reset"])
	assert.Equal(t, int64(3600), err.Context["retry_after"])
}

func TestUnavailableError(t *testing.T) {
	err := UnavailableError("connection limit reached")

	assert.Equal(t, TypeUnavailable, err.Type)
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus())
}

func TestInternalError(t *testing.T) {
	cause := fmt.Errorf("redis connection failed")
	err := InternalError("failed to publish", cause)

	assert.Equal(t, TypeInternal, err.Type)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
	assert.Contains(t, err.Error(), "redis connection failed")
	assert.ErrorIs(t, err, cause)
}

func TestWithContext(t *testing.T) {
	err := ValidationError("bad targets").
		WithContext("field", "targets").
		WithContext("count", 0)

	assert.Equal(t, "targets", err.Context["field"])
	assert.Equal(t, 0, err.Context["count"])
}

func TestToResponse(t *testing.T) {
	err := ForbiddenError("not yours").WithContext("resource", "session")

	resp := err.ToResponse()
	assert.Equal(t, "not yours", resp.Error)
	assert.Equal(t, TypeForbidden, resp.Type)
	assert.Equal(t, "session", resp.Context["resource"])
}

func TestAsStructuredError(t *testing.T) {
	structured := NotFoundError("missing")
	assert.Same(t, structured, AsStructuredError(structured))

	wrapped := fmt.Errorf("outer: %w", structured)
	assert.Same(t, structured, AsStructuredError(wrapped))

	plain := errors.New("something broke")
	converted := AsStructuredError(plain)
	require.NotNil(t, converted)
	assert.Equal(t, TypeInternal, converted.Type)
	assert.Equal(t, plain, converted.Cause)

	assert.Nil(t, AsStructuredError(nil))
}
