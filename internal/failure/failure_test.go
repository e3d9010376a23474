// ABOUTME: Tests for failure classification, HTTP status mapping, and retry hints
// ABOUTME: Also covers unwrapping through fmt wrappers and the INTERNAL_ERROR fallback

package failure

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_HTTPStatusAndRetryable(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
	}{
		{CodeValidation, http.StatusBadRequest, false},
		{CodeNoEligibleTools, http.StatusBadRequest, false},
		{CodeUnauthorized, http.StatusUnauthorized, false},
		{CodeConcurrencyLimit, http.StatusTooManyRequests, true},
		{CodeTimeout, http.StatusGatewayTimeout, true},
		{CodeSpawn, http.StatusInternalServerError, false},
		{CodeExit, http.StatusInternalServerError, false},
		{CodeParse, http.StatusInternalServerError, false},
		{CodeInternal, http.StatusInternalServerError, false},
		{CodeStream, http.StatusInternalServerError, false},
		{Code("SOMETHING_NEW"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := New(tt.code, "x")
			assert.Equal(t, tt.status, e.HTTPStatus())
			assert.Equal(t, tt.retryable, e.Retryable())
		})
	}
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "TIMEOUT_ERROR: killed after 1s", New(CodeTimeout, "killed after 1s").Error())

	cause := errors.New("exit status 3")
	e := Wrap(CodeExit, "claude failed", cause)
	assert.Equal(t, "CLI_EXIT_ERROR: claude failed: exit status 3", e.Error())
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, cause, e.Unwrap())
}

func TestWithRaw(t *testing.T) {
	e := WithRaw(CodeParse, "bad output", "not json", nil)
	assert.Equal(t, "not json", e.RawText)
	assert.Nil(t, e.Unwrap())
}

func TestAs(t *testing.T) {
	assert.Nil(t, As(nil))

	orig := New(CodeSpawn, "no binary")
	assert.Same(t, orig, As(orig))
	assert.Same(t, orig, As(fmt.Errorf("starting: %w", orig)))

	plain := errors.New("boom")
	fe := As(plain)
	require.NotNil(t, fe)
	assert.Equal(t, CodeInternal, fe.Code)
	assert.ErrorIs(t, fe, plain)
}

func TestIs(t *testing.T) {
	wrapped := fmt.Errorf("request: %w", New(CodeConcurrencyLimit, "full"))
	assert.True(t, Is(wrapped, CodeConcurrencyLimit))
	assert.False(t, Is(wrapped, CodeTimeout))
	assert.False(t, Is(errors.New("boom"), CodeInternal))
	assert.False(t, Is(nil, CodeInternal))
}
