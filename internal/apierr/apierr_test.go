package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpstreamClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		code      Code
		http      int
	}{
		{http.StatusTooManyRequests, true, CodeRetryableUpstream, http.StatusTooManyRequests},
		{http.StatusRequestTimeout, true, CodeRetryableUpstream, http.StatusRequestTimeout},
		{http.StatusInternalServerError, true, CodeRetryableUpstream, http.StatusInternalServerError},
		{http.StatusServiceUnavailable, true, CodeRetryableUpstream, http.StatusServiceUnavailable},
		{http.StatusUnauthorized, false, CodeUpstreamRejected, http.StatusBadGateway},
		{http.StatusForbidden, false, CodeUpstreamRejected, http.StatusBadGateway},
		{http.StatusBadRequest, false, CodeUpstreamRejected, http.StatusBadRequest},
		{http.StatusUnprocessableEntity, false, CodeUpstreamRejected, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := Upstream("openai", tt.status, "boom")
			assert.Equal(t, tt.retryable, Retryable(err))
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.http, err.HTTPStatus())
		})
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("resolve: %w", New(CodeUnknownModel, "unknown model %q", "foo"))
	assert.True(t, errors.Is(err, ErrUnknownModel))
	assert.False(t, errors.Is(err, ErrUnsupportedCapability))
	assert.Equal(t, CodeUnknownModel, CodeOf(err))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestTransportIsRetryable(t *testing.T) {
	err := Transport("anthropic", errors.New("connection reset"))
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestExhaustedCarriesAttempts(t *testing.T) {
	err := Exhausted("gpt-x", []AttemptFailure{
		{Provider: "a", Model: "m1", Message: "status 503"},
		{Provider: "b", Model: "m2", Message: "reset"},
	})
	assert.Len(t, err.Attempts, 2)
	assert.Contains(t, err.Error(), "a/m1: status 503")
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus())
}
