package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/fallback"
	"inference-gateway/internal/models"
	"inference-gateway/internal/usage"
)

func TestAttemptFinished(t *testing.T) {
	m := New()
	cand := models.Candidate{Provider: "openai", UpstreamModel: "gpt-4o"}

	m.AttemptFinished(cand, fallback.StateRetryable, errors.New("boom"), time.Second)
	m.AttemptFinished(cand, fallback.StateSuccess, nil, time.Second)
	m.AttemptFinished(cand, fallback.StateSuccess, nil, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("openai", "retryable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("openai", "success")))
}

func TestRecordUsage(t *testing.T) {
	m := New()
	m.RecordUsage(context.Background(), usage.Record{
		Model:    "gpt-4o",
		Provider: "openrouter",
		Status:   usage.StatusSuccess,
		Usage:    models.Usage{PromptTokens: 12, CompletionTokens: 30},
		Latency:  2 * time.Second,
		Attempts: []apierr.AttemptFailure{{Provider: "openai", Code: apierr.CodeRetryableUpstream}},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("gpt-4o", "openrouter", "success")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.tokens.WithLabelValues("gpt-4o", "openrouter", "prompt")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.tokens.WithLabelValues("gpt-4o", "openrouter", "completion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacks.WithLabelValues("gpt-4o")))
}

func TestContinuationWritten(t *testing.T) {
	m := New()
	m.ContinuationWritten(nil)
	m.ContinuationWritten(errors.New("down"))
	m.ContinuationWritten(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.continuationWrites.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.continuationWrites.WithLabelValues("error")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ContinuationWritten(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gateway_continuation_writes_total")
}
