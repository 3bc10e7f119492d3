package openai

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/config"
	"inference-gateway/internal/models"
	"inference-gateway/internal/provider"
)

func candidate() models.Candidate {
	return models.Candidate{
		Provider:      "openai",
		UpstreamModel: "gpt-4o-2024-08-06",
		Capabilities:  models.Capabilities{Streaming: true, Tools: true, JSONOutput: true, JSONOutputSchema: true},
	}
}

func request() models.ChatRequest {
	return models.ChatRequest{
		Model: "gpt-4o",
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "weather?"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{
				ID:           "call_1",
				Type:         "function",
				Function:     models.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
				ExtraContent: models.WithThoughtSignature(nil, "sig"),
			}}},
			{Role: models.RoleTool, ToolCallID: "call_1", Content: "sunny"},
		},
		Tools:           []models.ToolDefinition{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice:      &models.ToolChoice{Mode: models.ToolChoiceFunction, Function: "get_weather"},
		ReasoningEffort: "high",
		Stream:          true,
	}
}

func TestTranslate(t *testing.T) {
	payload, err := Translate(request(), candidate())
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-2024-08-06", payload.Model)
	assert.True(t, payload.Stream)
	require.NotNil(t, payload.StreamOptions)
	assert.True(t, payload.StreamOptions.IncludeUsage)
	assert.Empty(t, payload.ReasoningEffort, "non-reasoning candidates never receive reasoning_effort")

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "extra_content")
	assert.Contains(t, string(raw), `"tool_choice":{"type":"function","function":{"name":"get_weather"}}`)
	assert.Contains(t, string(raw), `{"role":"assistant","content":null,"tool_calls":[{"id":"call_1"`)
}

func TestTranslateReasoningCandidate(t *testing.T) {
	cand := candidate()
	cand.Capabilities.Reasoning = true
	maxTokens := 100
	req := request()
	req.MaxTokens = &maxTokens

	payload, err := Translate(req, cand)
	require.NoError(t, err)
	assert.Equal(t, "high", payload.ReasoningEffort)
	assert.Nil(t, payload.MaxTokens)
	assert.Equal(t, &maxTokens, payload.MaxCompletionTokens)
}

func TestTranslateRejectsUnsupportedCapability(t *testing.T) {
	cand := candidate()
	cand.Capabilities.JSONOutputSchema = false
	req := request()
	req.ResponseFormat = &models.ResponseFormat{Type: models.FormatJSONSchema, Schema: json.RawMessage(`{"type":"object"}`)}

	_, err := Translate(req, cand)
	assert.True(t, errors.Is(err, apierr.ErrUnsupportedCapability))
}

func newProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p, err := New("openai", config.ProviderConfig{APIKey: "sk-test", BaseURL: url, Headers: config.Headers{"OpenAI-Organization": "org"}}, http.DefaultClient, nil)
	require.NoError(t, err)
	return p
}

func TestOpenStreamsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "org", r.Header.Get("OpenAI-Organization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		io.WriteString(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s, err := newProvider(t, srv.URL+"/v1").Open(context.Background(), provider.Call{Request: request(), Candidate: candidate()})
	require.NoError(t, err)
	defer s.Close()

	var text string
	var finish string
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += c.Content
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, models.FinishStop, finish)
}

func TestOpenWholeBodyGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Nil(t, body["stream"])

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, `{"id":"c2","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
		gz.Close()
	}))
	defer srv.Close()

	req := request()
	req.Stream = false
	s, err := newProvider(t, srv.URL).Open(context.Background(), provider.Call{Request: req, Candidate: candidate()})
	require.NoError(t, err)

	c, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hi", c.Content)
}

func TestOpenClassifiesUpstreamErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		code      apierr.Code
	}{
		{http.StatusTooManyRequests, true, apierr.CodeRetryableUpstream},
		{http.StatusServiceUnavailable, true, apierr.CodeRetryableUpstream},
		{http.StatusUnauthorized, false, apierr.CodeUpstreamRejected},
		{http.StatusBadRequest, false, apierr.CodeUpstreamRejected},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, `{"error":{"message":"nope","type":"test_error"}}`)
			}))
			defer srv.Close()

			_, err := newProvider(t, srv.URL).Open(context.Background(), provider.Call{Request: request(), Candidate: candidate()})
			require.Error(t, err)
			assert.Equal(t, tc.retryable, apierr.Retryable(err))
			assert.Equal(t, tc.code, apierr.CodeOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestOpenTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newProvider(t, url).Open(context.Background(), provider.Call{Request: request(), Candidate: candidate()})
	assert.True(t, apierr.Retryable(err))
}
