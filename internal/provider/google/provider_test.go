package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/config"
	"inference-gateway/internal/models"
	"inference-gateway/internal/provider"
	"inference-gateway/internal/stream"
)

func candidate(name string) models.Candidate {
	return models.Candidate{
		Provider:      name,
		UpstreamModel: "gemini-2.5-flash",
		Capabilities:  models.Capabilities{Streaming: true, Vision: true, Tools: true, JSONOutput: true, JSONOutputSchema: true, Reasoning: true},
	}
}

func TestTranslateReattachesThoughtSignature(t *testing.T) {
	req := models.ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "weather?"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{
				ID:           "get_weather_1700000000000_0_ab12cd34",
				Function:     models.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
				ExtraContent: models.WithThoughtSignature(nil, "SIG=="),
			}}},
			{Role: models.RoleTool, ToolCallID: "get_weather_1700000000000_0_ab12cd34", Content: "sunny"},
		},
		Tools: []models.ToolDefinition{{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"$schema":"http://json-schema.org/draft-07/schema#","type":"object","additionalProperties":false,"properties":{"strict":{"type":"string"},"nested":{"type":"object","additionalProperties":false}}}`),
		}},
		ToolChoice: &models.ToolChoice{Mode: models.ToolChoiceFunction, Function: "get_weather"},
	}

	payload, err := Translate(req, candidate("google-ai-studio"))
	require.NoError(t, err)

	require.NotNil(t, payload.SystemInstruction)
	assert.Equal(t, "be brief", payload.SystemInstruction.Parts[0].Text)
	require.Len(t, payload.Contents, 3)
	assert.Equal(t, "model", payload.Contents[1].Role)

	call := payload.Contents[1].Parts[0]
	require.NotNil(t, call.FunctionCall)
	assert.Equal(t, "SIG==", call.ThoughtSignature)
	assert.JSONEq(t, `{"city":"Paris"}`, string(call.FunctionCall.Args))

	resp := payload.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "get_weather", resp.Name)
	assert.JSONEq(t, `{"content":"sunny"}`, string(resp.Response))

	params := payload.Tools[0].FunctionDeclarations[0].Parameters
	assert.JSONEq(t, `{"type":"object","properties":{"strict":{"type":"string"},"nested":{"type":"object"}}}`, string(params))
	assert.Equal(t, &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{"get_weather"}}}, payload.ToolConfig)
}

func TestTranslateGenerationConfig(t *testing.T) {
	req := models.ChatRequest{
		Messages:        []models.Message{{Role: models.RoleUser, Content: "draw"}},
		ResponseFormat:  &models.ResponseFormat{Type: models.FormatJSONSchema, Schema: json.RawMessage(`{"type":"object","additionalProperties":false}`)},
		ReasoningEffort: "low",
		ImageConfig:     &models.ImageConfig{AspectRatio: "16:9"},
	}

	payload, err := Translate(req, candidate("google-ai-studio"))
	require.NoError(t, err)
	gc := payload.GenerationConfig
	require.NotNil(t, gc)
	assert.Equal(t, "application/json", gc.ResponseMimeType)
	assert.JSONEq(t, `{"type":"object"}`, string(gc.ResponseSchema))
	assert.Equal(t, &ThinkingConfig{ThinkingBudget: 1024, IncludeThoughts: true}, gc.ThinkingConfig)
	assert.Equal(t, []string{"TEXT", "IMAGE"}, gc.ResponseModalities)
	assert.Equal(t, "16:9", gc.ImageConfig.AspectRatio)
}

func TestTranslateUnknownToolResult(t *testing.T) {
	req := models.ChatRequest{Messages: []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleTool, ToolCallID: "missing", Content: "x"},
	}}
	_, err := Translate(req, candidate("google-ai-studio"))
	assert.True(t, errors.Is(err, apierr.ErrInvalidRequest))
}

func TestOpenAIStudioStreamsFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "studio-key", r.Header.Get("x-goog-api-key"))

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{"q":"go"}},"thoughtSignature":"S1"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`+"\n\n")
	}))
	defer srv.Close()

	p, err := New("google-ai-studio", AIStudio, config.ProviderConfig{APIKey: "studio-key", BaseURL: srv.URL}, http.DefaultClient, nil)
	require.NoError(t, err)

	var hooked []string
	opts := stream.Options{
		Now:                func() time.Time { return time.UnixMilli(1700000000000) },
		Suffix:             func() string { return "abcd1234" },
		OnThoughtSignature: func(id, sig string) { hooked = append(hooked, id+"="+sig) },
	}
	req := models.ChatRequest{Messages: []models.Message{{Role: models.RoleUser, Content: "go"}}, Stream: true}
	s, err := p.Open(context.Background(), provider.Call{Request: req, Candidate: candidate("google-ai-studio"), Stream: opts})
	require.NoError(t, err)
	defer s.Close()

	acc := stream.NewAccumulator()
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		acc.Add(c.ToolCalls...)
	}
	calls, err := acc.Finalize()
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup_1700000000000_0_abcd1234", calls[0].ID)
	assert.Equal(t, []string{"lookup_1700000000000_0_abcd1234=S1"}, hooked)
}

func TestOpenVertexWholeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/demo/locations/us-central1/publishers/google/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{APIKey: "token", BaseURL: srv.URL, Project: "demo", Location: "us-central1"}
	p, err := New("google-vertex", Vertex, cfg, http.DefaultClient, nil)
	require.NoError(t, err)

	req := models.ChatRequest{Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}}
	s, err := p.Open(context.Background(), provider.Call{Request: req, Candidate: candidate("google-vertex")})
	require.NoError(t, err)

	c, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hello", c.Content)
}

func TestNewVertexRequiresProject(t *testing.T) {
	_, err := New("google-vertex", Vertex, config.ProviderConfig{APIKey: "t", Location: "us"}, http.DefaultClient, nil)
	assert.Error(t, err)
	assert.Equal(t, "https://aiplatform.googleapis.com/v1", vertexBaseURL("global"))
	assert.Equal(t, "https://europe-west4-aiplatform.googleapis.com/v1", vertexBaseURL("europe-west4"))
}
