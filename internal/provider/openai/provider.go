package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"inference-gateway/internal/config"
	"inference-gateway/internal/models"
	"inference-gateway/internal/provider"
	"inference-gateway/internal/stream"
	"inference-gateway/internal/translator"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements the Provider interface for OpenAI-compatible APIs.
type Provider struct {
	name      string
	apiKey    string
	chatURL   string
	transport *provider.Transport
}

// New creates a new OpenAI-compatible provider.
func New(name string, cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		chatURL: baseURL + "/chat/completions",
		transport: &provider.Transport{
			Name:    name,
			Client:  client,
			Headers: cfg.Headers,
			Logger:  logger,
		},
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Open(ctx context.Context, call provider.Call) (stream.Stream, error) {
	payload, err := Translate(call.Request, call.Candidate)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)

	return p.transport.Do(ctx, provider.Request{
		URL:       p.chatURL,
		Header:    header,
		Payload:   payload,
		Streaming: payload.Stream,
		Grammar:   stream.GrammarOpenAI,
		Options:   call.Stream,
	})
}

// ChatPayload is the upstream chat.completions body.
type ChatPayload struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *StreamOptions  `json:"stream_options,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                []string        `json:"stop,omitempty"`
	ResponseFormat      *ResponseFormat `json:"response_format,omitempty"`
	Tools               []Tool          `json:"tools,omitempty"`
	ToolChoice          any             `json:"tool_choice,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
	User                string          `json:"user,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Message is an upstream chat message. Content is a string, a part array, or null.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

type JSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

type namedToolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// Translate builds the upstream payload for cand. It performs no I/O.
func Translate(req models.ChatRequest, cand models.Candidate) (ChatPayload, error) {
	if err := translator.CheckCapabilities(req, cand); err != nil {
		return ChatPayload{}, err
	}

	payload := ChatPayload{
		Model:       cand.UpstreamModel,
		Messages:    make([]Message, 0, len(req.Messages)),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		User:        req.User,
	}

	if req.Stream && cand.Capabilities.Streaming {
		payload.Stream = true
		payload.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	if req.MaxTokens != nil {
		if cand.Capabilities.Reasoning {
			payload.MaxCompletionTokens = req.MaxTokens
		} else {
			payload.MaxTokens = req.MaxTokens
		}
	}
	if cand.Capabilities.Reasoning && req.ReasoningEffort != "" {
		payload.ReasoningEffort = req.ReasoningEffort
	}

	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, buildMessage(msg))
	}

	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, Tool{
			Type: "function",
			Function: Function{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
				Strict:      tool.Strict,
			},
		})
	}
	if len(payload.Tools) > 0 && req.ToolChoice != nil {
		payload.ToolChoice = buildToolChoice(*req.ToolChoice)
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case models.FormatJSONObject:
			payload.ResponseFormat = &ResponseFormat{Type: models.FormatJSONObject}
		case models.FormatJSONSchema:
			name := rf.Name
			if name == "" {
				name = "response"
			}
			payload.ResponseFormat = &ResponseFormat{
				Type:       models.FormatJSONSchema,
				JSONSchema: &JSONSchema{Name: name, Schema: rf.Schema, Strict: rf.Strict},
			}
		}
	}

	return payload, nil
}

func buildMessage(msg models.Message) Message {
	out := Message{
		Role:       msg.Role,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}

	switch {
	case len(msg.Parts) > 0:
		parts := make([]ContentPart, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			if part.Type == models.PartImageURL {
				parts = append(parts, ContentPart{
					Type:     models.PartImageURL,
					ImageURL: &ImageURL{URL: part.ImageURL, Detail: part.Detail},
				})
				continue
			}
			parts = append(parts, ContentPart{Type: models.PartText, Text: part.Text})
		}
		out.Content = parts
	case msg.Content == "" && len(msg.ToolCalls) > 0:
		out.Content = nil
	default:
		out.Content = msg.Content
	}

	// extra_content is gateway metadata and never leaves for an OpenAI upstream.
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:       call.ID,
			Type:     "function",
			Function: FunctionCall{Name: call.Function.Name, Arguments: call.Function.Arguments},
		})
	}
	return out
}

func buildToolChoice(choice models.ToolChoice) any {
	if choice.Mode == models.ToolChoiceFunction {
		named := namedToolChoice{Type: "function"}
		named.Function.Name = choice.Function
		return named
	}
	return choice.Mode
}
