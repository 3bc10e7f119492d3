package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/config"
	"inference-gateway/internal/models"
	"inference-gateway/internal/provider"
	"inference-gateway/internal/stream"
	"inference-gateway/internal/translator"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096

	jsonObjectInstruction = "Respond only with a single valid JSON object. Do not wrap it in markdown."
)

// thinkingBudgets maps reasoning_effort onto extended-thinking token budgets.
var thinkingBudgets = map[string]int{
	"minimal": 1024,
	"low":     2048,
	"medium":  8192,
	"high":    24576,
}

// Provider implements Anthropic Messages API interactions.
type Provider struct {
	name      string
	apiKey    string
	messages  string
	transport *provider.Transport
}

// New constructs an Anthropic provider instance.
func New(name string, cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Provider{
		name:     name,
		apiKey:   cfg.APIKey,
		messages: baseURL + "/v1/messages",
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
	header.Set("x-api-key", p.apiKey)
	header.Set("anthropic-version", apiVersion)

	return p.transport.Do(ctx, provider.Request{
		URL:       p.messages,
		Header:    header,
		Payload:   payload,
		Streaming: payload.Stream,
		Grammar:   stream.GrammarAnthropic,
		Options:   call.Stream,
	})
}

// MessagePayload is the upstream Messages API body.
type MessagePayload struct {
	Model         string      `json:"model"`
	Messages      []Message   `json:"messages"`
	System        string      `json:"system,omitempty"`
	MaxTokens     int         `json:"max_tokens"`
	Temperature   *float64    `json:"temperature,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	StopSequences []string    `json:"stop_sequences,omitempty"`
	Tools         []Tool      `json:"tools,omitempty"`
	ToolChoice    *ToolChoice `json:"tool_choice,omitempty"`
	Thinking      *Thinking   `json:"thinking,omitempty"`
	Metadata      *Metadata   `json:"metadata,omitempty"`
	Stream        bool        `json:"stream,omitempty"`
}

type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock covers text, image, tool_use and tool_result blocks.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// Translate builds the upstream payload for cand. It performs no I/O.
func Translate(req models.ChatRequest, cand models.Candidate) (MessagePayload, error) {
	if err := translator.CheckCapabilities(req, cand); err != nil {
		return MessagePayload{}, err
	}

	var systemParts []string
	messages := make([]Message, 0, len(req.Messages))
	appendTurn := func(role string, blocks ...ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		// Same-role turns merge, so tool results for one assistant turn share a user message.
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, Message{Role: role, Content: blocks})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem, models.RoleDeveloper:
			if text := strings.TrimSpace(msg.Text()); text != "" {
				systemParts = append(systemParts, text)
			}
		case models.RoleUser:
			blocks, err := userBlocks(msg)
			if err != nil {
				return MessagePayload{}, err
			}
			appendTurn("user", blocks...)
		case models.RoleAssistant:
			appendTurn("assistant", assistantBlocks(msg)...)
		case models.RoleTool:
			appendTurn("user", ContentBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Text()})
		default:
			return MessagePayload{}, apierr.InvalidRequest("anthropic does not support role %q", msg.Role)
		}
	}

	if len(messages) == 0 {
		return MessagePayload{}, apierr.InvalidRequest("anthropic requests require at least one non-system message")
	}
	if messages[0].Role != "user" {
		messages = append([]Message{{Role: "user", Content: []ContentBlock{{Type: "text", Text: "..."}}}}, messages...)
	}

	if rf := req.ResponseFormat; rf != nil && rf.Type == models.FormatJSONObject {
		systemParts = append(systemParts, jsonObjectInstruction)
	}

	payload := MessagePayload{
		Model:         cand.UpstreamModel,
		Messages:      messages,
		System:        strings.Join(systemParts, "\n\n"),
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream && cand.Capabilities.Streaming,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		payload.MaxTokens = *req.MaxTokens
	}
	if req.User != "" {
		payload.Metadata = &Metadata{UserID: req.User}
	}

	if budget, ok := thinkingBudgets[req.ReasoningEffort]; ok && cand.Capabilities.Reasoning {
		payload.Thinking = &Thinking{Type: "enabled", BudgetTokens: budget}
		if payload.MaxTokens <= budget {
			payload.MaxTokens = budget + defaultMaxTokens
		}
		// Extended thinking rejects sampling overrides.
		payload.Temperature = nil
		payload.TopP = nil
	}

	for _, tool := range req.Tools {
		schema := tool.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		payload.Tools = append(payload.Tools, Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	if len(payload.Tools) > 0 && req.ToolChoice != nil {
		payload.ToolChoice = buildToolChoice(*req.ToolChoice)
	}

	return payload, nil
}

func userBlocks(msg models.Message) ([]ContentBlock, error) {
	if len(msg.Parts) == 0 {
		return []ContentBlock{{Type: "text", Text: msg.Content}}, nil
	}

	blocks := make([]ContentBlock, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		if part.Type != models.PartImageURL {
			blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
			continue
		}
		source, err := imageSource(part.ImageURL)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, ContentBlock{Type: "image", Source: source})
	}
	return blocks, nil
}

func assistantBlocks(msg models.Message) []ContentBlock {
	var blocks []ContentBlock
	if text := msg.Text(); text != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: text})
	}
	for _, call := range msg.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if len(strings.TrimSpace(call.Function.Arguments)) == 0 || !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return blocks
}

// imageSource converts a data URL into a base64 source and anything else into a URL source.
func imageSource(url string) (*ImageSource, error) {
	if !strings.HasPrefix(url, "data:") {
		return &ImageSource{Type: "url", URL: url}, nil
	}
	meta, data, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, apierr.InvalidRequest("image data url must be base64 encoded")
	}
	return &ImageSource{
		Type:      "base64",
		MediaType: strings.TrimSuffix(meta, ";base64"),
		Data:      data,
	}, nil
}

func buildToolChoice(choice models.ToolChoice) *ToolChoice {
	switch choice.Mode {
	case models.ToolChoiceRequired:
		return &ToolChoice{Type: "any"}
	case models.ToolChoiceNone:
		return &ToolChoice{Type: "none"}
	case models.ToolChoiceFunction:
		return &ToolChoice{Type: "tool", Name: choice.Function}
	default:
		return &ToolChoice{Type: "auto"}
	}
}
