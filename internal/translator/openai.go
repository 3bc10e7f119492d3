package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"inference-gateway/internal/models"
	"inference-gateway/internal/schema"
)

var (
	errEmptyModel      = errors.New("model must be provided")
	errEmptyMessages   = errors.New("at least one message is required")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
	errInvalidTool     = errors.New("invalid tool definition")
	errInvalidFormat   = errors.New("invalid response_format")
)

var allowedRoles = map[string]struct{}{
	models.RoleSystem:    {},
	models.RoleDeveloper: {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
	models.RoleTool:      {},
}

var reasoningEfforts = map[string]struct{}{
	"minimal": {},
	"low":     {},
	"medium":  {},
	"high":    {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model           string
	Messages        []ChatMessage
	Stream          bool
	IncludeUsage    bool
	MaxTokens       *int
	Temperature     *float64
	TopP            *float64
	Stop            []string
	ResponseFormat  *ResponseFormat
	Tools           []Tool
	ToolChoice      *models.ToolChoice
	ReasoningEffort string
	ImageConfig     *ImageConfig
	User            string
}

// ResponseFormat mirrors the OpenAI response_format object.
type ResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *JSONSchemaFormat `json:"json_schema,omitempty"`
}

// JSONSchemaFormat is the json_schema member of response_format.
type JSONSchemaFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

// Tool is an OpenAI function tool definition.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

// ImageConfig carries image generation settings.
type ImageConfig struct {
	AspectRatio string `json:"aspect_ratio,omitempty"`
	ImageSize   string `json:"image_size,omitempty"`
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type streamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}
	type alias struct {
		Model               string          `json:"model"`
		Messages            []ChatMessage   `json:"messages"`
		Stream              bool            `json:"stream"`
		StreamOptions       *streamOptions  `json:"stream_options"`
		MaxTokens           *int            `json:"max_tokens"`
		MaxCompletionTokens *int            `json:"max_completion_tokens"`
		Temperature         *float64        `json:"temperature"`
		TopP                *float64        `json:"top_p"`
		Stop                json.RawMessage `json:"stop"`
		ResponseFormat      *ResponseFormat `json:"response_format"`
		Tools               []Tool          `json:"tools"`
		ToolChoice          json.RawMessage `json:"tool_choice"`
		ReasoningEffort     string          `json:"reasoning_effort"`
		ImageConfig         *ImageConfig    `json:"image_config"`
		User                string          `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}
	toolChoice, err := parseToolChoice(raw.ToolChoice)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.IncludeUsage = raw.StreamOptions != nil && raw.StreamOptions.IncludeUsage
	r.MaxTokens = raw.MaxTokens
	if raw.MaxCompletionTokens != nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.Stop = stopValues
	r.ResponseFormat = raw.ResponseFormat
	r.Tools = raw.Tools
	r.ToolChoice = toolChoice
	r.ReasoningEffort = strings.ToLower(strings.TrimSpace(raw.ReasoningEffort))
	r.ImageConfig = raw.ImageConfig
	r.User = raw.User

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	if r.ReasoningEffort != "" {
		if _, ok := reasoningEfforts[r.ReasoningEffort]; !ok {
			return fmt.Errorf("reasoning_effort %q is not supported", r.ReasoningEffort)
		}
	}

	names := make(map[string]struct{}, len(r.Tools))
	for i, tool := range r.Tools {
		if tool.Type != "" && tool.Type != "function" {
			return fmt.Errorf("tools[%d]: %w: type %q", i, errInvalidTool, tool.Type)
		}
		name := strings.TrimSpace(tool.Function.Name)
		if name == "" {
			return fmt.Errorf("tools[%d]: %w: function name is required", i, errInvalidTool)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("tools[%d]: %w: duplicate function %q", i, errInvalidTool, name)
		}
		names[name] = struct{}{}
		if len(tool.Function.Parameters) > 0 {
			if err := schema.Default.Compile(tool.Function.Parameters); err != nil {
				return fmt.Errorf("tools[%d]: %w: parameters: %v", i, errInvalidTool, err)
			}
		}
	}
	if r.ToolChoice != nil && r.ToolChoice.Mode == models.ToolChoiceFunction {
		if _, ok := names[r.ToolChoice.Function]; !ok {
			return fmt.Errorf("tool_choice references unknown function %q", r.ToolChoice.Function)
		}
	}

	if rf := r.ResponseFormat; rf != nil {
		switch rf.Type {
		case models.FormatText, models.FormatJSONObject:
		case models.FormatJSONSchema:
			if rf.JSONSchema == nil || len(rf.JSONSchema.Schema) == 0 {
				return fmt.Errorf("%w: json_schema.schema is required", errInvalidFormat)
			}
			if err := schema.Default.Compile(rf.JSONSchema.Schema); err != nil {
				return fmt.Errorf("%w: json_schema.schema: %v", errInvalidFormat, err)
			}
		default:
			return fmt.Errorf("%w: type %q", errInvalidFormat, rf.Type)
		}
	}
	return nil
}

// ToUnified converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToUnified() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, m.toUnified())
	}

	out := models.ChatRequest{
		Model:           r.Model,
		Messages:        msgs,
		ToolChoice:      r.ToolChoice,
		Temperature:     r.Temperature,
		TopP:            r.TopP,
		MaxTokens:       r.MaxTokens,
		Stop:            r.Stop,
		ReasoningEffort: r.ReasoningEffort,
		Stream:          r.Stream,
		IncludeUsage:    r.IncludeUsage,
		User:            r.User,
	}

	for _, tool := range r.Tools {
		out.Tools = append(out.Tools, models.ToolDefinition{
			Name:        strings.TrimSpace(tool.Function.Name),
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
			Strict:      tool.Function.Strict,
		})
	}

	if rf := r.ResponseFormat; rf != nil && rf.Type != models.FormatText {
		format := &models.ResponseFormat{Type: rf.Type}
		if rf.JSONSchema != nil {
			format.Name = rf.JSONSchema.Name
			format.Schema = rf.JSONSchema.Schema
			format.Strict = rf.JSONSchema.Strict
		}
		out.ResponseFormat = format
	}

	if r.ImageConfig != nil {
		out.ImageConfig = &models.ImageConfig{
			AspectRatio: r.ImageConfig.AspectRatio,
			ImageSize:   r.ImageConfig.ImageSize,
		}
	}
	return out
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role       string
	Content    string
	Parts      []models.ContentPart
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is the wire form of a tool call, shared by requests, responses and chunks.
type ToolCall struct {
	Index        *int           `json:"index,omitempty"`
	ID           string         `json:"id,omitempty"`
	Type         string         `json:"type,omitempty"`
	Function     FunctionCall   `json:"function"`
	ExtraContent map[string]any `json:"extra_content,omitempty"`
}

// FunctionCall is the function member of a wire tool call.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// UnmarshalJSON supports string and array content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCalls  []ToolCall      `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, parts, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Parts = parts
	m.Name = strings.TrimSpace(raw.Name)
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = strings.TrimSpace(raw.ToolCallID)

	return nil
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}

	empty := strings.TrimSpace(m.Content) == "" && len(m.Parts) == 0
	switch m.Role {
	case models.RoleAssistant:
		if empty && len(m.ToolCalls) == 0 {
			return fmt.Errorf("%w: assistant message needs content or tool_calls", errInvalidContent)
		}
		for i, call := range m.ToolCalls {
			if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Function.Name) == "" {
				return fmt.Errorf("tool_calls[%d]: id and function name are required", i)
			}
		}
	case models.RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("%w: tool message requires tool_call_id", errInvalidContent)
		}
	default:
		if empty {
			return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
		}
		if len(m.ToolCalls) > 0 {
			return fmt.Errorf("%w: only assistant messages may carry tool_calls", errInvalidContent)
		}
	}
	return nil
}

func (m ChatMessage) toUnified() models.Message {
	out := models.Message{
		Role:       m.Role,
		Content:    m.Content,
		Parts:      m.Parts,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, call := range m.ToolCalls {
		typ := call.Type
		if typ == "" {
			typ = "function"
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:           call.ID,
			Type:         typ,
			Function:     models.FunctionCall{Name: call.Function.Name, Arguments: call.Function.Arguments},
			ExtraContent: call.ExtraContent,
		})
	}
	return out
}

func extractMessageContent(raw json.RawMessage) (string, []models.ContentPart, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}

	var segments []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL    string `json:"url"`
			Detail string `json:"detail"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return "", nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	var builder strings.Builder
	parts := make([]models.ContentPart, 0, len(segments))
	for _, segment := range segments {
		switch segment.Type {
		case models.PartText:
			builder.WriteString(segment.Text)
			parts = append(parts, models.ContentPart{Type: models.PartText, Text: segment.Text})
		case models.PartImageURL:
			if segment.ImageURL == nil || strings.TrimSpace(segment.ImageURL.URL) == "" {
				return "", nil, fmt.Errorf("%w: image_url.url is required", errInvalidContent)
			}
			parts = append(parts, models.ContentPart{
				Type:     models.PartImageURL,
				ImageURL: segment.ImageURL.URL,
				Detail:   segment.ImageURL.Detail,
			})
		default:
			return "", nil, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	return builder.String(), parts, nil
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

func parseToolChoice(raw json.RawMessage) (*models.ToolChoice, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case models.ToolChoiceAuto, models.ToolChoiceNone, models.ToolChoiceRequired:
			return &models.ToolChoice{Mode: mode}, nil
		}
		return nil, fmt.Errorf("tool_choice %q is not supported", mode)
	}

	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Type != "function" || named.Function.Name == "" {
		return nil, errors.New("tool_choice must be a mode string or a function selector")
	}
	return &models.ToolChoice{Mode: models.ToolChoiceFunction, Function: named.Function.Name}, nil
}
