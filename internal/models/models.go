package models

import (
	"encoding/json"
	"time"
)

// Message roles accepted in the unified schema.
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// Response format kinds.
const (
	FormatNone       = ""
	FormatText       = "text"
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// Tool choice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceFunction = "function"
)

// Finish reasons emitted to clients.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type     string
	Text     string
	ImageURL string
	Detail   string
}

// Message represents a single conversational message in the unified schema.
// Content holds the plain text form; Parts is set when the client sent an array body.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

// HasImages reports whether the message carries image parts.
func (m Message) HasImages() bool {
	for _, part := range m.Parts {
		if part.Type == PartImageURL {
			return true
		}
	}
	return false
}

// Text returns the concatenated text of the message.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, part := range m.Parts {
		if part.Type == PartText {
			out += part.Text
		}
	}
	return out
}

// FunctionCall names a function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string
	Arguments string
}

// ToolCall is a structured function invocation requested by the model.
// ExtraContent carries provider-specific continuation metadata keyed by provider family.
type ToolCall struct {
	ID           string
	Type         string
	Function     FunctionCall
	ExtraContent map[string]any
}

// ToolCallDelta is a tool-call fragment tagged with its positional index.
type ToolCallDelta struct {
	Index        int
	ID           string
	Type         string
	Name         string
	Arguments    string
	ExtraContent map[string]any
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Strict      bool
}

// ToolChoice constrains how the model picks tools.
type ToolChoice struct {
	Mode     string
	Function string
}

// ResponseFormat requests structured output from the model.
type ResponseFormat struct {
	Type   string
	Name   string
	Schema json.RawMessage
	Strict bool
}

// ImageConfig configures image generation on providers that support it.
type ImageConfig struct {
	AspectRatio string
	ImageSize   string
}

// ChatRequest is the canonical representation of a chat completion.
// It is treated as immutable once accepted by the gateway.
type ChatRequest struct {
	Model           string
	Messages        []Message
	Tools           []ToolDefinition
	ToolChoice      *ToolChoice
	ResponseFormat  *ResponseFormat
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	Stop            []string
	ReasoningEffort string
	ImageConfig     *ImageConfig
	Stream          bool
	IncludeUsage    bool
	User            string
}

// Clone returns a copy whose slices may be modified without touching the receiver.
func (r ChatRequest) Clone() ChatRequest {
	out := r
	out.Messages = make([]Message, len(r.Messages))
	for i, msg := range r.Messages {
		cp := msg
		if len(msg.Parts) > 0 {
			cp.Parts = append([]ContentPart(nil), msg.Parts...)
		}
		if len(msg.ToolCalls) > 0 {
			cp.ToolCalls = make([]ToolCall, len(msg.ToolCalls))
			for j, call := range msg.ToolCalls {
				cp.ToolCalls[j] = call
				cp.ToolCalls[j].ExtraContent = cloneMap(call.ExtraContent)
			}
		}
		out.Messages[i] = cp
	}
	if len(r.Tools) > 0 {
		out.Tools = append([]ToolDefinition(nil), r.Tools...)
	}
	if len(r.Stop) > 0 {
		out.Stop = append([]string(nil), r.Stop...)
	}
	return out
}

// HasImages reports whether any message carries image input.
func (r ChatRequest) HasImages() bool {
	for _, msg := range r.Messages {
		if msg.HasImages() {
			return true
		}
	}
	return false
}

// Capabilities lists the features a candidate supports.
type Capabilities struct {
	Streaming        bool
	Vision           bool
	Tools            bool
	JSONOutput       bool
	JSONOutputSchema bool
	Reasoning        bool
}

// Candidate is one provider/model pairing eligible to serve a logical model id.
type Candidate struct {
	Provider      string
	UpstreamModel string
	Capabilities  Capabilities
	DeactivatedAt *time.Time
}

// Image is an inline image produced by the model.
type Image struct {
	URL string
}

// Chunk is one unified streaming increment.
type Chunk struct {
	UpstreamID       string
	Content          string
	ReasoningContent string
	ToolCalls        []ToolCallDelta
	Images           []Image
	FinishReason     string
	Usage            *Usage
}

// Empty reports whether the chunk carries nothing worth forwarding.
func (c Chunk) Empty() bool {
	return c.Content == "" && c.ReasoningContent == "" && len(c.ToolCalls) == 0 &&
		len(c.Images) == 0 && c.FinishReason == "" && c.Usage == nil
}

// HasOutput reports whether the chunk carries anything a client would see as
// a delta. Finish reasons and usage alone do not count.
func (c Chunk) HasOutput() bool {
	return c.Content != "" || c.ReasoningContent != "" || len(c.ToolCalls) > 0 || len(c.Images) > 0
}

// ResponseMessage is the assistant message of a completed response.
type ResponseMessage struct {
	Role             string
	Content          string
	ReasoningContent string
	ToolCalls        []ToolCall
	Images           []Image
}

// ChatResponse captures a completed response in the unified schema.
type ChatResponse struct {
	ID           string
	Model        string
	Provider     string
	Created      int64
	Message      ResponseMessage
	FinishReason string
	Usage        Usage
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	CachedTokens     int
	TotalTokens      int
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Model identifies a logical model exposed by the gateway.
type Model struct {
	ID        string
	Providers []string
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
