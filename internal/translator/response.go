package translator

import (
	"inference-gateway/internal/models"
)

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a response.
type ResponseMessage struct {
	Role             string       `json:"role"`
	Content          *string      `json:"content"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall   `json:"tool_calls,omitempty"`
	Images           []ImageBlock `json:"images,omitempty"`
}

// ImageBlock carries a generated image as a data URL.
type ImageBlock struct {
	Type     string   `json:"type"`
	ImageURL ImageURL `json:"image_url"`
}

// ImageURL is the url member of an image block.
type ImageURL struct {
	URL string `json:"url"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// ChatCompletionChunk is one SSE event of a streamed response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *OpenAIUsage  `json:"usage,omitempty"`
}

// ChunkChoice is the choice member of a chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental message content of a chunk.
type ChunkDelta struct {
	Role             string       `json:"role,omitempty"`
	Content          string       `json:"content,omitempty"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall   `json:"tool_calls,omitempty"`
	Images           []ImageBlock `json:"images,omitempty"`
}

// ErrorEnvelope is the OpenAI error body, also used as the in-stream error terminal event.
type ErrorEnvelope struct {
	Error ErrorObject `json:"error"`
}

// ErrorObject describes a failure.
type ErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// FromUnifiedChat constructs the OpenAI response shape from the unified data.
func FromUnifiedChat(resp *models.ChatResponse) ChatCompletionResponse {
	msg := ResponseMessage{
		Role:             models.RoleAssistant,
		ReasoningContent: resp.Message.ReasoningContent,
		Images:           imageBlocks(resp.Message.Images),
	}
	if resp.Message.Content != "" || len(resp.Message.ToolCalls) == 0 {
		content := resp.Message.Content
		msg.Content = &content
	}
	for _, call := range resp.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:           call.ID,
			Type:         "function",
			Function:     FunctionCall{Name: call.Function.Name, Arguments: call.Function.Arguments},
			ExtraContent: call.ExtraContent,
		})
	}

	return ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: resp.FinishReason,
		}},
		Usage: usageBlock(resp.Usage),
	}
}

// NewChunk renders a unified chunk in the OpenAI delta-chunk shape.
func NewChunk(id, model string, created int64, chunk models.Chunk, first bool) ChatCompletionChunk {
	delta := ChunkDelta{
		Content:          chunk.Content,
		ReasoningContent: chunk.ReasoningContent,
		Images:           imageBlocks(chunk.Images),
	}
	if first {
		delta.Role = models.RoleAssistant
	}
	for _, d := range chunk.ToolCalls {
		idx := d.Index
		call := ToolCall{
			Index:        &idx,
			ID:           d.ID,
			Function:     FunctionCall{Name: d.Name, Arguments: d.Arguments},
			ExtraContent: d.ExtraContent,
		}
		if d.ID != "" {
			call.Type = "function"
		}
		delta.ToolCalls = append(delta.ToolCalls, call)
	}

	choice := ChunkChoice{Index: 0, Delta: delta}
	if chunk.FinishReason != "" {
		reason := chunk.FinishReason
		choice.FinishReason = &reason
	}

	out := ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{choice},
	}
	if chunk.Usage != nil {
		out.Usage = usageBlock(*chunk.Usage)
	}
	return out
}

// NewUsageChunk renders the trailing usage-only chunk requested via stream_options.
func NewUsageChunk(id, model string, created int64, usage models.Usage) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{},
		Usage:   usageBlock(usage),
	}
}

func usageBlock(u models.Usage) *OpenAIUsage {
	if u.IsZero() {
		return nil
	}
	out := &OpenAIUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if u.CachedTokens > 0 {
		out.PromptTokensDetails = &PromptTokensDetails{CachedTokens: u.CachedTokens}
	}
	if u.ReasoningTokens > 0 {
		out.CompletionTokensDetails = &CompletionTokensDetails{ReasoningTokens: u.ReasoningTokens}
	}
	return out
}

func imageBlocks(images []models.Image) []ImageBlock {
	if len(images) == 0 {
		return nil
	}
	out := make([]ImageBlock, 0, len(images))
	for _, img := range images {
		out = append(out, ImageBlock{Type: "image_url", ImageURL: ImageURL{URL: img.URL}})
	}
	return out
}
