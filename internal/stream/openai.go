package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"inference-gateway/internal/models"
)

var doneMarker = []byte("[DONE]")

type openAIExtractor struct {
	finished bool
}

func newOpenAIExtractor() *openAIExtractor {
	return &openAIExtractor{}
}

type openAIStreamChunk struct {
	ID      string             `json:"id"`
	Choices []openAIChoice     `json:"choices"`
	Usage   *openAIUsage       `json:"usage"`
	Error   *openAIErrorObject `json:"error"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Delta        openAIMessage `json:"delta"`
	Message      openAIMessage `json:"message"`
	FinishReason *string       `json:"finish_reason"`
}

type openAIMessage struct {
	Content          *string          `json:"content"`
	ReasoningContent string           `json:"reasoning_content"`
	Reasoning        string           `json:"reasoning"`
	ToolCalls        []openAIToolCall `json:"tool_calls"`
	Images           []struct {
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	} `json:"images"`
}

type openAIToolCall struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
	ExtraContent map[string]any `json:"extra_content"`
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type openAIErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (u *openAIUsage) toUnified() *models.Usage {
	if u == nil {
		return nil
	}
	out := &models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

func (e *openAIExtractor) ExtractDeltas(ev Event) ([]models.Chunk, error) {
	data := bytes.TrimSpace(ev.Data)
	if bytes.Equal(data, doneMarker) {
		e.finished = true
		return nil, nil
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw openAIStreamChunk
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("openai", err)
	}
	if raw.Error != nil {
		return nil, upstreamFailure("openai", raw.Error.Message)
	}

	chunk := models.Chunk{UpstreamID: raw.ID, Usage: raw.Usage.toUnified()}
	if len(raw.Choices) > 0 {
		choice := raw.Choices[0]
		fillFromOpenAIMessage(&chunk, choice.Delta)
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			chunk.FinishReason = *choice.FinishReason
			e.finished = true
		}
	}
	return []models.Chunk{chunk}, nil
}

func (e *openAIExtractor) IsTerminal(ev Event) bool {
	return bytes.Equal(bytes.TrimSpace(ev.Data), doneMarker)
}

func (e *openAIExtractor) Complete() bool {
	return e.finished
}

func fillFromOpenAIMessage(chunk *models.Chunk, msg openAIMessage) {
	if msg.Content != nil {
		chunk.Content = *msg.Content
	}
	chunk.ReasoningContent = msg.ReasoningContent
	if chunk.ReasoningContent == "" {
		chunk.ReasoningContent = msg.Reasoning
	}
	for pos, call := range msg.ToolCalls {
		idx := pos
		if call.Index != nil {
			idx = *call.Index
		}
		chunk.ToolCalls = append(chunk.ToolCalls, models.ToolCallDelta{
			Index:        idx,
			ID:           call.ID,
			Type:         call.Type,
			Name:         call.Function.Name,
			Arguments:    call.Function.Arguments,
			ExtraContent: call.ExtraContent,
		})
	}
	for _, img := range msg.Images {
		chunk.Images = append(chunk.Images, models.Image{URL: img.ImageURL.URL})
	}
}

func normalizeOpenAIBody(body []byte) ([]models.Chunk, error) {
	var raw openAIStreamChunk
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, malformed("openai", err)
	}
	if raw.Error != nil {
		return nil, upstreamFailure("openai", raw.Error.Message)
	}
	if len(raw.Choices) == 0 {
		return nil, malformed("openai", fmt.Errorf("response did not include choices"))
	}

	choice := raw.Choices[0]
	chunk := models.Chunk{UpstreamID: raw.ID, Usage: raw.Usage.toUnified()}
	fillFromOpenAIMessage(&chunk, choice.Message)
	if choice.FinishReason != nil {
		chunk.FinishReason = *choice.FinishReason
	}
	return []models.Chunk{chunk}, nil
}
