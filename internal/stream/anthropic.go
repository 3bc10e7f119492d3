package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"inference-gateway/internal/models"
)

// anthropicExtractor tracks tool_use blocks by content-block index. Argument
// deltas carry no id, so each block index resolves to the ordinal assigned at
// block start and fragments are emitted under that ordinal.
type anthropicExtractor struct {
	blocks      map[int]*anthropicToolBlock
	nextOrdinal int
	usage       models.Usage
	messageID   string
	stopped     bool
}

type anthropicToolBlock struct {
	ordinal int
	id      string
	name    string
	closed  bool
}

func newAnthropicExtractor() *anthropicExtractor {
	return &anthropicExtractor{blocks: make(map[int]*anthropicToolBlock)}
}

type anthropicEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *anthropicMessage      `json:"message"`
	ContentBlock *anthropicContentBlock `json:"content_block"`
	Delta        *anthropicDelta        `json:"delta"`
	Usage        *anthropicUsage        `json:"usage"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicMessage struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Input    json.RawMessage `json:"input"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	Thinking    string `json:"thinking"`
	StopReason  string `json:"stop_reason"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

func (u anthropicUsage) prompt() int {
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

func (e *anthropicExtractor) ExtractDeltas(ev Event) ([]models.Chunk, error) {
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 {
		return nil, nil
	}

	var raw anthropicEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("anthropic", err)
	}

	switch raw.Type {
	case "message_start":
		if raw.Message != nil {
			e.messageID = raw.Message.ID
			e.usage.PromptTokens = raw.Message.Usage.prompt()
			e.usage.CachedTokens = raw.Message.Usage.CacheReadInputTokens
			e.usage.CompletionTokens = raw.Message.Usage.OutputTokens
		}
		return nil, nil

	case "content_block_start":
		if raw.ContentBlock == nil {
			return nil, malformed("anthropic", fmt.Errorf("content_block_start without content_block"))
		}
		switch raw.ContentBlock.Type {
		case "tool_use":
			if _, exists := e.blocks[raw.Index]; exists {
				return nil, malformed("anthropic", fmt.Errorf("duplicate tool_use block at index %d", raw.Index))
			}
			block := &anthropicToolBlock{ordinal: e.nextOrdinal, id: raw.ContentBlock.ID, name: raw.ContentBlock.Name}
			e.nextOrdinal++
			e.blocks[raw.Index] = block
			return []models.Chunk{e.chunk(models.Chunk{ToolCalls: []models.ToolCallDelta{{
				Index: block.ordinal,
				ID:    block.id,
				Type:  "function",
				Name:  block.name,
			}}})}, nil
		case "text":
			if raw.ContentBlock.Text != "" {
				return []models.Chunk{e.chunk(models.Chunk{Content: raw.ContentBlock.Text})}, nil
			}
		case "thinking":
			if raw.ContentBlock.Thinking != "" {
				return []models.Chunk{e.chunk(models.Chunk{ReasoningContent: raw.ContentBlock.Thinking})}, nil
			}
		}
		return nil, nil

	case "content_block_delta":
		if raw.Delta == nil {
			return nil, malformed("anthropic", fmt.Errorf("content_block_delta without delta"))
		}
		switch raw.Delta.Type {
		case "text_delta":
			return []models.Chunk{e.chunk(models.Chunk{Content: raw.Delta.Text})}, nil
		case "thinking_delta":
			return []models.Chunk{e.chunk(models.Chunk{ReasoningContent: raw.Delta.Thinking})}, nil
		case "input_json_delta":
			block, ok := e.blocks[raw.Index]
			if !ok || block.closed {
				return nil, malformed("anthropic", fmt.Errorf("input_json_delta for unknown or closed block %d", raw.Index))
			}
			if raw.Delta.PartialJSON == "" {
				return nil, nil
			}
			return []models.Chunk{e.chunk(models.Chunk{ToolCalls: []models.ToolCallDelta{{
				Index:     block.ordinal,
				Arguments: raw.Delta.PartialJSON,
			}}})}, nil
		}
		return nil, nil

	case "content_block_stop":
		if block, ok := e.blocks[raw.Index]; ok {
			block.closed = true
		}
		return nil, nil

	case "message_delta":
		chunk := models.Chunk{}
		if raw.Delta != nil && raw.Delta.StopReason != "" {
			chunk.FinishReason = anthropicFinishReason(raw.Delta.StopReason)
			e.stopped = true
		}
		if raw.Usage != nil {
			if p := raw.Usage.prompt(); p > 0 {
				e.usage.PromptTokens = p
			}
			e.usage.CompletionTokens = raw.Usage.OutputTokens
			e.usage.TotalTokens = e.usage.PromptTokens + e.usage.CompletionTokens
			usage := e.usage
			chunk.Usage = &usage
		}
		return []models.Chunk{e.chunk(chunk)}, nil

	case "error":
		msg := "unknown error"
		if raw.Error != nil {
			msg = raw.Error.Type + ": " + raw.Error.Message
		}
		return nil, upstreamFailure("anthropic", msg)

	case "message_stop":
		e.stopped = true
		return nil, nil
	}

	// ping and unknown future event types carry nothing.
	return nil, nil
}

func (e *anthropicExtractor) IsTerminal(ev Event) bool {
	if ev.Name != "" {
		return ev.Name == "message_stop"
	}
	var probe struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(ev.Data, &probe) == nil && probe.Type == "message_stop"
}

func (e *anthropicExtractor) Complete() bool {
	return e.stopped
}

func (e *anthropicExtractor) chunk(c models.Chunk) models.Chunk {
	c.UpstreamID = e.messageID
	return c
}

func anthropicFinishReason(reason string) string {
	switch reason {
	case "max_tokens":
		return models.FinishLength
	case "tool_use":
		return models.FinishToolCalls
	case "refusal":
		return models.FinishContentFilter
	default:
		return models.FinishStop
	}
}

func normalizeAnthropicBody(body []byte) ([]models.Chunk, error) {
	var msg struct {
		anthropicMessage
		Type  string `json:"type"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, malformed("anthropic", err)
	}
	if msg.Type == "error" && msg.Error != nil {
		return nil, upstreamFailure("anthropic", msg.Error.Type+": "+msg.Error.Message)
	}

	chunk := models.Chunk{UpstreamID: msg.ID}
	ordinal := 0
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			chunk.Content += block.Text
		case "thinking":
			chunk.ReasoningContent += block.Thinking
		case "tool_use":
			args := string(block.Input)
			if len(bytes.TrimSpace(block.Input)) == 0 {
				args = "{}"
			}
			chunk.ToolCalls = append(chunk.ToolCalls, models.ToolCallDelta{
				Index:     ordinal,
				ID:        block.ID,
				Type:      "function",
				Name:      block.Name,
				Arguments: args,
			})
			ordinal++
		}
	}
	if msg.StopReason != "" {
		chunk.FinishReason = anthropicFinishReason(msg.StopReason)
	}
	prompt := msg.Usage.prompt()
	chunk.Usage = &models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: msg.Usage.OutputTokens,
		CachedTokens:     msg.Usage.CacheReadInputTokens,
		TotalTokens:      prompt + msg.Usage.OutputTokens,
	}
	return []models.Chunk{chunk}, nil
}
