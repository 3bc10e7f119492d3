package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"inference-gateway/internal/models"
)

// googleExtractor handles non-delta responses: every event carries whole parts.
// Function calls get synthesized ids since the upstream supplies none.
type googleExtractor struct {
	opts        Options
	nextIndex   int
	sawFunction bool
	finished    bool
}

func newGoogleExtractor(opts Options) *googleExtractor {
	return &googleExtractor{opts: opts}
}

type googleResponse struct {
	ResponseID string            `json:"responseId"`
	Candidates []googleCandidate `json:"candidates"`
	Usage      *googleUsage      `json:"usageMetadata"`
	Feedback   *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type googleCandidate struct {
	Content struct {
		Role  string       `json:"role"`
		Parts []googlePart `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type googlePart struct {
	Text             string `json:"text"`
	Thought          bool   `json:"thought"`
	ThoughtSignature string `json:"thoughtSignature"`
	FunctionCall     *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData"`
}

type googleUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

func (e *googleExtractor) ExtractDeltas(ev Event) ([]models.Chunk, error) {
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 {
		return nil, nil
	}

	var raw googleResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("google", err)
	}
	if raw.Error != nil {
		return nil, upstreamFailure("google", fmt.Sprintf("%s (%d): %s", raw.Error.Status, raw.Error.Code, raw.Error.Message))
	}

	chunk := models.Chunk{UpstreamID: raw.ResponseID}
	if raw.Usage != nil {
		chunk.Usage = &models.Usage{
			PromptTokens:     raw.Usage.PromptTokenCount,
			CompletionTokens: raw.Usage.CandidatesTokenCount + raw.Usage.ThoughtsTokenCount,
			ReasoningTokens:  raw.Usage.ThoughtsTokenCount,
			CachedTokens:     raw.Usage.CachedContentTokenCount,
			TotalTokens:      raw.Usage.TotalTokenCount,
		}
	}

	if len(raw.Candidates) == 0 {
		if raw.Feedback != nil && raw.Feedback.BlockReason != "" {
			chunk.FinishReason = models.FinishContentFilter
			e.finished = true
		}
		return []models.Chunk{chunk}, nil
	}

	cand := raw.Candidates[0]
	functionParts := make([]googlePart, 0, len(cand.Content.Parts))
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			functionParts = append(functionParts, part)
		case part.InlineData != nil:
			chunk.Images = append(chunk.Images, models.Image{
				URL: "data:" + part.InlineData.MimeType + ";base64," + part.InlineData.Data,
			})
		case part.Thought:
			chunk.ReasoningContent += part.Text
		default:
			chunk.Content += part.Text
		}
	}

	now := e.opts.Now()
	for partIndex, part := range functionParts {
		name := part.FunctionCall.Name
		id := fmt.Sprintf("%s_%d_%d_%s", name, now.UnixMilli(), partIndex, e.opts.Suffix())

		args := string(bytes.TrimSpace(part.FunctionCall.Args))
		if args == "" || args == "null" {
			args = "{}"
		}

		delta := models.ToolCallDelta{
			Index:     e.nextIndex,
			ID:        id,
			Type:      "function",
			Name:      name,
			Arguments: args,
		}
		e.nextIndex++

		if sig := part.ThoughtSignature; sig != "" {
			delta.ExtraContent = models.WithThoughtSignature(nil, sig)
			if e.opts.OnThoughtSignature != nil {
				e.opts.OnThoughtSignature(id, sig)
			}
		}
		chunk.ToolCalls = append(chunk.ToolCalls, delta)
		e.sawFunction = true
	}

	if cand.FinishReason != "" {
		chunk.FinishReason = e.finishReason(cand.FinishReason)
		e.finished = true
	}
	return []models.Chunk{chunk}, nil
}

// IsTerminal is always false: Google streams end when the body closes.
func (e *googleExtractor) IsTerminal(Event) bool {
	return false
}

// Complete reports whether a candidate finish reason was seen. Google has no
// end marker, so a body that closes before one is truncated.
func (e *googleExtractor) Complete() bool {
	return e.finished
}

func (e *googleExtractor) finishReason(reason string) string {
	switch reason {
	case "STOP":
		if e.sawFunction {
			return models.FinishToolCalls
		}
		return models.FinishStop
	case "MAX_TOKENS":
		return models.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return models.FinishContentFilter
	default:
		return models.FinishStop
	}
}
