package google

import (
	"encoding/json"
	"strings"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/models"
	"inference-gateway/internal/translator"
)

// thinkingBudgets maps reasoning_effort onto Gemini thinking budgets.
var thinkingBudgets = map[string]int{
	"minimal": 512,
	"low":     1024,
	"medium":  8192,
	"high":    24576,
}

// unsupportedSchemaKeys are JSON Schema keywords the Gemini schema subset rejects.
var unsupportedSchemaKeys = []string{
	"$schema",
	"$id",
	"$comment",
	"additionalProperties",
	"patternProperties",
	"strict",
	"examples",
	"const",
}

// GenerateContentRequest is the upstream generateContent body.
type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type FunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

type FunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type GenerationConfig struct {
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"topP,omitempty"`
	MaxOutputTokens    *int            `json:"maxOutputTokens,omitempty"`
	StopSequences      []string        `json:"stopSequences,omitempty"`
	ResponseMimeType   string          `json:"responseMimeType,omitempty"`
	ResponseSchema     json.RawMessage `json:"responseSchema,omitempty"`
	ResponseModalities []string        `json:"responseModalities,omitempty"`
	ThinkingConfig     *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ImageConfig        *ImageConfig    `json:"imageConfig,omitempty"`
}

type ThinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type ImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

// Translate builds the upstream payload for cand. It performs no I/O.
func Translate(req models.ChatRequest, cand models.Candidate) (GenerateContentRequest, error) {
	if err := translator.CheckCapabilities(req, cand); err != nil {
		return GenerateContentRequest{}, err
	}

	var out GenerateContentRequest
	var system []Part
	callNames := make(map[string]string)

	appendTurn := func(role string, parts ...Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out.Contents); n > 0 && out.Contents[n-1].Role == role {
			out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, parts...)
			return
		}
		out.Contents = append(out.Contents, Content{Role: role, Parts: parts})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem, models.RoleDeveloper:
			if text := strings.TrimSpace(msg.Text()); text != "" {
				system = append(system, Part{Text: text})
			}
		case models.RoleUser:
			parts, err := userParts(msg)
			if err != nil {
				return GenerateContentRequest{}, err
			}
			appendTurn("user", parts...)
		case models.RoleAssistant:
			var parts []Part
			if text := msg.Text(); text != "" {
				parts = append(parts, Part{Text: text})
			}
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Function.Name
				part := Part{FunctionCall: &FunctionCall{Name: call.Function.Name, Args: objectOrEmpty(call.Function.Arguments)}}
				if sig, ok := models.ThoughtSignature(call.ExtraContent); ok {
					part.ThoughtSignature = sig
				}
				parts = append(parts, part)
			}
			appendTurn("model", parts...)
		case models.RoleTool:
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.Name
			}
			if name == "" {
				return GenerateContentRequest{}, apierr.InvalidRequest("tool message %q does not answer a known tool call", msg.ToolCallID)
			}
			appendTurn("user", Part{FunctionResponse: &FunctionResponse{Name: name, Response: toolResponse(msg.Text())}})
		default:
			return GenerateContentRequest{}, apierr.InvalidRequest("google does not support role %q", msg.Role)
		}
	}

	if len(out.Contents) == 0 {
		return GenerateContentRequest{}, apierr.InvalidRequest("google requests require at least one non-system message")
	}
	if len(system) > 0 {
		out.SystemInstruction = &Content{Parts: system}
	}

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  CleanSchema(tool.Parameters),
			})
		}
		out.Tools = []Tool{{FunctionDeclarations: decls}}
		if req.ToolChoice != nil {
			out.ToolConfig = buildToolConfig(*req.ToolChoice)
		}
	}

	out.GenerationConfig = buildGenerationConfig(req, cand)
	return out, nil
}

func buildGenerationConfig(req models.ChatRequest, cand models.Candidate) *GenerationConfig {
	cfg := GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case models.FormatJSONObject:
			cfg.ResponseMimeType = "application/json"
		case models.FormatJSONSchema:
			cfg.ResponseMimeType = "application/json"
			cfg.ResponseSchema = CleanSchema(rf.Schema)
		}
	}

	if budget, ok := thinkingBudgets[req.ReasoningEffort]; ok && cand.Capabilities.Reasoning {
		cfg.ThinkingConfig = &ThinkingConfig{ThinkingBudget: budget, IncludeThoughts: true}
	}

	if ic := req.ImageConfig; ic != nil {
		cfg.ResponseModalities = []string{"TEXT", "IMAGE"}
		cfg.ImageConfig = &ImageConfig{AspectRatio: ic.AspectRatio, ImageSize: ic.ImageSize}
	}

	if cfg.Temperature == nil && cfg.TopP == nil && cfg.MaxOutputTokens == nil && len(cfg.StopSequences) == 0 &&
		cfg.ResponseMimeType == "" && cfg.ThinkingConfig == nil && cfg.ImageConfig == nil {
		return nil
	}
	return &cfg
}

func userParts(msg models.Message) ([]Part, error) {
	if len(msg.Parts) == 0 {
		return []Part{{Text: msg.Content}}, nil
	}

	parts := make([]Part, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if p.Type != models.PartImageURL {
			parts = append(parts, Part{Text: p.Text})
			continue
		}
		if !strings.HasPrefix(p.ImageURL, "data:") {
			parts = append(parts, Part{FileData: &FileData{FileURI: p.ImageURL}})
			continue
		}
		meta, data, ok := strings.Cut(strings.TrimPrefix(p.ImageURL, "data:"), ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, apierr.InvalidRequest("image data url must be base64 encoded")
		}
		parts = append(parts, Part{InlineData: &Blob{MimeType: strings.TrimSuffix(meta, ";base64"), Data: data}})
	}
	return parts, nil
}

func buildToolConfig(choice models.ToolChoice) *ToolConfig {
	cfg := &ToolConfig{}
	switch choice.Mode {
	case models.ToolChoiceNone:
		cfg.FunctionCallingConfig.Mode = "NONE"
	case models.ToolChoiceRequired:
		cfg.FunctionCallingConfig.Mode = "ANY"
	case models.ToolChoiceFunction:
		cfg.FunctionCallingConfig.Mode = "ANY"
		cfg.FunctionCallingConfig.AllowedFunctionNames = []string{choice.Function}
	default:
		cfg.FunctionCallingConfig.Mode = "AUTO"
	}
	return cfg
}

// objectOrEmpty returns args when it is a JSON object and {} otherwise.
func objectOrEmpty(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage(`{}`)
}

// toolResponse passes JSON object results through and wraps anything else.
func toolResponse(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"content": text})
	return wrapped
}

// CleanSchema removes keywords Gemini rejects at every nesting level. Invalid
// input is returned unchanged.
func CleanSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	cleaned, err := json.Marshal(stripKeys(doc))
	if err != nil {
		return raw
	}
	return cleaned
}

func stripKeys(node any) any {
	switch v := node.(type) {
	case map[string]any:
		for _, key := range unsupportedSchemaKeys {
			delete(v, key)
		}
		for k, child := range v {
			// Property names are user data, not keywords.
			if k == "properties" {
				if props, ok := child.(map[string]any); ok {
					for name, prop := range props {
						props[name] = stripKeys(prop)
					}
					continue
				}
			}
			v[k] = stripKeys(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = stripKeys(child)
		}
		return v
	default:
		return v
	}
}
