package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const geminiRequestTimeout = 120 * time.Second

type GeminiProvider struct {
	client *genai.Client
}

func NewGeminiProvider(apiKey, apiBase string) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: geminiRequestTimeout},
	}
	if base := strings.TrimRight(strings.TrimSpace(apiBase), "/"); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("Gemini client init failed: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) GetDefaultModel() string {
	return "gemini-1.5-pro"
}

func (p *GeminiProvider) Chat(
	ctx context.Context,
	messages []Message,
	tools []ToolDefinition,
	model string,
	options map[string]any,
) (*Response, error) {
	contents, config := buildGeminiRequest(messages, tools, options)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, wrapGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("Gemini API returned no candidates")
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	var toolCalls []ToolCall
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, geminiToolCall(part.FunctionCall))
			}
		}
	}

	return &Response{
		Content:      text.String(),
		ToolCalls:    toolCalls,
		FinishReason: geminiFinishReason(cand.FinishReason, len(toolCalls) > 0),
		Usage:        mapGeminiUsage(resp.UsageMetadata),
	}, nil
}

func (p *GeminiProvider) ChatStream(
	ctx context.Context,
	messages []Message,
	tools []ToolDefinition,
	model string,
	options map[string]any,
	onDelta func(delta string),
) (*Response, error) {
	contents, config := buildGeminiRequest(messages, tools, options)

	var text strings.Builder
	var toolCalls []ToolCall
	var finish genai.FinishReason
	var usage *UsageInfo
	seen := false

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, wrapGeminiError(err)
		}
		seen = true
		if u := mapGeminiUsage(resp.UsageMetadata); u != nil {
			usage = u
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		if cand.FinishReason != "" {
			finish = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
				if onDelta != nil {
					onDelta(part.Text)
				}
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, geminiToolCall(part.FunctionCall))
			}
		}
	}
	if !seen {
		return nil, fmt.Errorf("Gemini API returned no candidates")
	}

	return &Response{
		Content:      text.String(),
		ToolCalls:    toolCalls,
		FinishReason: geminiFinishReason(finish, len(toolCalls) > 0),
		Usage:        usage,
	}, nil
}

func buildGeminiRequest(
	messages []Message,
	tools []ToolDefinition,
	options map[string]any,
) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if maxTokens, ok := asInt(options["max_tokens"]); ok {
		config.MaxOutputTokens = int32(maxTokens)
	}
	if temp, ok := asFloat(options["temperature"]); ok {
		t := float32(temp)
		config.Temperature = &t
	}
	if len(tools) > 0 {
		config.Tools = buildGeminiTools(tools)
	}

	// Gemini keys function responses by tool name, not call ID.
	callNames := map[string]string{}
	var system []string
	var contents []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if tc.Name == "" {
					continue
				}
				callNames[tc.ID] = tc.Name
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, tc.Arguments))
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case "tool":
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.ToolCallID
			}
			contents = append(contents, genai.NewContentFromFunctionResponse(
				name, map[string]any{"result": msg.Content}, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return contents, config
}

func buildGeminiTools(tools []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 tool.Name,
			Description:          tool.Description,
			ParametersJsonSchema: sanitizeGeminiSchema(tool.Parameters),
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiUnsupportedSchemaKeys are JSON-schema keywords the Gemini API
// rejects in function declarations.
var geminiUnsupportedSchemaKeys = map[string]struct{}{
	"$schema":              {},
	"$id":                  {},
	"$ref":                 {},
	"$defs":                {},
	"definitions":          {},
	"examples":             {},
	"patternProperties":    {},
	"additionalProperties": {},
	"minLength":            {},
	"maxLength":            {},
	"minimum":              {},
	"maximum":              {},
	"multipleOf":           {},
	"pattern":              {},
	"format":               {},
	"minItems":             {},
	"maxItems":             {},
	"uniqueItems":          {},
	"minProperties":        {},
	"maxProperties":        {},
}

func sanitizeGeminiSchema(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "object"}
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if _, drop := geminiUnsupportedSchemaKeys[k]; drop {
			continue
		}
		out[k] = sanitizeGeminiValue(v)
	}
	if _, ok := out["type"]; !ok {
		if _, hasProps := out["properties"]; hasProps {
			out["type"] = "object"
		}
	}
	return out
}

func sanitizeGeminiValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return sanitizeGeminiSchema(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = sanitizeGeminiValue(item)
		}
		return out
	default:
		return v
	}
}

func geminiToolCall(fc *genai.FunctionCall) ToolCall {
	id := fc.ID
	if id == "" {
		id = fmt.Sprintf("call_%s_%d", fc.Name, time.Now().UnixNano())
	}
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{ID: id, Name: fc.Name, Arguments: args}
}

func geminiFinishReason(reason genai.FinishReason, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	if reason == genai.FinishReasonMaxTokens {
		return "length"
	}
	return "stop"
}

func mapGeminiUsage(u *genai.GenerateContentResponseUsageMetadata) *UsageInfo {
	if u == nil {
		return nil
	}
	return &UsageInfo{
		PromptTokens:     int(u.PromptTokenCount),
		CompletionTokens: int(u.CandidatesTokenCount),
		TotalTokens:      int(u.TotalTokenCount),
	}
}

func wrapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("Gemini API request failed (status=%d): %s",
			apiErr.Code, strings.TrimSpace(apiErr.Message))
	}
	return fmt.Errorf("Gemini API request failed: %w", err)
}
