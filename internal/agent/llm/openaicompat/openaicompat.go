// Package openaicompat implements the llm.Backend used for the local
// inference backend (spec.md §2 "an OpenAI-compatible HTTP endpoint"): any
// server speaking the OpenAI Chat Completions wire format, whether that is
// OpenAI itself or a local vLLM/llama.cpp/Ollama server. This is the primary
// backend for the plan/act/task_done/goal_done/optimize_args roles.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/sbayer2/medster-agent/internal/agent/llm"
	"github.com/sbayer2/medster-agent/internal/agent/tools"
)

// ChatClient captures the subset of the openai-go client used by this
// adapter, satisfied by client.Chat.Completions in production and a fake in
// tests.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	MaxTokens   int64
	Temperature float64
}

// Client implements llm.Backend over an OpenAI-compatible Chat Completions
// endpoint.
type Client struct {
	chat ChatClient
	opts Options
}

// New builds a Client from an already-constructed ChatClient.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openaicompat: chat client is required")
	}
	return &Client{chat: chat, opts: opts}, nil
}

// NewFromBaseURL constructs a Client pointed at any server speaking the
// OpenAI Chat Completions API, such as a local vLLM or llama.cpp-server
// endpoint. apiKey may be empty for servers that don't require one.
func NewFromBaseURL(baseURL, apiKey string, opts Options) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("openaicompat: base url is required")
	}
	reqOpts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	cl := openai.NewClient(reqOpts...)
	return New(&cl.Chat.Completions, opts)
}

// Complete translates a generic llm.Request into an OpenAI Chat Completions
// request and translates the reply back.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.ModelName == "" {
		return llm.Response{}, errors.New("openaicompat: model name is required")
	}
	if len(req.Messages) == 0 {
		return llm.Response{}, errors.New("openaicompat: messages are required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.ModelName),
		Messages: encodeMessages(req),
	}
	if c.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(c.opts.MaxTokens)
	}
	if c.opts.Temperature > 0 {
		params.Temperature = openai.Float(c.opts.Temperature)
	}
	if len(req.Tools) > 0 {
		toolParams, err := encodeTools(req.Tools)
		if err != nil {
			return llm.Response{}, err
		}
		params.Tools = toolParams
	}
	if req.OutputSchema != nil {
		schema := tools.ToJSONSchema(*req.OutputSchema)
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "structured_output",
					Schema: schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: openai-compat rate limited: %w", llm.ErrTransient, err)
		}
		return llm.Response{}, fmt.Errorf("openaicompat: chat completion: %w", err)
	}
	return translateResponse(resp, req.OutputSchema != nil)
}

func encodeMessages(req llm.Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		text := flattenText(m)
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(text))
		case "assistant":
			out = append(out, openai.AssistantMessage(text))
		default:
			if hasImage(m) {
				out = append(out, openai.UserMessage(encodeUserParts(m)))
				continue
			}
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

func flattenText(m llm.Message) string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(llm.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

func hasImage(m llm.Message) bool {
	for _, p := range m.Parts {
		if _, ok := p.(llm.ImagePart); ok {
			return true
		}
	}
	return false
}

func encodeUserParts(m llm.Message) []openai.ChatCompletionContentPartUnionParam {
	var parts []openai.ChatCompletionContentPartUnionParam
	for _, p := range m.Parts {
		switch v := p.(type) {
		case llm.TextPart:
			parts = append(parts, openai.TextContentPart(v.Text))
		case llm.ImagePart:
			url := fmt.Sprintf("data:%s;base64,%s", v.MediaType, v.Base64)
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
		}
	}
	return parts
}

func encodeTools(cat tools.Catalogue) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(cat))
	for _, t := range cat {
		schema := tools.ToJSONSchema(t.Schema)
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        string(t.Name),
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
	}
	return out, nil
}

func translateResponse(resp *openai.ChatCompletion, structured bool) (llm.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openaicompat: empty response")
	}
	choice := resp.Choices[0]
	out := llm.Response{Content: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return llm.Response{}, fmt.Errorf("openaicompat: decode tool call arguments: %v: %w", err, llm.ErrSchemaViolation)
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCallRaw{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: args,
		})
	}
	if structured && out.Content != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(out.Content), &decoded); err != nil {
			return llm.Response{}, fmt.Errorf("openaicompat: decode structured output: %v: %w", err, llm.ErrSchemaViolation)
		}
		out.Structured = decoded
	}
	return out, nil
}

func isRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
