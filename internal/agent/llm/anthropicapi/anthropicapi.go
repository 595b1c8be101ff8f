// Package anthropicapi implements the llm.Backend used for Anthropic Claude
// models, for roles that need native vision (DICOM frames, ECG renderings)
// and native tool calling.
package anthropicapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sbayer2/medster-agent/internal/agent/llm"
	"github.com/sbayer2/medster-agent/internal/agent/tools"
)

// MessagesClient captures the subset of the Anthropic SDK used by this
// adapter, satisfied by *sdk.MessageService in production and a fake in
// tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's defaults.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Client implements llm.Backend over the Anthropic Messages API.
type Client struct {
	msg  MessagesClient
	opts Options
}

// New builds a Client from an already-constructed MessagesClient.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropicapi: messages client is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{msg: msg, opts: opts}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropicapi: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, opts)
}

// Complete translates a generic llm.Request into an Anthropic Messages
// request, issues it, and translates the reply back.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.ModelName == "" {
		return llm.Response{}, errors.New("anthropicapi: model name is required")
	}
	params, err := c.buildParams(req)
	if err != nil {
		return llm.Response{}, err
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: anthropic rate limited: %w", llm.ErrTransient, err)
		}
		return llm.Response{}, fmt.Errorf("anthropicapi: messages.new: %w", err)
	}
	return translateResponse(msg)
}

func (c *Client) buildParams(req llm.Request) (sdk.MessageNewParams, error) {
	blocks, system, err := encodeMessages(req)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	maxTokens := c.opts.MaxTokens
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.ModelName),
		MaxTokens: int64(maxTokens),
		Messages:  blocks,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if c.opts.Temperature > 0 {
		params.Temperature = sdk.Float(c.opts.Temperature)
	}
	if len(req.Tools) > 0 {
		toolParams, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = toolParams
	}
	return params, nil
}

func encodeMessages(req llm.Request) ([]sdk.MessageParam, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", errors.New("anthropicapi: messages are required")
	}
	var system string
	var out []sdk.MessageParam
	for _, m := range req.Messages {
		if m.Role == "system" {
			system += flattenText(m) + "\n"
			continue
		}
		blocks, err := encodeParts(m.Parts)
		if err != nil {
			return nil, "", err
		}
		switch m.Role {
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	for _, img := range req.Images {
		out = append(out, sdk.NewUserMessage(sdk.NewImageBlockBase64(img.MediaType, img.Base64)))
	}
	return out, system, nil
}

func encodeParts(parts []llm.Part) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion
	for _, p := range parts {
		switch v := p.(type) {
		case llm.TextPart:
			blocks = append(blocks, sdk.NewTextBlock(v.Text))
		case llm.ImagePart:
			blocks = append(blocks, sdk.NewImageBlockBase64(v.MediaType, v.Base64))
		default:
			return nil, fmt.Errorf("anthropicapi: unsupported part type %T", p)
		}
	}
	return blocks, nil
}

func flattenText(m llm.Message) string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(llm.TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

func encodeTools(cat tools.Catalogue) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(cat))
	for _, t := range cat {
		name := string(t.Name)
		schemaJSON, err := json.Marshal(tools.ToJSONSchema(t.Schema))
		if err != nil {
			return nil, fmt.Errorf("anthropicapi: encode schema for %s: %w", name, err)
		}
		var inputSchema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(schemaJSON, &inputSchema); err != nil {
			return nil, fmt.Errorf("anthropicapi: decode schema for %s: %w", name, err)
		}
		out = append(out, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        name,
				Description: sdk.String(t.Description),
				InputSchema: inputSchema,
			},
		})
	}
	return out, nil
}

func translateResponse(msg *sdk.Message) (llm.Response, error) {
	var resp llm.Response
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.Thinking += block.Thinking
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return llm.Response{}, fmt.Errorf("anthropicapi: decode tool_use input: %v: %w", err, llm.ErrSchemaViolation)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCallRaw{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	if resp.Content == "" && resp.Thinking != "" {
		resp.Content = resp.Thinking
	}
	return resp, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
