// Package bedrock implements the llm.Backend used as the vision oracle
// (spec.md §6 "vision oracle", the sandbox's image-analysis escape hatch):
// an AWS Bedrock Converse-API model capable of multimodal input.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/sbayer2/medster-agent/internal/agent/llm"
	"github.com/sbayer2/medster-agent/internal/agent/tools"
)

// RuntimeClient captures the subset of *bedrockruntime.Client this adapter
// calls, satisfied by the real client and by fakes in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	MaxTokens   int32
	Temperature float32
}

// Client implements llm.Backend over the Bedrock Converse API.
type Client struct {
	runtime RuntimeClient
	opts    Options
}

// New builds a Client from an already-constructed RuntimeClient.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{runtime: runtime, opts: opts}, nil
}

// Complete translates a generic llm.Request into a Bedrock Converse request
// and translates the reply back.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.ModelName == "" {
		return llm.Response{}, errors.New("bedrock: model name is required")
	}
	messages, system, err := encodeMessages(req)
	if err != nil {
		return llm.Response{}, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.ModelName),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	input.InferenceConfig = &brtypes.InferenceConfiguration{
		MaxTokens: aws.Int32(c.opts.MaxTokens),
	}
	if c.opts.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(c.opts.Temperature)
	}
	if len(req.Tools) > 0 {
		toolConfig, err := encodeTools(req.Tools)
		if err != nil {
			return llm.Response{}, err
		}
		input.ToolConfig = toolConfig
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isThrottled(err) {
			return llm.Response{}, fmt.Errorf("%w: bedrock throttled: %w", llm.ErrTransient, err)
		}
		return llm.Response{}, fmt.Errorf("bedrock: converse: %w", err)
	}
	return translateResponse(output)
}

func encodeMessages(req llm.Request) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	if req.SystemPrompt != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt})
	}
	var out []brtypes.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			if t := flattenText(m); t != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: t})
			}
			continue
		}
		blocks, err := encodeParts(m.Parts)
		if err != nil {
			return nil, nil, err
		}
		role := brtypes.ConversationRoleUser
		if m.Role == "assistant" {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	if len(req.Images) > 0 {
		blocks, err := encodeParts(imagesToParts(req.Images))
		if err != nil {
			return nil, nil, err
		}
		out = append(out, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})
	}
	if len(out) == 0 {
		return nil, nil, errors.New("bedrock: messages are required")
	}
	return out, system, nil
}

func imagesToParts(images []llm.ImagePart) []llm.Part {
	parts := make([]llm.Part, len(images))
	for i, img := range images {
		parts[i] = img
	}
	return parts
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

func encodeParts(parts []llm.Part) ([]brtypes.ContentBlock, error) {
	var blocks []brtypes.ContentBlock
	for _, p := range parts {
		switch v := p.(type) {
		case llm.TextPart:
			if v.Text == "" {
				continue
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
		case llm.ImagePart:
			raw, err := base64.StdEncoding.DecodeString(v.Base64)
			if err != nil {
				return nil, fmt.Errorf("bedrock: decode image base64: %w", err)
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberImage{
				Value: brtypes.ImageBlock{
					Format: imageFormat(v.MediaType),
					Source: &brtypes.ImageSourceMemberBytes{Value: raw},
				},
			})
		default:
			return nil, fmt.Errorf("bedrock: unsupported part type %T", p)
		}
	}
	return blocks, nil
}

func imageFormat(mediaType string) brtypes.ImageFormat {
	switch mediaType {
	case "image/jpeg", "image/jpg":
		return brtypes.ImageFormatJpeg
	case "image/gif":
		return brtypes.ImageFormatGif
	case "image/webp":
		return brtypes.ImageFormatWebp
	default:
		return brtypes.ImageFormatPng
	}
}

func encodeTools(cat tools.Catalogue) (*brtypes.ToolConfiguration, error) {
	toolSpecs := make([]brtypes.Tool, 0, len(cat))
	for _, t := range cat {
		schema := tools.ToJSONSchema(t.Schema)
		toolSpecs = append(toolSpecs, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpec{
				Name:        aws.String(string(t.Name)),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: toolSpecs}, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) (llm.Response, error) {
	if output == nil {
		return llm.Response{}, errors.New("bedrock: response is nil")
	}
	var resp llm.Response
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			resp.Content += v.Value
		case *brtypes.ContentBlockMemberToolUse:
			args, err := decodeDocument(v.Value.Input)
			if err != nil {
				return llm.Response{}, fmt.Errorf("bedrock: decode tool use input: %v: %w", err, llm.ErrSchemaViolation)
			}
			var id, name string
			if v.Value.ToolUseId != nil {
				id = *v.Value.ToolUseId
			}
			if v.Value.Name != nil {
				name = *v.Value.Name
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCallRaw{ID: id, Name: name, Args: args})
		}
	}
	return resp, nil
}

// decodeDocument decodes a tool_use block's input document. A nil or empty
// document is a tool call with no arguments, not a violation; a document
// present but not valid JSON is the model replying with a malformed
// tool-call payload.
func decodeDocument(doc document.Interface) (map[string]any, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isThrottled(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 429
	}
	return false
}
