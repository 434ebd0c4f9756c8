package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicProvider streams completions from Anthropic Claude.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// StreamCompletion opens a streaming completion over the message window.
func (p *AnthropicProvider) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}
	raw := p.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: raw}, nil
}

func buildAnthropicParams(req Request) (anthropic.MessageNewParams, error) {
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// Handled via the top-level system field.
		case "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				blocks := []anthropic.ContentBlockParamUnion{}
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
				}
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			} else {
				messages = append(messages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{
						anthropic.NewTextBlock(msg.Content),
					},
				})
			}
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		toolParams := []anthropic.ToolUnionParam{}
		for _, spec := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal(spec.Schema, &schema); err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("tool %s: invalid schema: %w", spec.Name, err)
			}
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			toolParams = append(toolParams, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = toolParams
	}

	return params, nil
}

// anthropicStream adapts the SDK event stream to the Stream contract.
// Text deltas are surfaced as they arrive; tool calls are accumulated
// and emitted once the underlying stream completes.
type anthropicStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	acc     anthropic.Message
	cur     Chunk
	pending []Chunk
	drained bool
	err     error
}

// Next advances to the next chunk.
func (s *anthropicStream) Next() bool {
	if s.err != nil {
		return false
	}
	if len(s.pending) > 0 {
		s.cur = s.pending[0]
		s.pending = s.pending[1:]
		return true
	}
	if s.drained {
		return false
	}

	for s.stream.Next() {
		event := s.stream.Current()
		if err := s.acc.Accumulate(event); err != nil {
			s.err = err
			return false
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				s.cur = Chunk{Type: ChunkText, Text: text.Text}
				return true
			}
		}
	}

	s.drained = true
	if err := s.stream.Err(); err != nil {
		s.err = err
		return false
	}

	for _, block := range s.acc.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(tu.JSON.Input.Raw()), &args); err != nil {
				s.err = fmt.Errorf("failed to parse tool input: %w", err)
				return false
			}
			s.pending = append(s.pending, Chunk{
				Type:     ChunkToolCall,
				ToolCall: &ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args},
			})
		}
	}
	if len(s.pending) > 0 {
		s.cur = s.pending[0]
		s.pending = s.pending[1:]
		return true
	}
	return false
}

// Current returns the chunk selected by the last Next call.
func (s *anthropicStream) Current() Chunk { return s.cur }

// Err returns the first mid-stream failure, if any.
func (s *anthropicStream) Err() error { return s.err }

// Close abandons the stream, releasing the underlying connection.
func (s *anthropicStream) Close() error { return s.stream.Close() }
