package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenAIProvider streams chat completions from OpenAI.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// StreamCompletion opens a streaming completion over the message window.
func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	params, err := buildOpenAIParams(req)
	if err != nil {
		return nil, err
	}
	raw := p.client.Chat.Completions.NewStreaming(ctx, params)
	return &openaiStream{stream: raw}, nil
}

func buildOpenAIParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// Already handled above.
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := []openai.ChatCompletionMessageToolCall{}
				for _, tc := range msg.ToolCalls {
					argsJSON, err := json.Marshal(tc.Arguments)
					if err != nil {
						return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool arguments: %w", err)
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		toolParams := []openai.ChatCompletionToolParam{}
		for _, spec := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal(spec.Schema, &schema); err != nil {
				return openai.ChatCompletionNewParams{}, fmt.Errorf("tool %s: invalid schema: %w", spec.Name, err)
			}
			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = toolParams
	}

	return params, nil
}

// openaiStream adapts the SDK chunk stream to the Stream contract. Tool
// calls accumulate across deltas and surface after the stream completes.
type openaiStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	acc     openai.ChatCompletionAccumulator
	cur     Chunk
	pending []Chunk
	drained bool
	err     error
}

// Next advances to the next chunk.
func (s *openaiStream) Next() bool {
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
		chunk := s.stream.Current()
		s.acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			s.cur = Chunk{Type: ChunkText, Text: chunk.Choices[0].Delta.Content}
			return true
		}
	}

	s.drained = true
	if err := s.stream.Err(); err != nil {
		s.err = err
		return false
	}

	if len(s.acc.Choices) > 0 {
		for _, tc := range s.acc.Choices[0].Message.ToolCalls {
			var args map[string]interface{}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					s.err = fmt.Errorf("failed to parse tool arguments: %w", err)
					return false
				}
			}
			s.pending = append(s.pending, Chunk{
				Type:     ChunkToolCall,
				ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args},
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
func (s *openaiStream) Current() Chunk { return s.cur }

// Err returns the first mid-stream failure, if any.
func (s *openaiStream) Err() error { return s.err }

// Close abandons the stream, releasing the underlying connection.
func (s *openaiStream) Close() error { return s.stream.Close() }
