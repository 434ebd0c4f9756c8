// Package provider abstracts the model completion backend behind a lazy,
// finite, non-restartable stream of chunks. The consumer cancels by
// closing the stream (or its context); a stream is never re-read.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// ChunkType discriminates stream chunks.
type ChunkType string

const (
	// ChunkText carries a fragment of assistant content.
	ChunkText ChunkType = "text"
	// ChunkToolCall carries one model-requested tool invocation.
	ChunkToolCall ChunkType = "tool_call"
)

// ToolCall is one model-requested tool invocation.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Chunk is one element of a completion stream.
type Chunk struct {
	Type     ChunkType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// Stream is a lazy, finite sequence of chunks. Next advances and reports
// whether a chunk is available; after it returns false, Err distinguishes
// normal completion (nil) from a mid-stream failure.
type Stream interface {
	Next() bool
	Current() Chunk
	Err() error
	Close() error
}

// Message is one conversation entry in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec advertises one tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request describes one completion over a message window.
type Request struct {
	Model       string     `json:"model"`
	System      string     `json:"system,omitempty"`
	Messages    []Message  `json:"messages"`
	Tools       []ToolSpec `json:"tools,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
}

// Provider produces completion streams.
type Provider interface {
	StreamCompletion(ctx context.Context, req Request) (Stream, error)
	Name() string
}

// New creates a provider by name.
func New(name, apiKey string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
