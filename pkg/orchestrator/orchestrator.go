// Package orchestrator drives the per-conversation streaming state
// machine: model completion, interleaved tool dispatch, and event
// fan-out over pub/sub.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/identity"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/pubsub"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

// State names the orchestrator's per-conversation machine states.
type State string

const (
	StateReady        State = "ready"
	StateStreaming    State = "streaming"
	StateToolDispatch State = "tool_dispatch"
	StateCompleting   State = "completing"
)

// maxToolIterations bounds the stream/dispatch loop within one turn.
const maxToolIterations = 8

// ToolExecutor is the executor surface the orchestrator consumes,
// narrow so tests can substitute a double.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, params map[string]interface{}, caller executor.Caller) executor.Response
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store    store.Store
	Provider provider.Provider
	Executor ToolExecutor
	Registry *tools.Registry
	Broker   pubsub.Broker
	Logger   zerolog.Logger

	Model         string
	SystemPrompt  string
	MaxTokens     int
	Temperature   float64
	HistoryWindow int
}

// Orchestrator runs one streaming turn at a time per conversation.
// Distinct conversations proceed independently.
type Orchestrator struct {
	store    store.Store
	provider provider.Provider
	executor ToolExecutor
	registry *tools.Registry
	broker   pubsub.Broker
	logger   zerolog.Logger

	model         string
	systemPrompt  string
	maxTokens     int
	temperature   float64
	historyWindow int

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	turnMu sync.Mutex // serializes turns for one conversation
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}

	observability.EnsureRegistered()

	return &Orchestrator{
		store:         cfg.Store,
		provider:      cfg.Provider,
		executor:      cfg.Executor,
		registry:      cfg.Registry,
		broker:        cfg.Broker,
		logger:        cfg.Logger,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		historyWindow: cfg.HistoryWindow,
	}, nil
}

// HandleMessage accepts one inbound user message: it creates the
// conversation if absent, persists the message, and starts the streaming
// turn asynchronously. It returns the conversation and message ids.
func (o *Orchestrator) HandleMessage(ctx context.Context, ident identity.Identity, conversationID, content string) (string, string, error) {
	if strings.TrimSpace(content) == "" {
		return "", "", fmt.Errorf("message content is required")
	}

	if conversationID == "" {
		conversationID = uuid.NewString()
		conv := &store.Conversation{
			ID:       conversationID,
			UserID:   ident.UserID,
			TenantID: ident.TenantID,
		}
		if err := o.store.CreateConversation(ctx, conv); err != nil {
			return "", "", fmt.Errorf("failed to create conversation: %w", err)
		}
	} else if _, err := o.store.GetConversation(ctx, conversationID); err != nil {
		if err != store.ErrNotFound {
			return "", "", err
		}
		conv := &store.Conversation{
			ID:       conversationID,
			UserID:   ident.UserID,
			TenantID: ident.TenantID,
		}
		if err := o.store.CreateConversation(ctx, conv); err != nil {
			return "", "", fmt.Errorf("failed to create conversation: %w", err)
		}
	}

	userMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           "user",
		Content:        content,
	}
	if err := o.store.SaveMessage(ctx, userMsg); err != nil {
		return "", "", fmt.Errorf("failed to persist user message: %w", err)
	}

	conv := o.conversationState(conversationID)

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		// One turn at a time per conversation; later messages queue.
		conv.turnMu.Lock()
		defer conv.turnMu.Unlock()

		conv.mu.Lock()
		conv.cancel = cancel
		conv.mu.Unlock()

		defer func() {
			cancel()
			conv.mu.Lock()
			conv.cancel = nil
			conv.state = StateReady
			conv.mu.Unlock()
		}()

		o.runTurn(turnCtx, conv, ident, conversationID, userMsg.ID)
	}()

	return conversationID, userMsg.ID, nil
}

// Cancel aborts the in-flight turn for a conversation, if any.
func (o *Orchestrator) Cancel(conversationID string) {
	o.mu.Lock()
	conv := o.convs[conversationID]
	o.mu.Unlock()
	if conv == nil {
		return
	}
	conv.mu.Lock()
	cancel := conv.cancel
	conv.mu.Unlock()
	if cancel != nil {
		cancel()
		o.logger.Info().Str("conversationId", conversationID).Msg("Canceled in-flight turn")
	}
}

// State reports the conversation's current machine state.
func (o *Orchestrator) State(conversationID string) State {
	o.mu.Lock()
	conv := o.convs[conversationID]
	o.mu.Unlock()
	if conv == nil {
		return StateReady
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.state == "" {
		return StateReady
	}
	return conv.state
}

func (o *Orchestrator) conversationState(conversationID string) *conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	conv, ok := o.convs[conversationID]
	if !ok {
		if o.convs == nil {
			o.convs = make(map[string]*conversation)
		}
		conv = &conversation{state: StateReady}
		o.convs[conversationID] = conv
	}
	return conv
}

func (o *Orchestrator) setState(conv *conversation, s State) {
	conv.mu.Lock()
	conv.state = s
	conv.mu.Unlock()
}

// runTurn drives one streaming turn: completion chunks, interleaved tool
// dispatches, and the final persisted assistant message. Events carry a
// per-turn sequence number assigned on this single goroutine, so they
// are strictly increasing and gap-free.
func (o *Orchestrator) runTurn(ctx context.Context, conv *conversation, ident identity.Identity, conversationID, userMessageID string) {
	assistantMsgID := uuid.NewString()
	seq := 0
	nextSeq := func() int { seq++; return seq }

	received := newEvent(EventMessageReceived, conversationID)
	received.MessageID = userMessageID
	o.publish(ident, received)

	typing := newEvent(EventAssistantTyping, conversationID)
	o.publish(ident, typing)

	window, err := o.buildWindow(ctx, conversationID)
	if err != nil {
		o.failTurn(ctx, ident, conv, conversationID, assistantMsgID, "", err)
		return
	}

	var assembled strings.Builder

	o.setState(conv, StateStreaming)
	for iteration := 0; ; iteration++ {
		stream, err := o.provider.StreamCompletion(ctx, provider.Request{
			Model:       o.model,
			System:      o.systemPrompt,
			Messages:    window,
			Tools:       o.toolSpecs(ident),
			MaxTokens:   o.maxTokens,
			Temperature: o.temperature,
		})
		if err != nil {
			o.failTurn(ctx, ident, conv, conversationID, assistantMsgID, assembled.String(), err)
			return
		}

		var (
			segment   strings.Builder
			toolCalls []provider.ToolCall
		)
		for stream.Next() {
			chunk := stream.Current()
			switch chunk.Type {
			case provider.ChunkText:
				segment.WriteString(chunk.Text)
				assembled.WriteString(chunk.Text)
				ev := newEvent(EventAssistantChunk, conversationID)
				ev.MessageID = assistantMsgID
				ev.Seq = nextSeq()
				ev.Content = chunk.Text
				o.publish(ident, ev)
			case provider.ChunkToolCall:
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		}
		streamErr := stream.Err()
		stream.Close()
		if streamErr != nil {
			o.failTurn(ctx, ident, conv, conversationID, assistantMsgID, assembled.String(), streamErr)
			return
		}

		if len(toolCalls) == 0 {
			break
		}
		if iteration >= maxToolIterations {
			o.logger.Warn().
				Str("conversationId", conversationID).
				Int("iterations", iteration).
				Msg("Tool iteration cap reached, completing turn")
			break
		}

		// Tool calls run sequentially in provider order; one failure
		// yields a classified result and the remaining calls proceed.
		o.setState(conv, StateToolDispatch)
		window = append(window, provider.Message{
			Role:      "assistant",
			Content:   segment.String(),
			ToolCalls: toolCalls,
		})
		for _, call := range toolCalls {
			resp := o.executor.Execute(ctx, call.Name, call.Arguments, executor.Caller{
				Identity:       ident,
				ConversationID: conversationID,
			})

			ev := newEvent(EventToolResult, conversationID)
			ev.MessageID = assistantMsgID
			ev.Seq = nextSeq()
			ev.Tool = call.Name
			if resp.Err != nil {
				ev.Error = resp.Err.Message
				ev.Result = map[string]interface{}{
					"success": false,
					"code":    string(resp.Err.Code),
				}
			} else {
				ev.Result = map[string]interface{}{
					"success": true,
					"output":  resp.Result,
				}
			}
			o.publish(ident, ev)

			window = append(window, provider.Message{
				Role:       "tool",
				Content:    toolResultContent(resp),
				ToolCallID: call.ID,
			})
		}
		o.setState(conv, StateStreaming)
	}

	o.setState(conv, StateCompleting)
	assistantMsg := &store.Message{
		ID:             assistantMsgID,
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        assembled.String(),
	}
	if err := o.store.SaveMessage(ctx, assistantMsg); err != nil {
		o.logger.Error().Err(err).Str("conversationId", conversationID).Msg("Failed to persist assistant message")
	}
	if err := o.store.TouchConversation(ctx, conversationID); err != nil {
		o.logger.Warn().Err(err).Str("conversationId", conversationID).Msg("Failed to touch conversation")
	}

	complete := newEvent(EventAssistantComplete, conversationID)
	complete.MessageID = assistantMsgID
	complete.Seq = nextSeq()
	o.publish(ident, complete)

	observability.RecordStreamTurn("completed")
	o.logger.Debug().
		Str("conversationId", conversationID).
		Int("events", seq).
		Msg("Streaming turn completed")
}

// failTurn emits a conversation-scoped error, best-effort flushes any
// partial content as an incomplete message, and leaves the machine
// Ready. Already-emitted chunks are not retracted.
func (o *Orchestrator) failTurn(ctx context.Context, ident identity.Identity, conv *conversation, conversationID, assistantMsgID, partial string, cause error) {
	o.logger.Error().Err(cause).Str("conversationId", conversationID).Msg("Streaming turn failed")

	ev := newEvent(EventError, conversationID)
	ev.MessageID = assistantMsgID
	ev.Error = cause.Error()
	o.publish(ident, ev)

	if partial != "" {
		flush := &store.Message{
			ID:             assistantMsgID,
			ConversationID: conversationID,
			Role:           "assistant",
			Content:        partial,
			Incomplete:     true,
		}
		if err := o.store.SaveMessage(context.WithoutCancel(ctx), flush); err != nil {
			o.logger.Warn().Err(err).Str("conversationId", conversationID).Msg("Failed to flush partial message")
		}
	}

	observability.RecordStreamTurn("error")
	o.setState(conv, StateReady)
}

// publish fans one event out to the conversation and user channels.
func (o *Orchestrator) publish(ident identity.Identity, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		o.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to marshal event")
		return
	}
	o.broker.Publish("conversation:"+ev.ConversationID, payload)
	o.broker.Publish("user:"+ident.UserID, payload)
	observability.RecordStreamEvent(string(ev.Type))
}

func (o *Orchestrator) buildWindow(ctx context.Context, conversationID string) ([]provider.Message, error) {
	history, err := o.store.RecentMessages(ctx, conversationID, o.historyWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	window := make([]provider.Message, 0, len(history))
	for _, msg := range history {
		window = append(window, provider.Message{Role: msg.Role, Content: msg.Content})
	}
	return window, nil
}

// toolSpecs advertises only tools the caller may invoke.
func (o *Orchestrator) toolSpecs(ident identity.Identity) []provider.ToolSpec {
	if o.registry == nil {
		return nil
	}
	descriptors := o.registry.List(ident.Permissions, tools.Filter{})
	specs := make([]provider.ToolSpec, 0, len(descriptors))
	for _, desc := range descriptors {
		specs = append(specs, provider.ToolSpec{
			Name:        desc.Name,
			Description: desc.Description,
			Schema:      desc.Parameters,
		})
	}
	return specs
}

func toolResultContent(resp executor.Response) string {
	if resp.Err != nil {
		return fmt.Sprintf("error (%s): %s", resp.Err.Code, resp.Err.Message)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Sprintf("%v", resp.Result)
	}
	return string(data)
}
