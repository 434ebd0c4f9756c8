// Package hub manages live WebSocket connections: authentication,
// inbound routing to the orchestrator and executor, and pub/sub fan-out
// back to subscribed sockets.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/identity"
	"github.com/loomworks/loom/pkg/pubsub"
	"github.com/loomworks/loom/pkg/tools"
)

// MessageHandler is the orchestrator surface the hub consumes.
type MessageHandler interface {
	HandleMessage(ctx context.Context, ident identity.Identity, conversationID, content string) (string, string, error)
	Cancel(conversationID string)
}

// ToolDispatcher is the executor surface the hub consumes.
type ToolDispatcher interface {
	Execute(ctx context.Context, toolName string, params map[string]interface{}, caller executor.Caller) executor.Response
}

// Config holds hub server configuration.
type Config struct {
	Port         int
	Verifier     identity.Verifier
	Orchestrator MessageHandler
	Executor     ToolDispatcher
	Registry     *tools.Registry
	Broker       pubsub.Broker
	Logger       zerolog.Logger

	// HeartbeatInterval paces WebSocket pings; IdleTimeout is how long a
	// connection may go without inbound traffic before it is dropped.
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

// Server is the connection hub.
type Server struct {
	port         int
	verifier     identity.Verifier
	orchestrator MessageHandler
	executor     ToolDispatcher
	registry     *tools.Registry
	broker       pubsub.Broker
	logger       zerolog.Logger

	heartbeatInterval time.Duration
	idleTimeout       time.Duration

	server   *http.Server
	upgrader websocket.Upgrader
	conns    *ConnectionRegistry

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlight       sync.WaitGroup

	heartbeatCancel context.CancelFunc
	heartbeatWG     sync.WaitGroup
}

// NewServer creates the hub server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("identity verifier is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}

	observability.EnsureRegistered()

	return &Server{
		port:              cfg.Port,
		verifier:          cfg.Verifier,
		orchestrator:      cfg.Orchestrator,
		executor:          cfg.Executor,
		registry:          cfg.Registry,
		broker:            cfg.Broker,
		logger:            cfg.Logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		idleTimeout:       cfg.IdleTimeout,
		conns:             NewConnectionRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}, nil
}

// Start begins serving WebSocket and REST traffic.
func (s *Server) Start() error {
	router := chi.NewRouter()
	router.Get("/ws", s.handleWebSocket)
	router.Mount("/", s.restRoutes())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: router,
	}

	s.logger.Info().Int("port", s.port).Msg("Starting connection hub")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Hub server error")
		}
	}()

	s.startHeartbeat()
	return nil
}

// Stop gracefully stops the hub: it refuses new connections, waits for
// in-flight handlers, then closes remaining sockets.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down connection hub")
	s.stopHeartbeat()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, conn := range s.conns.All() {
		s.send(conn, newServerEnvelope(TypeShutdown))
		s.dropConnection(conn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Connection hub stopped")
	return nil
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// ReapIdle disconnects connections with no inbound traffic within maxIdle.
// Invoked periodically by the scheduler.
func (s *Server) ReapIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	reaped := 0
	for _, conn := range s.conns.All() {
		if conn.LastActivity().Before(cutoff) {
			s.logger.Info().
				Str("connId", conn.ID).
				Time("lastActivity", conn.LastActivity()).
				Msg("Disconnecting idle connection")
			s.dropConnection(conn)
			reaped++
		}
	}
	return reaped
}

func (s *Server) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	s.heartbeatCancel = cancel
	s.heartbeatWG.Add(1)

	go func() {
		defer s.heartbeatWG.Done()

		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, conn := range s.conns.All() {
					if err := conn.ping(); err != nil {
						s.dropConnection(conn)
					}
				}
				s.ReapIdle(s.idleTimeout)
			}
		}
	}()
}

func (s *Server) stopHeartbeat() {
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		s.heartbeatCancel = nil
	}
	s.heartbeatWG.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, _ := gonanoid.New()
	conn := &Connection{
		ID:          connID,
		IPAddress:   r.RemoteAddr,
		ConnectedAt: time.Now(),
		conn:        ws,
	}
	conn.touch()
	ws.SetPongHandler(func(string) error {
		conn.touch()
		return nil
	})

	s.conns.Add(conn)
	observability.SetConnectedClients(s.conns.Count())

	s.logger.Info().
		Str("connId", connID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	welcome := newServerEnvelope(TypeWelcome)
	welcome.ID = connID
	if err := conn.WriteJSON(welcome); err != nil {
		s.logger.Error().Err(err).Str("connId", connID).Msg("Failed to send welcome")
		s.dropConnection(conn)
		return
	}

	go s.readLoop(conn)
}

// readLoop processes a connection's messages strictly in arrival order.
// Different connections are independent.
func (s *Server) readLoop(conn *Connection) {
	defer s.dropConnection(conn)

	for {
		var env ClientEnvelope
		if err := conn.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("connId", conn.ID).Msg("WebSocket error")
			}
			return
		}

		conn.touch()

		s.inFlight.Add(1)
		closeAfter := s.handleEnvelope(conn, env)
		s.inFlight.Done()
		if closeAfter {
			return
		}
	}
}

// handleEnvelope routes one inbound envelope. It returns true when the
// connection must be closed (failed authentication).
func (s *Server) handleEnvelope(conn *Connection, env ClientEnvelope) bool {
	switch env.Type {
	case TypePing:
		s.send(conn, newServerEnvelope(TypePong))
		return false
	case TypeAuthenticate:
		return s.handleAuthenticate(conn, env.Token)
	}

	// Everything else requires authentication first.
	if !conn.Authenticated() {
		errEnv := newServerEnvelope(TypeError)
		errEnv.Error = "authentication required"
		s.send(conn, errEnv)
		return false
	}

	switch env.Type {
	case TypeMessage:
		s.handleChatMessage(conn, env)
	case TypeToolExecute:
		s.handleToolExecute(conn, env)
	case TypeTyping:
		s.handleTyping(conn, env)
	default:
		errEnv := newServerEnvelope(TypeError)
		errEnv.Error = fmt.Sprintf("unknown message type: %s", env.Type)
		s.send(conn, errEnv)
	}
	return false
}

// handleAuthenticate verifies the token. Success subscribes the socket to
// its user and tenant channels; failure sends an error and closes.
func (s *Server) handleAuthenticate(conn *Connection, token string) bool {
	ident, err := s.verifier.Verify(context.Background(), token)
	if err != nil {
		s.logger.Warn().
			Str("connId", conn.ID).
			Err(err).
			Msg("Authentication failed")

		observability.GetAuditLogger().Record(observability.AuditEvent{
			Type:         "connection",
			Action:       "auth_failed",
			Status:       "error",
			ConnectionID: conn.ID,
		})

		errEnv := newServerEnvelope(TypeError)
		errEnv.Error = "authentication failed"
		s.send(conn, errEnv)
		return true
	}

	conn.setIdentity(ident)
	s.subscribe(conn, "user:"+ident.UserID)
	s.subscribe(conn, "tenant:"+ident.TenantID)

	s.logger.Info().
		Str("connId", conn.ID).
		Str("user", ident.UserID).
		Str("tenant", ident.TenantID).
		Msg("Client authenticated")

	observability.GetAuditLogger().Record(observability.AuditEvent{
		Type:         "connection",
		Actor:        ident.UserID,
		TenantID:     ident.TenantID,
		Action:       "auth_succeeded",
		Status:       "ok",
		ConnectionID: conn.ID,
	})

	authEnv := newServerEnvelope(TypeAuthenticated)
	authEnv.UserID = ident.UserID
	s.send(conn, authEnv)
	return false
}

// subscribe attaches a pub/sub channel to the socket; payloads are relayed
// verbatim.
func (s *Server) subscribe(conn *Connection, channel string) {
	sub := s.broker.Subscribe(channel)
	conn.addSubscription(sub)

	go func() {
		for msg := range sub.C {
			if err := conn.WriteRaw(msg.Payload); err != nil {
				s.logger.Debug().
					Err(err).
					Str("connId", conn.ID).
					Str("channel", channel).
					Msg("Relay write failed")
				return
			}
		}
	}()
}

func (s *Server) handleChatMessage(conn *Connection, env ClientEnvelope) {
	conversationID, messageID, err := s.orchestrator.HandleMessage(
		context.Background(), conn.Identity(), env.ConversationID, env.Content)
	if err != nil {
		errEnv := newServerEnvelope(TypeError)
		errEnv.ConversationID = env.ConversationID
		errEnv.Error = err.Error()
		s.send(conn, errEnv)
		return
	}
	// Participants follow the conversation channel so presence signals
	// from other clients reach them, not just their own user channel.
	if conn.trackConversation(conversationID) {
		s.subscribe(conn, "conversation:"+conversationID)
	}

	s.logger.Debug().
		Str("connId", conn.ID).
		Str("conversationId", conversationID).
		Str("messageId", messageID).
		Msg("Message accepted")
}

func (s *Server) handleToolExecute(conn *Connection, env ClientEnvelope) {
	ident := conn.Identity()
	resp := s.executor.Execute(context.Background(), env.Tool, env.Params, executor.Caller{
		Identity:       ident,
		ConversationID: env.ConversationID,
		ConnectionID:   conn.ID,
		Confirmed:      env.Confirmed,
	})

	out := newServerEnvelope(TypeToolResult)
	out.Tool = env.Tool
	out.ExecutionID = resp.ExecutionID
	out.Status = resp.Status
	out.Result = resp.Result
	if resp.Err != nil {
		out.Error = resp.Err.Message
	}
	s.send(conn, out)
}

// handleTyping is a fire-and-forget presence broadcast. No ordering or
// delivery guarantee.
func (s *Server) handleTyping(conn *Connection, env ClientEnvelope) {
	if env.ConversationID == "" {
		return
	}
	payload := fmt.Sprintf(
		`{"type":"typing","conversationId":%q,"userId":%q,"timestamp":%d}`,
		env.ConversationID, conn.Identity().UserID, time.Now().UnixMilli())
	s.broker.Publish("conversation:"+env.ConversationID, []byte(payload))
}

func (s *Server) send(conn *Connection, env ServerEnvelope) {
	if err := conn.WriteJSON(env); err != nil {
		s.logger.Error().
			Err(err).
			Str("connId", conn.ID).
			Str("type", env.Type).
			Msg("Failed to send envelope")
	}
}

// dropConnection tears one connection down: cancels its in-flight turns,
// unsubscribes all channels, closes the socket, and forgets it.
func (s *Server) dropConnection(conn *Connection) {
	for _, conversationID := range conn.trackedConversations() {
		s.orchestrator.Cancel(conversationID)
	}
	conn.closeSubscriptions()
	conn.conn.Close()
	s.conns.Remove(conn.ID)
	observability.SetConnectedClients(s.conns.Count())
	s.logger.Info().Str("connId", conn.ID).Msg("Client disconnected")
}
