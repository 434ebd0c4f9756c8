package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/identity"
	"github.com/loomworks/loom/pkg/pubsub"
	"github.com/loomworks/loom/pkg/tools"
)

// fakeOrchestrator records chat messages routed to it.
type fakeOrchestrator struct {
	mu       sync.Mutex
	messages []string
	canceled []string
}

func (f *fakeOrchestrator) HandleMessage(_ context.Context, _ identity.Identity, conversationID, content string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, content)
	if conversationID == "" {
		conversationID = "conv-1"
	}
	return conversationID, "msg-1", nil
}

func (f *fakeOrchestrator) Cancel(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, conversationID)
}

func (f *fakeOrchestrator) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

// fakeDispatcher returns a scripted response per tool name.
type fakeDispatcher struct {
	mu        sync.Mutex
	calls     int
	responses map[string]executor.Response
}

func (f *fakeDispatcher) Execute(_ context.Context, toolName string, _ map[string]interface{}, _ executor.Caller) executor.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if resp, ok := f.responses[toolName]; ok {
		return resp
	}
	return executor.Response{ExecutionID: "exec-1", Status: "completed", Result: "ok"}
}

type testEnv struct {
	server       *Server
	http         *httptest.Server
	verifier     *identity.JWTVerifier
	orchestrator *fakeOrchestrator
	dispatcher   *fakeDispatcher
	broker       *pubsub.MemoryBroker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	verifier := identity.NewJWTVerifier("test-secret")
	orch := &fakeOrchestrator{}
	disp := &fakeDispatcher{responses: map[string]executor.Response{}}
	broker := pubsub.NewMemoryBroker(zerolog.Nop())

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, tools.Options{}))
	registry.Freeze()

	server, err := NewServer(Config{
		Port:         8080,
		Verifier:     verifier,
		Orchestrator: orch,
		Executor:     disp,
		Registry:     registry,
		Broker:       broker,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Get("/ws", server.handleWebSocket)
	router.Mount("/", server.restRoutes())
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testEnv{
		server:       server,
		http:         ts,
		verifier:     verifier,
		orchestrator: orch,
		dispatcher:   disp,
		broker:       broker,
	}
}

func (e *testEnv) token(t *testing.T, perms ...string) string {
	t.Helper()
	token, err := e.verifier.Sign(identity.Identity{
		UserID:      "u1",
		TenantID:    "acme",
		Permissions: perms,
	}, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env map[string]interface{}
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocket_AuthGating(t *testing.T) {
	t.Run("should welcome a new connection", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)

		welcome := readEnvelope(t, conn)
		assert.Equal(t, TypeWelcome, welcome["type"])
		assert.NotEmpty(t, welcome["id"])
	})

	t.Run("should answer ping before authentication", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		readEnvelope(t, conn) // welcome

		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypePing}))
		pong := readEnvelope(t, conn)
		assert.Equal(t, TypePong, pong["type"])
	})

	t.Run("should refuse other envelopes before authentication", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		readEnvelope(t, conn)

		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeMessage, Content: "hi"}))
		errEnv := readEnvelope(t, conn)
		assert.Equal(t, TypeError, errEnv["type"])
		assert.Equal(t, "authentication required", errEnv["error"])
		assert.Empty(t, env.orchestrator.received())
	})

	t.Run("should authenticate with a valid token", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		readEnvelope(t, conn)

		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeAuthenticate, Token: env.token(t)}))
		authed := readEnvelope(t, conn)
		assert.Equal(t, TypeAuthenticated, authed["type"])
		assert.Equal(t, "u1", authed["userId"])
	})

	t.Run("should send an error and close on a bad token", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		readEnvelope(t, conn)

		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeAuthenticate, Token: "garbage"}))
		errEnv := readEnvelope(t, conn)
		assert.Equal(t, TypeError, errEnv["type"])

		// The server closes the socket after a failed authentication.
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var discard map[string]interface{}
		assert.Error(t, conn.ReadJSON(&discard))
	})
}

func TestWebSocket_Routing(t *testing.T) {
	authenticate := func(t *testing.T, env *testEnv, conn *websocket.Conn) {
		t.Helper()
		readEnvelope(t, conn) // welcome
		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeAuthenticate, Token: env.token(t)}))
		readEnvelope(t, conn) // authenticated
	}

	t.Run("should route chat messages to the orchestrator", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		authenticate(t, env, conn)

		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeMessage, Content: "hello there"}))

		assert.Eventually(t, func() bool {
			got := env.orchestrator.received()
			return len(got) == 1 && got[0] == "hello there"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should execute tools and return the result envelope", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		authenticate(t, env, conn)

		require.NoError(t, conn.WriteJSON(ClientEnvelope{
			Type:   TypeToolExecute,
			Tool:   "get_company_kpis",
			Params: map[string]interface{}{"period": "QTD", "unit": "company"},
		}))

		result := readEnvelope(t, conn)
		assert.Equal(t, TypeToolResult, result["type"])
		assert.Equal(t, "get_company_kpis", result["tool"])
		assert.Equal(t, "completed", result["status"])
		assert.Equal(t, "ok", result["result"])
	})

	t.Run("should relay published events verbatim after authentication", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		authenticate(t, env, conn)

		payload := []byte(`{"type":"assistant_chunk","conversation_id":"c1","seq":1,"content":"hi"}`)
		// Subscription happens during authentication; give the relay
		// goroutine a moment to attach.
		assert.Eventually(t, func() bool {
			return env.broker.SubscriberCount("user:u1") == 1
		}, time.Second, 10*time.Millisecond)

		env.broker.Publish("user:u1", payload)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, payload, raw)
	})

	t.Run("should subscribe senders to the conversation channel", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		authenticate(t, env, conn)

		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeMessage, Content: "hi"}))
		assert.Eventually(t, func() bool {
			return env.broker.SubscriberCount("conversation:conv-1") == 1
		}, time.Second, 10*time.Millisecond)

		// A presence signal from another participant now reaches this
		// socket through the conversation channel.
		payload := []byte(`{"type":"typing","conversationId":"conv-1","userId":"u2"}`)
		env.broker.Publish("conversation:conv-1", payload)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, payload, raw)
	})

	t.Run("should not resubscribe on repeat messages in one conversation", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		authenticate(t, env, conn)

		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeMessage, Content: "first", ConversationID: "conv-1"}))
		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeMessage, Content: "second", ConversationID: "conv-1"}))

		assert.Eventually(t, func() bool {
			return len(env.orchestrator.received()) == 2
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, env.broker.SubscriberCount("conversation:conv-1"))
	})

	t.Run("should broadcast typing to the conversation channel", func(t *testing.T) {
		env := newTestEnv(t)
		sub := env.broker.Subscribe("conversation:c1")
		defer sub.Close()

		conn := env.dial(t)
		authenticate(t, env, conn)

		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeTyping, ConversationID: "c1"}))

		select {
		case msg := <-sub.C:
			var typing map[string]interface{}
			require.NoError(t, json.Unmarshal(msg.Payload, &typing))
			assert.Equal(t, "typing", typing["type"])
			assert.Equal(t, "u1", typing["userId"])
		case <-time.After(time.Second):
			t.Fatal("typing event was not published")
		}
	})
}

func TestREST_ExecuteTool(t *testing.T) {
	post := func(t *testing.T, env *testEnv, tool, token string, body interface{}) *http.Response {
		t.Helper()
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, env.http.URL+"/tools/"+tool+"/execute", bytes.NewReader(data))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	decode := func(t *testing.T, resp *http.Response) executeResponse {
		t.Helper()
		var out executeResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	t.Run("should return 200 with the result on success", func(t *testing.T) {
		env := newTestEnv(t)
		resp := post(t, env, "get_company_kpis", env.token(t, "kpis:read"),
			map[string]interface{}{"parameters": map[string]interface{}{"period": "QTD", "unit": "company"}})

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		out := decode(t, resp)
		assert.True(t, out.Success)
		assert.Equal(t, "ok", out.Result)
	})

	t.Run("should return 401 without a bearer token", func(t *testing.T) {
		env := newTestEnv(t)
		resp := post(t, env, "get_company_kpis", "", map[string]interface{}{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should map classified rejections to their status codes", func(t *testing.T) {
		cases := []struct {
			name   string
			err    *executor.Error
			status int
		}{
			{"validation", &executor.Error{Code: executor.CodeValidation, Message: "bad params"}, 400},
			{"permission", &executor.Error{Code: executor.CodePermissionDenied, Message: "denied"}, 403},
			{"not found", &executor.Error{Code: executor.CodeNotFound, Message: "unknown tool"}, 404},
			{"rate limit", &executor.Error{Code: executor.CodeRateLimited, Message: "slow down", RetryAfter: 30 * time.Second}, 429},
		}
		for _, tc := range cases {
			t.Run("should return "+tc.name, func(t *testing.T) {
				env := newTestEnv(t)
				env.dispatcher.responses["some_tool"] = executor.Response{Err: tc.err}

				resp := post(t, env, "some_tool", env.token(t), map[string]interface{}{})
				assert.Equal(t, tc.status, resp.StatusCode)
				out := decode(t, resp)
				assert.False(t, out.Success)
				require.NotNil(t, out.Error)
				assert.Equal(t, tc.err.Code, out.Error.Code)
			})
		}
	})

	t.Run("should set Retry-After on rate limit rejections", func(t *testing.T) {
		env := newTestEnv(t)
		env.dispatcher.responses["limited"] = executor.Response{
			Err: &executor.Error{Code: executor.CodeRateLimited, Message: "slow down", RetryAfter: 42 * time.Second},
		}

		resp := post(t, env, "limited", env.token(t), map[string]interface{}{})
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, "42", resp.Header.Get("Retry-After"))
	})

	t.Run("should keep 200 for classified sandbox failures", func(t *testing.T) {
		env := newTestEnv(t)
		env.dispatcher.responses["run_python"] = executor.Response{
			ExecutionID: "exec-9",
			Status:      "timeout",
			Err:         &executor.Error{Code: executor.CodeSandboxTimeout, Message: "tool timed out"},
		}

		resp := post(t, env, "run_python", env.token(t, "code:run"), map[string]interface{}{})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		out := decode(t, resp)
		assert.False(t, out.Success)
		assert.Equal(t, "exec-9", out.ExecutionID)
		assert.Equal(t, executor.CodeSandboxTimeout, out.Error.Code)
	})
}

func TestREST_ListTools(t *testing.T) {
	t.Run("should list only tools the caller may invoke", func(t *testing.T) {
		env := newTestEnv(t)

		req, err := http.NewRequest(http.MethodGet, env.http.URL+"/tools", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+env.token(t, "kpis:read"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		require.Len(t, out.Tools, 1)
		assert.Equal(t, "get_company_kpis", out.Tools[0].Name)
	})
}

func TestREST_Healthz(t *testing.T) {
	t.Run("should report ok without authentication", func(t *testing.T) {
		env := newTestEnv(t)
		resp, err := http.Get(env.http.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_DropConnection(t *testing.T) {
	t.Run("should cancel tracked conversations on disconnect", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.dial(t)
		readEnvelope(t, conn)
		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeAuthenticate, Token: env.token(t)}))
		readEnvelope(t, conn)

		require.NoError(t, conn.WriteJSON(ClientEnvelope{Type: TypeMessage, Content: "start a turn"}))
		assert.Eventually(t, func() bool {
			return len(env.orchestrator.received()) == 1
		}, time.Second, 10*time.Millisecond)

		conn.Close()

		assert.Eventually(t, func() bool {
			env.orchestrator.mu.Lock()
			defer env.orchestrator.mu.Unlock()
			return len(env.orchestrator.canceled) == 1 && env.orchestrator.canceled[0] == "conv-1"
		}, time.Second, 10*time.Millisecond)
	})
}
