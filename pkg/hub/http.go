package hub

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/identity"
	"github.com/loomworks/loom/pkg/tools"
)

// executeResponse is the REST body for POST /tools/{name}/execute.
type executeResponse struct {
	Success     bool            `json:"success"`
	ExecutionID string          `json:"executionId,omitempty"`
	Status      string          `json:"status,omitempty"`
	Result      interface{}     `json:"result,omitempty"`
	Error       *executor.Error `json:"error,omitempty"`
}

// restRoutes builds the non-streaming HTTP surface.
func (s *Server) restRoutes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", observability.MetricsHandler())

	r.Get("/tools", s.handleListTools)
	r.Post("/tools/{name}/execute", s.handleExecuteTool)

	return r
}

// bearerIdentity resolves the Authorization header to a caller identity.
func (s *Server) bearerIdentity(r *http.Request) (identity.Identity, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return identity.Identity{}, false
	}
	ident, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		return identity.Identity{}, false
	}
	return ident, true
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.bearerIdentity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	filter := tools.Filter{
		Category: r.URL.Query().Get("category"),
		Search:   r.URL.Query().Get("search"),
	}
	descriptors := s.registry.List(ident.Permissions, filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": descriptors})
}

// handleExecuteTool is the single-shot REST invocation path. Rejections
// map to 400/403/404/429; sandbox failures stay 200 with success=false
// since the call was accepted.
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.bearerIdentity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	toolName := chi.URLParam(r, "name")

	var body struct {
		Parameters map[string]interface{} `json:"parameters"`
		Confirmed  bool                   `json:"confirmed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, executeResponse{
			Success: false,
			Error: &executor.Error{
				Code:    executor.CodeValidation,
				Message: "request body must be JSON",
			},
		})
		return
	}

	resp := s.executor.Execute(r.Context(), toolName, body.Parameters, executor.Caller{
		Identity:  ident,
		Confirmed: body.Confirmed,
	})

	out := executeResponse{
		Success:     resp.Success(),
		ExecutionID: resp.ExecutionID,
		Status:      resp.Status,
		Result:      resp.Result,
		Error:       resp.Err,
	}

	status := http.StatusOK
	if resp.Err != nil {
		status = resp.Err.HTTPStatus()
		if resp.Err.Code == executor.CodeRateLimited && resp.Err.RetryAfter > 0 {
			seconds := int(resp.Err.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
