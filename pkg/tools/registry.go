// Package tools holds the process-wide catalog of invocable tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrDuplicateTool is returned when registering a name that exists.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrToolNotFound is returned when looking up an unknown tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrRegistryFrozen is returned when registering after Freeze.
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// Handler executes an in-process tool with validated parameters.
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// SandboxBinding describes how a tool runs inside an isolated environment.
// Params are delivered to the container as a JSON document on stdin.
type SandboxBinding struct {
	Image   string   `json:"image"`
	Command []string `json:"command,omitempty"`
}

// Descriptor describes one registered tool. Descriptors are immutable
// once registered.
type Descriptor struct {
	Name                 string          `json:"name"`
	DisplayName          string          `json:"display_name"`
	Description          string          `json:"description"`
	Parameters           json.RawMessage `json:"parameters"` // JSON schema
	Category             string          `json:"category"`
	RequiredPermissions  []string        `json:"required_permissions"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	Concurrent           bool            `json:"concurrent"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxTimeout     time.Duration `json:"max_timeout"`
	DefaultMemMB   int           `json:"default_memory_mb"`
	MaxMemMB       int           `json:"max_memory_mb"`

	// Exactly one of Handler / Sandbox is set.
	Handler Handler         `json:"-"`
	Sandbox *SandboxBinding `json:"sandbox,omitempty"`

	schema *gojsonschema.Schema
}

// Schema returns the compiled parameter schema.
func (d *Descriptor) Schema() *gojsonschema.Schema {
	return d.schema
}

// Filter narrows List results.
type Filter struct {
	Category string
	Search   string
}

// Registry is the static tool catalog. Registration happens once at
// startup; after Freeze, lookups are lock-free reads on an immutable map.
type Registry struct {
	mu     sync.Mutex
	staged map[string]*Descriptor
	frozen atomic.Pointer[map[string]*Descriptor]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{staged: make(map[string]*Descriptor)}
}

// Register adds a descriptor to the catalog. It fails with
// ErrDuplicateTool if the name is taken and compiles the parameter schema
// eagerly so invalid descriptors are rejected at startup.
func (r *Registry) Register(desc *Descriptor) error {
	if desc == nil || desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if desc.Handler == nil && desc.Sandbox == nil {
		return fmt.Errorf("tool %s: handler or sandbox binding is required", desc.Name)
	}
	if desc.Handler != nil && desc.Sandbox != nil {
		return fmt.Errorf("tool %s: handler and sandbox binding are mutually exclusive", desc.Name)
	}

	params := desc.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() != nil {
		return ErrRegistryFrozen
	}
	if _, exists := r.staged[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}

	cp := *desc
	cp.schema = schema
	r.staged[desc.Name] = &cp
	return nil
}

// Freeze publishes the catalog for lock-free concurrent reads. Further
// registration fails.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() != nil {
		return
	}
	snapshot := make(map[string]*Descriptor, len(r.staged))
	for name, desc := range r.staged {
		snapshot[name] = desc
	}
	r.frozen.Store(&snapshot)
}

func (r *Registry) catalog() map[string]*Descriptor {
	if m := r.frozen.Load(); m != nil {
		return *m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]*Descriptor, len(r.staged))
	for name, desc := range r.staged {
		snapshot[name] = desc
	}
	return snapshot
}

// Lookup returns the descriptor for name or ErrToolNotFound.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	desc, ok := r.catalog()[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return desc, nil
}

// List returns descriptors visible to a caller holding the given
// permissions, narrowed by filter, sorted by name.
func (r *Registry) List(callerPermissions []string, f Filter) []*Descriptor {
	perms := make(map[string]bool, len(callerPermissions))
	for _, p := range callerPermissions {
		perms[p] = true
	}

	var out []*Descriptor
	for _, desc := range r.catalog() {
		if !hasAll(perms, desc.RequiredPermissions) {
			continue
		}
		if f.Category != "" && desc.Category != f.Category {
			continue
		}
		if f.Search != "" && !matchesSearch(desc, f.Search) {
			continue
		}
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return len(r.catalog())
}

func hasAll(perms map[string]bool, required []string) bool {
	for _, p := range required {
		if !perms[p] {
			return false
		}
	}
	return true
}

func matchesSearch(desc *Descriptor, search string) bool {
	search = strings.ToLower(search)
	return strings.Contains(strings.ToLower(desc.Name), search) ||
		strings.Contains(strings.ToLower(desc.DisplayName), search) ||
		strings.Contains(strings.ToLower(desc.Description), search)
}
