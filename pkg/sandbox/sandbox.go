// Package sandbox provides isolated, resource-limited execution of one
// tool invocation. Every run starts a fresh environment: no filesystem,
// memory, or interpreter state carries between invocations.
package sandbox

import (
	"context"
	"time"
)

// Limits are the resource ceilings enforced at the isolation boundary.
type Limits struct {
	// Timeout is the hard wall-clock limit; the environment is forcibly
	// terminated on expiry.
	Timeout time.Duration `json:"timeout"`

	// MemoryMB is the memory ceiling in megabytes.
	MemoryMB int `json:"memory_mb"`

	// CPUPercent limits CPU usage (percentage of one core, 0-100).
	CPUPercent int `json:"cpu_percent"`

	// MaxProcesses limits the number of processes in the environment.
	MaxProcesses int `json:"max_processes"`

	// OutputBytes caps captured stdout/stderr; excess is truncated.
	OutputBytes int64 `json:"output_bytes"`

	// KillGrace bounds how long a forced cancellation may take.
	KillGrace time.Duration `json:"kill_grace"`
}

// DefaultLimits returns the baseline resource ceilings.
func DefaultLimits() Limits {
	return Limits{
		Timeout:      30 * time.Second,
		MemoryMB:     512,
		CPUPercent:   50,
		MaxProcesses: 16,
		OutputBytes:  10 * 1024 * 1024,
		KillGrace:    2 * time.Second,
	}
}

// Binding describes what to run: the container image and command.
type Binding struct {
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
}

// Artifact is a file produced by a run, collected from the scratch area
// before it is destroyed.
type Artifact struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Stdout     []byte     `json:"stdout"`
	Stderr     []byte     `json:"stderr"`
	ExitCode   int        `json:"exit_code"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Truncated  bool       `json:"truncated,omitempty"`
}

// Runner executes one isolated tool invocation. Implementations must
// guarantee a fresh environment per call and support forced cancellation
// via the context.
type Runner interface {
	Run(ctx context.Context, binding Binding, input []byte, limits Limits) (RunResult, error)
}
