package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// oomExitCode is what the kernel's OOM kill surfaces as (128 + SIGKILL).
const oomExitCode = 137

// networkFailureHints match stderr produced when egress is denied at the
// boundary (--network none leaves no route and no resolver).
var networkFailureHints = []string{
	"network is unreachable",
	"temporary failure in name resolution",
	"name or service not known",
	"connection refused",
	"no route to host",
}

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return NewError(KindUnavailable, "docker is not available or not running: %v", err)
	}
	return nil
}

// DockerRunner executes each invocation in a fresh ephemeral container.
// The container gets no network, a memory/pids/cpu ceiling, and a scratch
// directory that is destroyed after the run.
type DockerRunner struct {
	defaults Limits
}

// NewDockerRunner creates a Docker-backed runner with the given default
// limits for fields the caller leaves zero.
func NewDockerRunner(defaults Limits) *DockerRunner {
	base := DefaultLimits()
	if defaults.Timeout <= 0 {
		defaults.Timeout = base.Timeout
	}
	if defaults.MemoryMB <= 0 {
		defaults.MemoryMB = base.MemoryMB
	}
	if defaults.CPUPercent <= 0 {
		defaults.CPUPercent = base.CPUPercent
	}
	if defaults.MaxProcesses <= 0 {
		defaults.MaxProcesses = base.MaxProcesses
	}
	if defaults.OutputBytes <= 0 {
		defaults.OutputBytes = base.OutputBytes
	}
	if defaults.KillGrace <= 0 {
		defaults.KillGrace = base.KillGrace
	}
	return &DockerRunner{defaults: defaults}
}

// Run executes one invocation. Input is delivered on the container's
// stdin; files the tool writes under out/ in its working directory are
// collected as artifacts before the scratch area is removed.
func (r *DockerRunner) Run(ctx context.Context, binding Binding, input []byte, limits Limits) (RunResult, error) {
	if binding.Image == "" {
		return RunResult{}, NewError(KindUnavailable, "container image is required")
	}
	limits = r.merge(limits)

	scratch, err := os.MkdirTemp("", "loom-sandbox-")
	if err != nil {
		return RunResult{}, NewError(KindUnavailable, "failed to create scratch dir: %v", err)
	}
	defer os.RemoveAll(scratch)

	if err := os.Mkdir(filepath.Join(scratch, "out"), 0o777); err != nil {
		return RunResult{}, NewError(KindUnavailable, "failed to create artifact dir: %v", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	name := containerName()
	args := buildRunArgs(binding, scratch, name, limits)
	cmd := exec.CommandContext(execCtx, "docker", args...)
	cmd.WaitDelay = limits.KillGrace
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}

	stdout := newCappedBuffer(limits.OutputBytes)
	stderr := newCappedBuffer(limits.OutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// CommandContext only kills the docker CLI client; the container can
	// outlive it. On expiry kill the container by name so the resource
	// ceilings stop applying to a dead run, not a still-running one.
	done := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			killCtx, killCancel := context.WithTimeout(context.Background(), limits.KillGrace)
			defer killCancel()
			_ = exec.CommandContext(killCtx, "docker", "kill", name).Run()
		case <-done:
		}
	}()

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)
	close(done)

	result := RunResult{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		DurationMs: duration.Milliseconds(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		return result, NewError(KindTimeout, "run exceeded wall-clock limit of %s", limits.Timeout)
	case ctx.Err() == context.Canceled:
		result.ExitCode = -1
		return result, NewError(KindCanceled, "run was canceled")
	}

	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return result, NewError(KindUnavailable, "failed to start container: %v", runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	result.ExitCode = exitCode
	result.Artifacts = collectArtifacts(filepath.Join(scratch, "out"))

	log.Debug().
		Str("image", binding.Image).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Int("artifacts", len(result.Artifacts)).
		Msg("Sandbox run finished")

	if exitCode != 0 {
		return result, classifyFailure(exitCode, result.Stderr)
	}
	return result, nil
}

func (r *DockerRunner) merge(limits Limits) Limits {
	if limits.Timeout <= 0 {
		limits.Timeout = r.defaults.Timeout
	}
	if limits.MemoryMB <= 0 {
		limits.MemoryMB = r.defaults.MemoryMB
	}
	if limits.CPUPercent <= 0 {
		limits.CPUPercent = r.defaults.CPUPercent
	}
	if limits.MaxProcesses <= 0 {
		limits.MaxProcesses = r.defaults.MaxProcesses
	}
	if limits.OutputBytes <= 0 {
		limits.OutputBytes = r.defaults.OutputBytes
	}
	if limits.KillGrace <= 0 {
		limits.KillGrace = r.defaults.KillGrace
	}
	return limits
}

// containerName yields a unique, killable handle for one run.
func containerName() string {
	id, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 12)
	if err != nil {
		id = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "loom-sbx-" + id
}

func buildRunArgs(binding Binding, scratch, name string, limits Limits) []string {
	args := []string{"run", "--rm", "-i", "--init", "--name", name}

	// Egress denied at the boundary: no interfaces, no resolver.
	args = append(args, "--network", "none")

	args = append(args, "--memory", fmt.Sprintf("%dm", limits.MemoryMB))
	args = append(args, "--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB))
	if limits.CPUPercent > 0 {
		cpus := float64(limits.CPUPercent) / 100.0
		args = append(args, "--cpus", strconv.FormatFloat(cpus, 'f', 2, 64))
	}
	if limits.MaxProcesses > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(limits.MaxProcesses))
	}

	args = append(args, "--cap-drop", "ALL", "--security-opt", "no-new-privileges")
	args = append(args, "-v", scratch+":/work", "-w", "/work")

	for k, v := range binding.Env {
		args = append(args, "-e", k+"="+v)
	}

	args = append(args, binding.Image)
	args = append(args, binding.Command...)
	return args
}

func classifyFailure(exitCode int, stderr []byte) *Error {
	if exitCode == oomExitCode {
		return &Error{Kind: KindMemoryLimit, Message: "run exceeded its memory ceiling", ExitCode: exitCode}
	}
	lower := strings.ToLower(string(stderr))
	for _, hint := range networkFailureHints {
		if strings.Contains(lower, hint) {
			return &Error{Kind: KindNetworkBlocked, Message: "outbound network access is blocked", ExitCode: exitCode}
		}
	}
	msg := strings.TrimSpace(string(stderr))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = fmt.Sprintf("process exited with code %d", exitCode)
	}
	return &Error{Kind: KindRuntime, Message: msg, ExitCode: exitCode}
}

func collectArtifacts(dir string) []Artifact {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var artifacts []Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn().Err(err).Str("artifact", entry.Name()).Msg("Failed to read artifact")
			continue
		}
		artifacts = append(artifacts, Artifact{Name: entry.Name(), Data: data})
	}
	return artifacts
}

// cappedBuffer captures output up to a byte limit, discarding the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - int64(c.buf.Len())
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte   { return c.buf.Bytes() }
func (c *cappedBuffer) Truncated() bool { return c.truncated }
