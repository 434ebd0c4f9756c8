package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRunArgs(t *testing.T) {
	binding := Binding{
		Image:   "python:3.12-alpine",
		Command: []string{"python3", "-c", "print('hi')"},
		Env:     map[string]string{"TZ": "UTC"},
	}
	limits := Limits{
		Timeout:      30 * time.Second,
		MemoryMB:     512,
		CPUPercent:   50,
		MaxProcesses: 16,
	}
	args := buildRunArgs(binding, "/tmp/scratch", "loom-sbx-test", limits)
	joined := strings.Join(args, " ")

	t.Run("should run an ephemeral container", func(t *testing.T) {
		assert.Equal(t, "run", args[0])
		assert.Contains(t, args, "--rm")
		assert.Contains(t, args, "--init")
	})

	t.Run("should name the container so expiry can kill it", func(t *testing.T) {
		assert.Contains(t, joined, "--name loom-sbx-test")
	})

	t.Run("should deny network access", func(t *testing.T) {
		assert.Contains(t, joined, "--network none")
	})

	t.Run("should cap memory with swap pinned to the same ceiling", func(t *testing.T) {
		assert.Contains(t, joined, "--memory 512m")
		assert.Contains(t, joined, "--memory-swap 512m")
	})

	t.Run("should cap cpu and process count", func(t *testing.T) {
		assert.Contains(t, joined, "--cpus 0.50")
		assert.Contains(t, joined, "--pids-limit 16")
	})

	t.Run("should drop capabilities and block privilege escalation", func(t *testing.T) {
		assert.Contains(t, joined, "--cap-drop ALL")
		assert.Contains(t, joined, "--security-opt no-new-privileges")
	})

	t.Run("should mount the scratch dir as the working directory", func(t *testing.T) {
		assert.Contains(t, joined, "-v /tmp/scratch:/work")
		assert.Contains(t, joined, "-w /work")
	})

	t.Run("should pass environment and place image before command", func(t *testing.T) {
		assert.Contains(t, args, "TZ=UTC")
		imageIdx := -1
		for i, a := range args {
			if a == binding.Image {
				imageIdx = i
			}
		}
		require.GreaterOrEqual(t, imageIdx, 0)
		assert.Equal(t, binding.Command, args[imageIdx+1:])
	})
}

func TestContainerName(t *testing.T) {
	t.Run("should generate unique prefixed names", func(t *testing.T) {
		a := containerName()
		b := containerName()
		assert.True(t, strings.HasPrefix(a, "loom-sbx-"))
		assert.NotEqual(t, a, b)
	})
}

func TestClassifyFailure(t *testing.T) {
	t.Run("should classify exit 137 as memory limit", func(t *testing.T) {
		err := classifyFailure(137, nil)
		assert.Equal(t, KindMemoryLimit, err.Kind)
		assert.Equal(t, 137, err.ExitCode)
	})

	t.Run("should classify resolver failures as network blocked", func(t *testing.T) {
		stderr := []byte("socket.gaierror: Temporary failure in name resolution")
		err := classifyFailure(1, stderr)
		assert.Equal(t, KindNetworkBlocked, err.Kind)
	})

	t.Run("should classify unreachable network as network blocked", func(t *testing.T) {
		err := classifyFailure(1, []byte("OSError: Network is unreachable"))
		assert.Equal(t, KindNetworkBlocked, err.Kind)
	})

	t.Run("should fall back to runtime error with stderr as message", func(t *testing.T) {
		err := classifyFailure(1, []byte("NameError: name 'x' is not defined"))
		assert.Equal(t, KindRuntime, err.Kind)
		assert.Contains(t, err.Message, "NameError")
	})

	t.Run("should truncate oversized stderr in the message", func(t *testing.T) {
		err := classifyFailure(1, []byte(strings.Repeat("x", 2048)))
		assert.LessOrEqual(t, len(err.Message), 512)
	})

	t.Run("should synthesize a message when stderr is empty", func(t *testing.T) {
		err := classifyFailure(3, nil)
		assert.Equal(t, KindRuntime, err.Kind)
		assert.Contains(t, err.Message, "exited with code 3")
	})
}

func TestCappedBuffer(t *testing.T) {
	t.Run("should pass writes through under the limit", func(t *testing.T) {
		buf := newCappedBuffer(16)
		n, err := buf.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "hello", string(buf.Bytes()))
		assert.False(t, buf.Truncated())
	})

	t.Run("should cut writes crossing the limit and flag truncation", func(t *testing.T) {
		buf := newCappedBuffer(4)
		n, err := buf.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n, "reports full write so the producer is not stalled")
		assert.Equal(t, "hell", string(buf.Bytes()))
		assert.True(t, buf.Truncated())
	})

	t.Run("should discard writes entirely once full", func(t *testing.T) {
		buf := newCappedBuffer(4)
		buf.Write([]byte("hello"))
		buf.Write([]byte("world"))
		assert.Equal(t, "hell", string(buf.Bytes()))
	})
}

func TestCollectArtifacts(t *testing.T) {
	t.Run("should read regular files and skip directories", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "report.csv"), []byte("a,b\n"), 0o644))
		require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

		artifacts := collectArtifacts(dir)
		require.Len(t, artifacts, 1)
		assert.Equal(t, "report.csv", artifacts[0].Name)
		assert.Equal(t, []byte("a,b\n"), artifacts[0].Data)
	})

	t.Run("should return nil for a missing directory", func(t *testing.T) {
		assert.Nil(t, collectArtifacts(filepath.Join(t.TempDir(), "absent")))
	})
}

func TestNewDockerRunner(t *testing.T) {
	t.Run("should fill zero limits with defaults", func(t *testing.T) {
		r := NewDockerRunner(Limits{})
		base := DefaultLimits()
		assert.Equal(t, base.Timeout, r.defaults.Timeout)
		assert.Equal(t, base.MemoryMB, r.defaults.MemoryMB)
		assert.Equal(t, base.KillGrace, r.defaults.KillGrace)
	})

	t.Run("should keep explicit limits", func(t *testing.T) {
		r := NewDockerRunner(Limits{Timeout: 5 * time.Second, MemoryMB: 128})
		assert.Equal(t, 5*time.Second, r.defaults.Timeout)
		assert.Equal(t, 128, r.defaults.MemoryMB)
	})

	t.Run("should merge per-run overrides over defaults", func(t *testing.T) {
		r := NewDockerRunner(Limits{})
		merged := r.merge(Limits{MemoryMB: 256})
		assert.Equal(t, 256, merged.MemoryMB)
		assert.Equal(t, DefaultLimits().Timeout, merged.Timeout)
	})
}
