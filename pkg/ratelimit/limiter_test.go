package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_Allow(t *testing.T) {
	t.Run("should allow the first N and reject the N+1th", func(t *testing.T) {
		l := NewLimiter(Config{Window: time.Minute, DefaultLimit: 3})

		for i := 0; i < 3; i++ {
			ok, _ := l.Allow("acme", "run_python", 0)
			assert.True(t, ok, "call %d", i+1)
		}

		ok, retryAfter := l.Allow("acme", "run_python", 0)
		assert.False(t, ok)
		assert.Greater(t, retryAfter, time.Duration(0))
		assert.LessOrEqual(t, retryAfter, time.Minute)
	})

	t.Run("should honor a per-call limit over the default", func(t *testing.T) {
		l := NewLimiter(Config{Window: time.Minute, DefaultLimit: 100})

		ok, _ := l.Allow("acme", "export_report", 1)
		assert.True(t, ok)
		ok, _ = l.Allow("acme", "export_report", 1)
		assert.False(t, ok)
	})

	t.Run("should track tenants and tools independently", func(t *testing.T) {
		l := NewLimiter(Config{Window: time.Minute, DefaultLimit: 1})

		ok, _ := l.Allow("acme", "run_python", 0)
		assert.True(t, ok)

		ok, _ = l.Allow("acme", "search_artifacts", 0)
		assert.True(t, ok, "different tool shares no window")

		ok, _ = l.Allow("globex", "run_python", 0)
		assert.True(t, ok, "different tenant shares no window")

		ok, _ = l.Allow("acme", "run_python", 0)
		assert.False(t, ok)
	})

	t.Run("should reset after the window expires", func(t *testing.T) {
		l := NewLimiter(Config{Window: time.Minute, DefaultLimit: 1})
		current := time.Now()
		l.now = func() time.Time { return current }

		ok, _ := l.Allow("acme", "run_python", 0)
		assert.True(t, ok)
		ok, _ = l.Allow("acme", "run_python", 0)
		assert.False(t, ok)

		current = current.Add(61 * time.Second)
		ok, _ = l.Allow("acme", "run_python", 0)
		assert.True(t, ok)
	})

	t.Run("should never oversubscribe under concurrency", func(t *testing.T) {
		const limit = 50
		l := NewLimiter(Config{Window: time.Minute, DefaultLimit: limit})

		var wg sync.WaitGroup
		var mu sync.Mutex
		allowed := 0
		for i := 0; i < limit*4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _ := l.Allow("acme", "run_python", 0); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, limit, allowed)
	})
}

func TestLimiter_Usage(t *testing.T) {
	t.Run("should report the current window count", func(t *testing.T) {
		l := NewLimiter(Config{Window: time.Minute, DefaultLimit: 10})

		assert.Equal(t, 0, l.Usage("acme", "run_python"))
		l.Allow("acme", "run_python", 0)
		l.Allow("acme", "run_python", 0)
		assert.Equal(t, 2, l.Usage("acme", "run_python"))
	})
}

func TestLimiter_Sweep(t *testing.T) {
	t.Run("should drop only expired windows", func(t *testing.T) {
		l := NewLimiter(Config{Window: time.Minute, DefaultLimit: 10})
		current := time.Now()
		l.now = func() time.Time { return current }

		l.Allow("acme", "run_python", 0)
		current = current.Add(2 * time.Minute)
		l.Allow("acme", "search_artifacts", 0)

		assert.Equal(t, 1, l.Sweep())
		assert.Equal(t, 1, l.Usage("acme", "search_artifacts"))
	})
}
