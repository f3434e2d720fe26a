package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/session-server-go/internal/model"
)

func newQRFixture(t *testing.T) (*fakeRepo, *QRManager) {
	t.Helper()
	repo := newFakeRepo()
	m := NewQRManager(deadRedis(), NewStore(repo, time.Second), time.Minute)
	t.Cleanup(m.Stop)
	return repo, m
}

func TestQRManagerExpiry(t *testing.T) {
	t.Run("requests a replacement while still waiting for a scan", func(t *testing.T) {
		repo, m := newQRFixture(t)
		repo.seed(&model.SessionRecord{
			AgentID:        "agent-1",
			LifecycleState: model.StateQRPending,
			UpdatedAt:      time.Now(),
		})

		var refreshed atomic.Int32
		m.SetRefreshFunc(func(agentID string) {
			assert.Equal(t, "agent-1", agentID)
			refreshed.Add(1)
		})

		m.onExpire("agent-1")
		assert.Equal(t, int32(1), refreshed.Load())
	})

	t.Run("does not regenerate once the session opened", func(t *testing.T) {
		repo, m := newQRFixture(t)
		repo.seed(&model.SessionRecord{
			AgentID:        "agent-1",
			LifecycleState: model.StateOpen,
			UpdatedAt:      time.Now(),
		})

		var refreshed atomic.Int32
		m.SetRefreshFunc(func(string) { refreshed.Add(1) })

		m.onExpire("agent-1")
		assert.Equal(t, int32(0), refreshed.Load())
	})

	t.Run("does not regenerate for an unknown agent", func(t *testing.T) {
		_, m := newQRFixture(t)

		var refreshed atomic.Int32
		m.SetRefreshFunc(func(string) { refreshed.Add(1) })

		m.onExpire("ghost")
		assert.Equal(t, int32(0), refreshed.Load())
	})
}

func TestQRManagerCancel(t *testing.T) {
	t.Run("cancel drops the expiry timer", func(t *testing.T) {
		_, m := newQRFixture(t)

		// Arm a timer directly; Issue itself needs a live redis.
		m.mu.Lock()
		m.timers["agent-1"] = time.AfterFunc(time.Hour, func() {})
		m.mu.Unlock()

		m.Cancel(context.Background(), "agent-1")

		m.mu.Lock()
		_, armed := m.timers["agent-1"]
		m.mu.Unlock()
		assert.False(t, armed)
	})
}
