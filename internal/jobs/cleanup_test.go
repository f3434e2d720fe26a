package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/session-server-go/internal/repository"
)

// stubRepo overrides only the method the cleanup job touches.
type stubRepo struct {
	repository.SessionRepository

	mu      sync.Mutex
	cutoffs []time.Time
	expired int64
}

func (s *stubRepo) ExpireStaleQRPending(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, olderThan)
	return s.expired, nil
}

func TestCleanupJob(t *testing.T) {
	t.Run("sweeps immediately on start with the grace window cutoff", func(t *testing.T) {
		repo := &stubRepo{expired: 2}
		job := NewCleanupJob(repo, time.Minute, time.Hour)

		before := time.Now()
		job.Start()
		defer job.Stop()

		deadline := time.Now().Add(time.Second)
		for {
			repo.mu.Lock()
			n := len(repo.cutoffs)
			repo.mu.Unlock()
			if n > 0 || time.Now().After(deadline) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		repo.mu.Lock()
		defer repo.mu.Unlock()
		assert.Len(t, repo.cutoffs, 1)
		// Cutoff is two QR lifetimes in the past.
		expected := before.Add(-2 * time.Minute)
		assert.WithinDuration(t, expected, repo.cutoffs[0], time.Second)
	})

	t.Run("sweeps again on the ticker", func(t *testing.T) {
		repo := &stubRepo{}
		job := NewCleanupJob(repo, time.Minute, 20*time.Millisecond)

		job.Start()
		defer job.Stop()

		deadline := time.Now().Add(time.Second)
		for {
			repo.mu.Lock()
			n := len(repo.cutoffs)
			repo.mu.Unlock()
			if n >= 3 || time.Now().After(deadline) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		repo.mu.Lock()
		defer repo.mu.Unlock()
		assert.GreaterOrEqual(t, len(repo.cutoffs), 3)
	})
}
