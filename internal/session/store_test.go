package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/session-server-go/internal/model"
)

func TestStoreWriteRetry(t *testing.T) {
	t.Run("retries transient failures and succeeds", func(t *testing.T) {
		repo := newFakeRepo()
		store := NewStore(repo, time.Second)

		_, err := store.Ensure(context.Background(), "agent-1")
		require.NoError(t, err)

		repo.failNext(2)
		start := time.Now()
		err = store.MarkOpen(context.Background(), "agent-1")
		elapsed := time.Since(start)

		require.NoError(t, err)
		// Two failed attempts cost 500ms + 1000ms of linear backoff.
		assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)

		record, err := store.Read(context.Background(), "agent-1")
		require.NoError(t, err)
		assert.Equal(t, model.StateOpen, record.LifecycleState)
	})

	t.Run("last retry waits the full final step", func(t *testing.T) {
		repo := newFakeRepo()
		store := NewStore(repo, time.Second)

		_, err := store.Ensure(context.Background(), "agent-1")
		require.NoError(t, err)

		repo.failNext(3)
		start := time.Now()
		err = store.MarkOpen(context.Background(), "agent-1")
		elapsed := time.Since(start)

		require.NoError(t, err)
		// Three failed tries cost 500ms + 1000ms + 1500ms before the fourth succeeds.
		assert.GreaterOrEqual(t, elapsed, 3000*time.Millisecond)
	})

	t.Run("gives up after exhausting the schedule", func(t *testing.T) {
		repo := newFakeRepo()
		store := NewStore(repo, time.Second)

		_, err := store.Ensure(context.Background(), "agent-1")
		require.NoError(t, err)

		before := repo.writes
		repo.failNext(10)
		err = store.MarkConnecting(context.Background(), "agent-1", "inst")

		assert.ErrorIs(t, err, errTransientWrite)
		assert.Equal(t, 4, repo.writes-before)
	})

	t.Run("read is bounded by the read timeout", func(t *testing.T) {
		repo := newFakeRepo()
		store := NewStore(repo, 10*time.Millisecond)

		// The fake never blocks, so this simply exercises the timeout path.
		record, err := store.Read(context.Background(), "missing")
		require.NoError(t, err)
		assert.Nil(t, record)
	})
}

func TestExpireStaleQRPending(t *testing.T) {
	ctx := context.Background()

	t.Run("abandoned pairing drops its credentials with the state", func(t *testing.T) {
		repo := newFakeRepo()
		instance := "dead-instance"
		repo.seed(&model.SessionRecord{
			AgentID:              "agent-1",
			LifecycleState:       model.StateQRPending,
			EncryptedCredentials: []byte("ct"),
			CredentialsIV:        []byte("iv"),
			CredentialsAuthTag:   []byte("tag"),
			CredentialsEncrypted: true,
			OwningInstanceID:     &instance,
			UpdatedAt:            time.Now().Add(-time.Hour),
		})

		n, err := repo.ExpireStaleQRPending(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		record, err := repo.Get(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, model.StateUninitialized, record.LifecycleState)
		assert.False(t, record.HasCredentials(), "uninitialized rows must not keep credentials")
		assert.Nil(t, record.OwningInstanceID)
	})

	t.Run("fresh pairing rows are left alone", func(t *testing.T) {
		repo := newFakeRepo()
		repo.seed(&model.SessionRecord{
			AgentID:        "agent-1",
			LifecycleState: model.StateQRPending,
			UpdatedAt:      time.Now(),
		})

		n, err := repo.ExpireStaleQRPending(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)

		record, err := repo.Get(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, model.StateQRPending, record.LifecycleState)
	})
}
