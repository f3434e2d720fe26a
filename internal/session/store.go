package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-server-go/internal/backoff"
	"github.com/openclaw/session-server-go/internal/config"
	"github.com/openclaw/session-server-go/internal/model"
	"github.com/openclaw/session-server-go/internal/repository"
)

// Store is the Session State Store: the single durable write path for agent
// session records. Writes retry transient failures with a short linear
// schedule (500ms, 1000ms, 1500ms); reads are bounded so a slow store cannot
// wedge a connect attempt.
type Store struct {
	repo        repository.SessionRepository
	writeRetry  backoff.Policy
	readTimeout time.Duration
}

func NewStore(repo repository.SessionRepository, readTimeout time.Duration) *Store {
	return &Store{
		repo: repo,
		writeRetry: backoff.Policy{
			Initial:     config.StoreWriteRetryStep,
			Growth:      backoff.GrowthLinear,
			MaxAttempts: config.StoreWriteRetryAttempts,
		},
		readTimeout: readTimeout,
	}
}

func (s *Store) Read(ctx context.Context, agentID string) (*model.SessionRecord, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	return s.repo.Get(readCtx, agentID)
}

func (s *Store) Ensure(ctx context.Context, agentID string) (*model.SessionRecord, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	return s.repo.Ensure(readCtx, agentID)
}

func (s *Store) MarkQRPending(ctx context.Context, agentID, instanceID string) error {
	return s.write(ctx, agentID, "qr_pending", func() error {
		return s.repo.MarkQRPending(ctx, agentID, instanceID)
	})
}

func (s *Store) MarkConnecting(ctx context.Context, agentID, instanceID string) error {
	return s.write(ctx, agentID, "connecting", func() error {
		return s.repo.MarkConnecting(ctx, agentID, instanceID)
	})
}

func (s *Store) MarkOpen(ctx context.Context, agentID string) error {
	return s.write(ctx, agentID, "open", func() error {
		return s.repo.MarkOpen(ctx, agentID)
	})
}

func (s *Store) MarkConflict(ctx context.Context, agentID string, failedAt time.Time) error {
	return s.write(ctx, agentID, "conflict", func() error {
		return s.repo.MarkConflict(ctx, agentID, failedAt)
	})
}

func (s *Store) MarkDisconnected(ctx context.Context, agentID string, disconnectedAt time.Time) error {
	return s.write(ctx, agentID, "disconnected", func() error {
		return s.repo.MarkDisconnected(ctx, agentID, disconnectedAt)
	})
}

func (s *Store) SaveCredentials(ctx context.Context, agentID string, ciphertext, iv, authTag []byte) error {
	return s.write(ctx, agentID, "credentials", func() error {
		return s.repo.SaveCredentials(ctx, agentID, ciphertext, iv, authTag)
	})
}

func (s *Store) ClearOwnership(ctx context.Context, agentID string) error {
	return s.write(ctx, agentID, "clear_ownership", func() error {
		return s.repo.ClearOwnership(ctx, agentID)
	})
}

func (s *Store) write(ctx context.Context, agentID, op string, fn func() error) error {
	err := s.writeRetry.Retry(ctx, fn)
	if err != nil {
		log.Error().Err(err).
			Str("agentId", agentID).
			Str("op", op).
			Int("attempts", config.StoreWriteRetryAttempts).
			Msg("session store write failed after retries")
	}
	return err
}
