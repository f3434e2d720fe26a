package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/session-server-go/internal/database"
	"github.com/openclaw/session-server-go/internal/model"
)

type SessionRepository interface {
	Get(ctx context.Context, agentID string) (*model.SessionRecord, error)
	Ensure(ctx context.Context, agentID string) (*model.SessionRecord, error)
	MarkQRPending(ctx context.Context, agentID, instanceID string) error
	MarkConnecting(ctx context.Context, agentID, instanceID string) error
	MarkOpen(ctx context.Context, agentID string) error
	MarkConflict(ctx context.Context, agentID string, failedAt time.Time) error
	MarkDisconnected(ctx context.Context, agentID string, disconnectedAt time.Time) error
	SaveCredentials(ctx context.Context, agentID string, ciphertext, iv, authTag []byte) error
	ClearOwnership(ctx context.Context, agentID string) error
	ExpireStaleQRPending(ctx context.Context, olderThan time.Time) (int64, error)
	ReleaseInstance(ctx context.Context, instanceID string) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) Get(ctx context.Context, agentID string) (*model.SessionRecord, error) {
	var record model.SessionRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM agent_sessions WHERE agent_id = $1
	`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Ensure returns the agent's record, creating an uninitialized one on first contact.
func (r *sessionRepo) Ensure(ctx context.Context, agentID string) (*model.SessionRecord, error) {
	var record model.SessionRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO agent_sessions (agent_id)
		VALUES ($1)
		ON CONFLICT (agent_id) DO UPDATE SET agent_id = EXCLUDED.agent_id
		RETURNING *
	`, agentID)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *sessionRepo) MarkQRPending(ctx context.Context, agentID, instanceID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_sessions SET
			lifecycle_state = 'qr_pending',
			is_active = FALSE,
			owning_instance_id = $2,
			disconnected_at = NULL,
			updated_at = $3
		WHERE agent_id = $1
	`, agentID, instanceID, time.Now())
	return err
}

func (r *sessionRepo) MarkConnecting(ctx context.Context, agentID, instanceID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_sessions SET
			lifecycle_state = 'connecting',
			is_active = FALSE,
			owning_instance_id = $2,
			disconnected_at = NULL,
			updated_at = $3
		WHERE agent_id = $1
	`, agentID, instanceID, time.Now())
	return err
}

func (r *sessionRepo) MarkOpen(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_sessions SET
			lifecycle_state = 'open',
			is_active = TRUE,
			last_failure_at = NULL,
			disconnected_at = NULL,
			updated_at = $2
		WHERE agent_id = $1
	`, agentID, time.Now())
	return err
}

// MarkConflict records a non-retryable failure. disconnected_at must be null
// in this state: the failure cooldown applies until it elapses or a manual
// disconnect clears it.
func (r *sessionRepo) MarkConflict(ctx context.Context, agentID string, failedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_sessions SET
			lifecycle_state = 'conflict',
			is_active = FALSE,
			owning_instance_id = NULL,
			last_failure_at = $2,
			disconnected_at = NULL,
			updated_at = $3
		WHERE agent_id = $1
	`, agentID, failedAt, time.Now())
	return err
}

// MarkDisconnected is the terminal write of a manual teardown. Re-applying it
// is a no-op for observable state: the original disconnected_at is kept.
func (r *sessionRepo) MarkDisconnected(ctx context.Context, agentID string, disconnectedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_sessions SET
			lifecycle_state = 'disconnected',
			is_active = FALSE,
			encrypted_credentials = NULL,
			credentials_iv = NULL,
			credentials_auth_tag = NULL,
			credentials_encrypted = FALSE,
			owning_instance_id = NULL,
			last_failure_at = NULL,
			disconnected_at = COALESCE(disconnected_at, $2),
			updated_at = $3
		WHERE agent_id = $1
	`, agentID, disconnectedAt, time.Now())
	return err
}

func (r *sessionRepo) SaveCredentials(ctx context.Context, agentID string, ciphertext, iv, authTag []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_sessions SET
			encrypted_credentials = $2,
			credentials_iv = $3,
			credentials_auth_tag = $4,
			credentials_encrypted = TRUE,
			updated_at = $5
		WHERE agent_id = $1
	`, agentID, ciphertext, iv, authTag, time.Now())
	return err
}

// ClearOwnership is the first durable write of teardown.
func (r *sessionRepo) ClearOwnership(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_sessions SET
			owning_instance_id = NULL,
			updated_at = $2
		WHERE agent_id = $1
	`, agentID, time.Now())
	return err
}

// ExpireStaleQRPending resets qr_pending rows whose attempt was abandoned:
// the QR timer never outlives the grace window on a live instance. An
// uninitialized row carries no credentials, so any blob a dying attempt
// persisted mid-pairing goes with it.
func (r *sessionRepo) ExpireStaleQRPending(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE agent_sessions SET
			lifecycle_state = 'uninitialized',
			encrypted_credentials = NULL,
			credentials_iv = NULL,
			credentials_auth_tag = NULL,
			credentials_encrypted = FALSE,
			owning_instance_id = NULL,
			updated_at = $2
		WHERE lifecycle_state = 'qr_pending' AND updated_at < $1
	`, olderThan, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ReleaseInstance clears ownership rows held by the given process instance,
// used when an instance shuts down with sessions still registered.
func (r *sessionRepo) ReleaseInstance(ctx context.Context, instanceID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE agent_sessions SET
			owning_instance_id = NULL,
			is_active = FALSE,
			updated_at = $2
		WHERE owning_instance_id = $1
	`, instanceID, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
