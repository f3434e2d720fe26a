package model

import (
	"time"
)

// SessionRecord is the durable per-agent session row.
// Credential material is stored encrypted and never serialized to callers.
type SessionRecord struct {
	AgentID              string         `db:"agent_id" json:"agentId"`
	LifecycleState       LifecycleState `db:"lifecycle_state" json:"lifecycleState"`
	EncryptedCredentials []byte         `db:"encrypted_credentials" json:"-"`
	CredentialsIV        []byte         `db:"credentials_iv" json:"-"`
	CredentialsAuthTag   []byte         `db:"credentials_auth_tag" json:"-"`
	CredentialsEncrypted bool           `db:"credentials_encrypted" json:"-"`
	IsActive             bool           `db:"is_active" json:"isActive"`
	OwningInstanceID     *string        `db:"owning_instance_id" json:"owningInstanceId,omitempty"`
	LastFailureAt        *time.Time     `db:"last_failure_at" json:"lastFailureAt,omitempty"`
	DisconnectedAt       *time.Time     `db:"disconnected_at" json:"disconnectedAt,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updatedAt"`
}

// HasCredentials reports whether an encrypted credential blob is present.
func (r *SessionRecord) HasCredentials() bool {
	return len(r.EncryptedCredentials) > 0
}

// QRToken is the ephemeral pairing token for one connect attempt. It lives in
// redis for its TTL and is never written to the durable store.
type QRToken struct {
	Value      string    `json:"qr"`
	IssuedAt   time.Time `json:"issuedAt"`
	TTLSeconds int       `json:"ttlSeconds"`
}

// ConnectResult is the caller-facing outcome of a connect request.
type ConnectResult struct {
	Status            ConnectStatus `json:"status"`
	QR                *QRToken      `json:"qrToken,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	RetryAfterSeconds int           `json:"retryAfterSeconds,omitempty"`
}

// DisconnectReport lists the teardown steps that ran and their outcomes.
type DisconnectReport struct {
	AgentID        string   `json:"agentId"`
	Success        bool     `json:"success"`
	StepsSucceeded []string `json:"stepsSucceeded"`
	StepsFailed    []string `json:"stepsFailed"`
}
