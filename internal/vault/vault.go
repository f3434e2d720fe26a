package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-server-go/internal/config"
	"github.com/openclaw/session-server-go/internal/model"
)

// Blob is an encrypted credential payload: AES-256-GCM ciphertext with the
// nonce (IV) and authentication tag carried separately, matching the durable
// store's column layout.
type Blob struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
}

// Freshness is the outcome of validating a cached credential for resumption.
type Freshness struct {
	Fresh  bool
	Reason string
}

// RecordReader reads the durable session record; satisfied by the session repository.
type RecordReader interface {
	Get(ctx context.Context, agentID string) (*model.SessionRecord, error)
}

// Vault encrypts credential material at rest and decides whether a cached
// credential may still be trusted for session resumption.
type Vault struct {
	aead        cipher.AEAD
	cacheDir    string
	records     RecordReader
	readTimeout time.Duration
}

func New(key []byte, cacheDir string, records RecordReader, readTimeout time.Duration) (*Vault, error) {
	if len(key) != config.EncryptionKeyBytesLen {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", config.EncryptionKeyBytesLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential cache dir: %w", err)
	}

	return &Vault{
		aead:        aead,
		cacheDir:    cacheDir,
		records:     records,
		readTimeout: readTimeout,
	}, nil
}

// Encrypt seals plaintext credentials, returning ciphertext, IV and auth tag
// as separate fields.
func (v *Vault) Encrypt(plaintext []byte) (Blob, error) {
	iv := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Blob{}, fmt.Errorf("generate iv: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - v.aead.Overhead()

	return Blob{
		Ciphertext: sealed[:tagStart],
		IV:         iv,
		AuthTag:    sealed[tagStart:],
	}, nil
}

// Decrypt opens a blob. Any tampering with ciphertext, IV or tag fails
// authentication rather than yielding wrong plaintext.
func (v *Vault) Decrypt(b Blob) ([]byte, error) {
	if len(b.IV) != v.aead.NonceSize() {
		return nil, fmt.Errorf("decrypt: iv must be %d bytes", v.aead.NonceSize())
	}

	sealed := make([]byte, 0, len(b.Ciphertext)+len(b.AuthTag))
	sealed = append(sealed, b.Ciphertext...)
	sealed = append(sealed, b.AuthTag...)

	plaintext, err := v.aead.Open(nil, b.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// ValidateFreshness decides whether a cached credential may be used to resume
// the agent's session. The durable lifecycle state is read FIRST: a durable
// 'disconnected' always wins over whatever is cached locally, and the local
// blob is deleted so it cannot revive a manually cleared session later.
// Only when the durable state permits resumption is the credential's internal
// structure inspected.
func (v *Vault) ValidateFreshness(ctx context.Context, agentID string) Freshness {
	readCtx, cancel := context.WithTimeout(ctx, v.readTimeout)
	defer cancel()

	record, err := v.records.Get(readCtx, agentID)
	if err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("freshness check could not read durable state")
		return Freshness{Fresh: false, Reason: "durable state unavailable"}
	}

	if record == nil || record.LifecycleState == model.StateDisconnected ||
		record.LifecycleState == model.StateUninitialized {
		if err := v.DeleteLocal(agentID); err != nil {
			log.Warn().Err(err).Str("agentId", agentID).Msg("failed to delete stale local credentials")
		}
		return Freshness{Fresh: false, Reason: "session disconnected"}
	}

	blob, ok := v.loadBlob(agentID, record)
	if !ok {
		return Freshness{Fresh: false, Reason: "no cached credentials"}
	}

	plaintext, err := v.Decrypt(blob)
	if err != nil {
		// Corrupted blob or rotated key: force the QR path instead of failing.
		if delErr := v.DeleteLocal(agentID); delErr != nil {
			log.Warn().Err(delErr).Str("agentId", agentID).Msg("failed to delete undecryptable local credentials")
		}
		return Freshness{Fresh: false, Reason: "credentials undecryptable"}
	}

	if !hasRegisteredDevice(plaintext) {
		return Freshness{Fresh: false, Reason: "no registered device in credentials"}
	}

	return Freshness{Fresh: true}
}

// LoadCredentials returns decrypted credentials for resumption, preferring the
// local cache and falling back to the durable record.
func (v *Vault) LoadCredentials(agentID string, record *model.SessionRecord) ([]byte, error) {
	blob, ok := v.loadBlob(agentID, record)
	if !ok {
		return nil, fmt.Errorf("no credentials cached for agent %s", agentID)
	}
	return v.Decrypt(blob)
}

// SaveLocal writes the encrypted blob to the local cache directory.
func (v *Vault) SaveLocal(agentID string, b Blob) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal credential blob: %w", err)
	}
	if err := os.WriteFile(v.localPath(agentID), data, 0o600); err != nil {
		return fmt.Errorf("write credential cache: %w", err)
	}
	return nil
}

// DeleteLocal removes the agent's locally cached blob. A missing file is fine.
func (v *Vault) DeleteLocal(agentID string) error {
	err := os.Remove(v.localPath(agentID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (v *Vault) localPath(agentID string) string {
	return filepath.Join(v.cacheDir, fmt.Sprintf("%s.creds.json", agentID))
}

func (v *Vault) loadBlob(agentID string, record *model.SessionRecord) (Blob, bool) {
	data, err := os.ReadFile(v.localPath(agentID))
	if err == nil {
		var b Blob
		if err := json.Unmarshal(data, &b); err == nil && len(b.Ciphertext) > 0 {
			return b, true
		}
		log.Warn().Str("agentId", agentID).Msg("local credential cache unreadable, falling back to durable blob")
	}

	if record != nil && record.HasCredentials() {
		return Blob{
			Ciphertext: record.EncryptedCredentials,
			IV:         record.CredentialsIV,
			AuthTag:    record.CredentialsAuthTag,
		}, true
	}
	return Blob{}, false
}

// hasRegisteredDevice checks the credential structure for the marker a paired
// device leaves behind after a completed QR scan.
func hasRegisteredDevice(plaintext []byte) bool {
	var creds struct {
		Me *struct {
			ID string `json:"id"`
		} `json:"me"`
		RegistrationID int `json:"registrationId"`
	}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return false
	}
	return creds.Me != nil && creds.Me.ID != ""
}
