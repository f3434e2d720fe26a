package vault

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/session-server-go/internal/model"
)

type fakeRecordReader struct {
	record *model.SessionRecord
	err    error
}

func (f *fakeRecordReader) Get(ctx context.Context, agentID string) (*model.SessionRecord, error) {
	return f.record, f.err
}

func newTestVault(t *testing.T, records RecordReader) *Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	v, err := New(key, t.TempDir(), records, time.Second)
	require.NoError(t, err)
	return v
}

func TestNew(t *testing.T) {
	t.Run("rejects short keys", func(t *testing.T) {
		_, err := New(make([]byte, 16), t.TempDir(), &fakeRecordReader{}, time.Second)
		assert.Error(t, err)
	})
}

func TestEncryptDecrypt(t *testing.T) {
	v := newTestVault(t, &fakeRecordReader{})

	t.Run("round trips arbitrary bytes", func(t *testing.T) {
		for _, plaintext := range [][]byte{
			[]byte(""),
			[]byte("x"),
			[]byte(`{"me":{"id":"5511999@s.whatsapp.net"}}`),
			{0x00, 0xff, 0x10, 0x80},
		} {
			blob, err := v.Encrypt(plaintext)
			require.NoError(t, err)

			got, err := v.Decrypt(blob)
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		}
	})

	t.Run("splits ciphertext, iv and tag", func(t *testing.T) {
		blob, err := v.Encrypt([]byte("credentials"))
		require.NoError(t, err)

		assert.Len(t, blob.IV, 12)
		assert.Len(t, blob.AuthTag, 16)
		assert.NotEmpty(t, blob.Ciphertext)
	})

	t.Run("tampered ciphertext fails", func(t *testing.T) {
		blob, err := v.Encrypt([]byte("credentials"))
		require.NoError(t, err)

		blob.Ciphertext[0] ^= 0x01
		_, err = v.Decrypt(blob)
		assert.Error(t, err)
	})

	t.Run("tampered iv fails", func(t *testing.T) {
		blob, err := v.Encrypt([]byte("credentials"))
		require.NoError(t, err)

		blob.IV[0] ^= 0x01
		_, err = v.Decrypt(blob)
		assert.Error(t, err)
	})

	t.Run("tampered auth tag fails", func(t *testing.T) {
		blob, err := v.Encrypt([]byte("credentials"))
		require.NoError(t, err)

		blob.AuthTag[0] ^= 0x01
		_, err = v.Decrypt(blob)
		assert.Error(t, err)
	})
}

func TestValidateFreshness(t *testing.T) {
	registered := []byte(`{"me":{"id":"5511999@s.whatsapp.net"},"registrationId":42}`)

	t.Run("durable disconnected wins over a valid local blob", func(t *testing.T) {
		reader := &fakeRecordReader{record: &model.SessionRecord{
			AgentID:        "agent-1",
			LifecycleState: model.StateDisconnected,
		}}
		v := newTestVault(t, reader)

		blob, err := v.Encrypt(registered)
		require.NoError(t, err)
		require.NoError(t, v.SaveLocal("agent-1", blob))

		result := v.ValidateFreshness(context.Background(), "agent-1")
		assert.False(t, result.Fresh)
		assert.Equal(t, "session disconnected", result.Reason)

		// The stale local cache must be gone.
		_, ok := v.loadBlob("agent-1", nil)
		assert.False(t, ok)
	})

	t.Run("fresh when durable state allows and device is registered", func(t *testing.T) {
		reader := &fakeRecordReader{record: &model.SessionRecord{
			AgentID:        "agent-2",
			LifecycleState: model.StateOpen,
		}}
		v := newTestVault(t, reader)

		blob, err := v.Encrypt(registered)
		require.NoError(t, err)
		require.NoError(t, v.SaveLocal("agent-2", blob))

		result := v.ValidateFreshness(context.Background(), "agent-2")
		assert.True(t, result.Fresh)
	})

	t.Run("stale when no device marker present", func(t *testing.T) {
		reader := &fakeRecordReader{record: &model.SessionRecord{
			AgentID:        "agent-3",
			LifecycleState: model.StateConflict,
		}}
		v := newTestVault(t, reader)

		blob, err := v.Encrypt([]byte(`{"registrationId":42}`))
		require.NoError(t, err)
		require.NoError(t, v.SaveLocal("agent-3", blob))

		result := v.ValidateFreshness(context.Background(), "agent-3")
		assert.False(t, result.Fresh)
	})

	t.Run("stale when nothing cached", func(t *testing.T) {
		reader := &fakeRecordReader{record: &model.SessionRecord{
			AgentID:        "agent-4",
			LifecycleState: model.StateConflict,
		}}
		v := newTestVault(t, reader)

		result := v.ValidateFreshness(context.Background(), "agent-4")
		assert.False(t, result.Fresh)
		assert.Equal(t, "no cached credentials", result.Reason)
	})

	t.Run("decryption failure forces the QR path", func(t *testing.T) {
		reader := &fakeRecordReader{record: &model.SessionRecord{
			AgentID:        "agent-5",
			LifecycleState: model.StateOpen,
		}}
		v := newTestVault(t, reader)

		blob, err := v.Encrypt(registered)
		require.NoError(t, err)
		blob.AuthTag[0] ^= 0x01
		require.NoError(t, v.SaveLocal("agent-5", blob))

		result := v.ValidateFreshness(context.Background(), "agent-5")
		assert.False(t, result.Fresh)
		assert.Equal(t, "credentials undecryptable", result.Reason)
	})

	t.Run("missing record is stale", func(t *testing.T) {
		v := newTestVault(t, &fakeRecordReader{record: nil})

		result := v.ValidateFreshness(context.Background(), "agent-6")
		assert.False(t, result.Fresh)
	})

	t.Run("falls back to the durable blob when no local cache exists", func(t *testing.T) {
		key := make([]byte, 32)
		_, err := rand.Read(key)
		require.NoError(t, err)

		probe, err := New(key, t.TempDir(), &fakeRecordReader{}, time.Second)
		require.NoError(t, err)
		blob, err := probe.Encrypt(registered)
		require.NoError(t, err)

		reader := &fakeRecordReader{record: &model.SessionRecord{
			AgentID:              "agent-7",
			LifecycleState:       model.StateConflict,
			EncryptedCredentials: blob.Ciphertext,
			CredentialsIV:        blob.IV,
			CredentialsAuthTag:   blob.AuthTag,
			CredentialsEncrypted: true,
		}}
		v, err := New(key, t.TempDir(), reader, time.Second)
		require.NoError(t, err)

		result := v.ValidateFreshness(context.Background(), "agent-7")
		assert.True(t, result.Fresh)
	})
}

func TestDeleteLocal(t *testing.T) {
	v := newTestVault(t, &fakeRecordReader{})

	t.Run("missing file is not an error", func(t *testing.T) {
		assert.NoError(t, v.DeleteLocal("nobody"))
	})

	t.Run("removes an existing cache file", func(t *testing.T) {
		blob, err := v.Encrypt([]byte("data"))
		require.NoError(t, err)
		require.NoError(t, v.SaveLocal("agent-8", blob))

		require.NoError(t, v.DeleteLocal("agent-8"))
		_, ok := v.loadBlob("agent-8", nil)
		assert.False(t, ok)
	})
}
