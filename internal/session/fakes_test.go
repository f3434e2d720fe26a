package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/session-server-go/internal/backoff"
	"github.com/openclaw/session-server-go/internal/model"
	redisclient "github.com/openclaw/session-server-go/internal/redis"
	"github.com/openclaw/session-server-go/internal/repository"
	"github.com/openclaw/session-server-go/internal/vault"
)

var errTransientWrite = errors.New("transient write failure")

// fakeRepo is an in-memory SessionRepository mirroring the SQL semantics of
// the real one. failWrites injects transient failures into the next N writes.
type fakeRepo struct {
	mu         sync.Mutex
	records    map[string]*model.SessionRecord
	failWrites int
	writes     int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*model.SessionRecord)}
}

func (f *fakeRepo) failNext(n int) {
	f.mu.Lock()
	f.failWrites = n
	f.mu.Unlock()
}

func (f *fakeRepo) writeAllowed() error {
	f.writes++
	if f.failWrites > 0 {
		f.failWrites--
		return errTransientWrite
	}
	return nil
}

func (f *fakeRepo) copyOf(r *model.SessionRecord) *model.SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (f *fakeRepo) Get(ctx context.Context, agentID string) (*model.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copyOf(f.records[agentID]), nil
}

func (f *fakeRepo) Ensure(ctx context.Context, agentID string) (*model.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[agentID]; ok {
		return f.copyOf(r), nil
	}
	now := time.Now()
	r := &model.SessionRecord{
		AgentID:        agentID,
		LifecycleState: model.StateUninitialized,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.records[agentID] = r
	return f.copyOf(r), nil
}

func (f *fakeRepo) MarkQRPending(ctx context.Context, agentID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeAllowed(); err != nil {
		return err
	}
	if r, ok := f.records[agentID]; ok {
		r.LifecycleState = model.StateQRPending
		r.IsActive = false
		r.OwningInstanceID = &instanceID
		r.DisconnectedAt = nil
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) MarkConnecting(ctx context.Context, agentID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeAllowed(); err != nil {
		return err
	}
	if r, ok := f.records[agentID]; ok {
		r.LifecycleState = model.StateConnecting
		r.IsActive = false
		r.OwningInstanceID = &instanceID
		r.DisconnectedAt = nil
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) MarkOpen(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeAllowed(); err != nil {
		return err
	}
	if r, ok := f.records[agentID]; ok {
		r.LifecycleState = model.StateOpen
		r.IsActive = true
		r.LastFailureAt = nil
		r.DisconnectedAt = nil
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) MarkConflict(ctx context.Context, agentID string, failedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeAllowed(); err != nil {
		return err
	}
	if r, ok := f.records[agentID]; ok {
		r.LifecycleState = model.StateConflict
		r.IsActive = false
		r.OwningInstanceID = nil
		r.LastFailureAt = &failedAt
		r.DisconnectedAt = nil
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) MarkDisconnected(ctx context.Context, agentID string, disconnectedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeAllowed(); err != nil {
		return err
	}
	if r, ok := f.records[agentID]; ok {
		r.LifecycleState = model.StateDisconnected
		r.IsActive = false
		r.EncryptedCredentials = nil
		r.CredentialsIV = nil
		r.CredentialsAuthTag = nil
		r.CredentialsEncrypted = false
		r.OwningInstanceID = nil
		r.LastFailureAt = nil
		if r.DisconnectedAt == nil {
			r.DisconnectedAt = &disconnectedAt
		}
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) SaveCredentials(ctx context.Context, agentID string, ciphertext, iv, authTag []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeAllowed(); err != nil {
		return err
	}
	if r, ok := f.records[agentID]; ok {
		r.EncryptedCredentials = ciphertext
		r.CredentialsIV = iv
		r.CredentialsAuthTag = authTag
		r.CredentialsEncrypted = true
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) ClearOwnership(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeAllowed(); err != nil {
		return err
	}
	if r, ok := f.records[agentID]; ok {
		r.OwningInstanceID = nil
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) ExpireStaleQRPending(ctx context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.records {
		if r.LifecycleState == model.StateQRPending && r.UpdatedAt.Before(olderThan) {
			r.LifecycleState = model.StateUninitialized
			r.EncryptedCredentials = nil
			r.CredentialsIV = nil
			r.CredentialsAuthTag = nil
			r.CredentialsEncrypted = false
			r.OwningInstanceID = nil
			r.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) ReleaseInstance(ctx context.Context, instanceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.records {
		if r.OwningInstanceID != nil && *r.OwningInstanceID == instanceID {
			r.OwningInstanceID = nil
			r.IsActive = false
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository { return f }

// seed installs a record directly, bypassing the write failure hook.
func (f *fakeRepo) seed(r *model.SessionRecord) {
	f.mu.Lock()
	f.records[r.AgentID] = r
	f.mu.Unlock()
}

// fakeTransport is a scriptable Transport. onConnect runs inside Connect so
// tests can stage the event sequence an attempt should see.
type fakeTransport struct {
	mu         sync.Mutex
	events     chan Event
	connectErr error
	onConnect  func(*fakeTransport)
	gotCreds   []byte
	loggedOut  bool
	closed     bool
	closeOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (t *fakeTransport) Connect(ctx context.Context, credentials []byte) error {
	t.mu.Lock()
	t.gotCreds = credentials
	err := t.connectErr
	fn := t.onConnect
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		fn(t)
	}
	return nil
}

func (t *fakeTransport) Logout(ctx context.Context) error {
	t.mu.Lock()
	t.loggedOut = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.events)
	})
	return nil
}

func (t *fakeTransport) Events() <-chan Event { return t.events }

func (t *fakeTransport) emit(ev Event) { t.events <- ev }

// fakeDialer hands out staged transports in order, then inert ones.
type fakeDialer struct {
	mu      sync.Mutex
	queue   []*fakeTransport
	dialErr error
	dials   int
}

func (d *fakeDialer) stage(transports ...*fakeTransport) {
	d.mu.Lock()
	d.queue = append(d.queue, transports...)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, agentID string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if len(d.queue) > 0 {
		t := d.queue[0]
		d.queue = d.queue[1:]
		return t, nil
	}
	return newFakeTransport(), nil
}

// blockingDialer parks Dial until released, so a test can interleave other
// registry calls while a dial is in flight.
type blockingDialer struct {
	dialing   chan struct{}
	release   chan struct{}
	transport *fakeTransport
}

func newBlockingDialer(t *fakeTransport) *blockingDialer {
	return &blockingDialer{
		dialing:   make(chan struct{}),
		release:   make(chan struct{}),
		transport: t,
	}
}

func (d *blockingDialer) Dial(ctx context.Context, agentID string) (Transport, error) {
	close(d.dialing)
	<-d.release
	return d.transport, nil
}

// deadRedis returns a client pointed at a closed port. Commands fail fast and
// the code paths under test treat those failures as best-effort.
func deadRedis() *redisclient.Client {
	return &redisclient.Client{Client: goredis.NewClient(&goredis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		MaxRetries:   -1,
	})}
}

type testRig struct {
	repo      *fakeRepo
	store     *Store
	vault     *vault.Vault
	guard     *CooldownGuard
	qr        *QRManager
	scheduler *Scheduler
	dialer    *fakeDialer
	registry  *Registry
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	repo := newFakeRepo()
	store := NewStore(repo, time.Second)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := vault.New(key, t.TempDir(), repo, time.Second)
	require.NoError(t, err)

	guard := NewCooldownGuard(store, 300*time.Second, 5*time.Second)
	t.Cleanup(guard.Stop)

	qr := NewQRManager(deadRedis(), store, time.Minute)
	t.Cleanup(qr.Stop)

	scheduler := NewScheduler(backoff.Policy{
		Initial:     10 * time.Millisecond,
		Growth:      backoff.GrowthExponential,
		Cap:         100 * time.Millisecond,
		MaxAttempts: 5,
	}, map[int]bool{
		StatusLoggedOut:          true,
		StatusForbidden:          true,
		StatusMultideviceBadPair: true,
		StatusSessionReplaced:    true,
	})
	t.Cleanup(scheduler.Stop)

	dialer := &fakeDialer{}
	registry := NewRegistry("test-instance", dialer, store, v, guard, qr, scheduler, nil, nil)
	t.Cleanup(registry.Close)

	return &testRig{
		repo:      repo,
		store:     store,
		vault:     v,
		guard:     guard,
		qr:        qr,
		scheduler: scheduler,
		dialer:    dialer,
		registry:  registry,
	}
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", d, msg)
}
