package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-server-go/internal/audit"
	"github.com/openclaw/session-server-go/internal/config"
	apperrors "github.com/openclaw/session-server-go/internal/errors"
	"github.com/openclaw/session-server-go/internal/model"
	"github.com/openclaw/session-server-go/internal/vault"
)

// Notifier receives lifecycle notifications for interested watchers.
// Implementations must not block.
type Notifier interface {
	PublishState(ctx context.Context, agentID string, state model.LifecycleState, detail string)
	PublishQR(ctx context.Context, agentID string, token *model.QRToken)
}

// handle is the in-memory per-agent session slot. Its presence in the
// registry map IS the per-agent exclusion guard: while a handle exists, no
// second connect attempt can start for the same agent.
type handle struct {
	agentID string

	mu        sync.Mutex
	transport Transport
	open      bool
	closing   bool

	outcomeOnce  sync.Once
	firstOutcome chan model.ConnectResult
}

func newHandle(agentID string) *handle {
	return &handle{
		agentID:      agentID,
		firstOutcome: make(chan model.ConnectResult, 1),
	}
}

// deliver hands the synchronous connect caller its outcome, at most once.
func (h *handle) deliver(res model.ConnectResult) {
	h.outcomeOnce.Do(func() { h.firstOutcome <- res })
}

// Registry is the per-agent concurrency guard and the only component that
// talks to the transport provider directly. Transport events are dispatched
// from here into the store, the QR manager, the reconnection scheduler and
// the disconnect coordinator.
type Registry struct {
	instanceID  string
	dialer      Dialer
	store       *Store
	vault       *vault.Vault
	guard       *CooldownGuard
	qr          *QRManager
	scheduler   *Scheduler
	coordinator *Coordinator
	sink        MessageSink // optional
	notifier    Notifier    // optional

	mu      sync.Mutex
	handles map[string]*handle
}

func NewRegistry(
	instanceID string,
	dialer Dialer,
	store *Store,
	v *vault.Vault,
	guard *CooldownGuard,
	qr *QRManager,
	scheduler *Scheduler,
	sink MessageSink,
	notifier Notifier,
) *Registry {
	r := &Registry{
		instanceID:  instanceID,
		dialer:      dialer,
		store:       store,
		vault:       v,
		guard:       guard,
		qr:          qr,
		scheduler:   scheduler,
		coordinator: NewCoordinator(store, v, qr, scheduler, guard),
		sink:        sink,
		notifier:    notifier,
		handles:     make(map[string]*handle),
	}
	qr.SetRefreshFunc(r.refreshQR)
	scheduler.SetRedialFunc(r.redial)
	return r
}

// Connect starts (or reports on) a session for the agent. Exactly one attempt
// can be in flight per agent; concurrent callers get already_open or an
// immediate in-progress rejection, never a second transport socket.
func (r *Registry) Connect(ctx context.Context, agentID string) (*model.ConnectResult, error) {
	r.mu.Lock()
	if existing, ok := r.handles[agentID]; ok {
		r.mu.Unlock()
		existing.mu.Lock()
		open := existing.open
		existing.mu.Unlock()
		if open {
			return &model.ConnectResult{Status: model.ConnectStatusAlreadyOpen}, nil
		}
		return &model.ConnectResult{
			Status: model.ConnectStatusRejected,
			Reason: "connection already in progress",
		}, nil
	}
	h := newHandle(agentID)
	r.handles[agentID] = h
	r.mu.Unlock()

	result, err := r.beginAttempt(ctx, h)
	if err != nil || result.Status == model.ConnectStatusRejected {
		// The attempt never reached the transport; free the guard now.
		r.removeHandle(agentID)
	}
	return result, err
}

func (r *Registry) beginAttempt(ctx context.Context, h *handle) (*model.ConnectResult, error) {
	agentID := h.agentID

	record, err := r.store.Ensure(ctx, agentID)
	if err != nil {
		return &model.ConnectResult{}, apperrors.Database(err)
	}

	decision, err := r.guard.Check(ctx, agentID)
	if err != nil {
		return &model.ConnectResult{}, apperrors.Database(err)
	}
	if !decision.Allowed {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventConnectRejected,
			AgentID: agentID,
			Details: map[string]interface{}{"retryAfterSeconds": decision.RetryAfterSeconds},
		})
		return &model.ConnectResult{
			Status:            model.ConnectStatusRejected,
			Reason:            decision.Reason,
			RetryAfterSeconds: decision.RetryAfterSeconds,
		}, nil
	}
	r.guard.NoteAttempt(agentID)
	audit.Log(ctx, audit.Event{Type: audit.EventConnectAttempt, AgentID: agentID})

	creds := r.resumableCredentials(ctx, agentID, record)

	transport, err := r.dialer.Dial(ctx, agentID)
	if err != nil {
		return &model.ConnectResult{}, apperrors.Transport("failed to open transport", err)
	}

	// A manual disconnect can land while Dial is in flight. Disconnect sets
	// closing under h.mu before its coordinator writes the terminal state, so
	// checking and marking under the same lock means a raced teardown either
	// aborts this attempt here or settles the record after our write.
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		_ = transport.Close()
		return &model.ConnectResult{
			Status: model.ConnectStatusRejected,
			Reason: "session was disconnected during connect",
		}, nil
	}
	h.transport = transport
	state := model.StateQRPending
	detail := "waiting for pairing"
	if creds != nil {
		state = model.StateConnecting
		detail = "resuming with cached credentials"
		err = r.store.MarkConnecting(ctx, agentID, r.instanceID)
	} else {
		err = r.store.MarkQRPending(ctx, agentID, r.instanceID)
	}
	h.mu.Unlock()
	if err != nil {
		_ = transport.Close()
		return &model.ConnectResult{}, apperrors.Database(err)
	}
	r.notifyState(ctx, agentID, state, detail)

	go r.consumeEvents(h, transport)
	go r.startTransport(h, transport, creds)

	select {
	case res := <-h.firstOutcome:
		return &res, nil
	case <-time.After(config.ConnectWaitTimeout):
		return &model.ConnectResult{Status: model.ConnectStatusConnecting}, nil
	case <-ctx.Done():
		// The attempt keeps running in the background; the caller polls status.
		return &model.ConnectResult{Status: model.ConnectStatusConnecting}, nil
	}
}

// Disconnect runs the manual teardown for the agent through the coordinator.
func (r *Registry) Disconnect(ctx context.Context, agentID string) (*model.DisconnectReport, error) {
	r.mu.Lock()
	h := r.handles[agentID]
	r.mu.Unlock()

	var transport Transport
	if h != nil {
		h.mu.Lock()
		if h.closing {
			h.mu.Unlock()
			return nil, apperrors.New(apperrors.ErrCodeConflict, "Disconnect already in progress")
		}
		h.closing = true
		transport = h.transport
		h.mu.Unlock()
	}

	already := false
	record, err := r.store.Read(ctx, agentID)
	if err == nil {
		if record == nil {
			return nil, apperrors.SessionNotFound(agentID)
		}
		already = record.LifecycleState == model.StateDisconnected
	} else {
		// Proceed best-effort; the coordinator's own writes carry the retry.
		log.Warn().Err(err).Str("agentId", agentID).Msg("could not read record before disconnect")
	}

	report := r.coordinator.Run(ctx, agentID, transport, already, func() { r.removeHandle(agentID) })

	audit.Log(ctx, audit.Event{
		Type:    audit.EventManualDisconnect,
		AgentID: agentID,
		Details: map[string]interface{}{"success": report.Success},
	})
	r.notifyState(ctx, agentID, model.StateDisconnected, "manual disconnect")
	return report, nil
}

// Status returns the durable record for the agent. Credential fields never
// serialize.
func (r *Registry) Status(ctx context.Context, agentID string) (*model.SessionRecord, error) {
	record, err := r.store.Read(ctx, agentID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if record == nil {
		return nil, apperrors.SessionNotFound(agentID)
	}
	return record, nil
}

// Close tears down every live transport without touching durable state, for
// process shutdown. Durable ownership is released separately by main.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]*handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		h.closing = true
		t := h.transport
		h.mu.Unlock()
		if t != nil {
			if err := t.Close(); err != nil {
				log.Warn().Err(err).Str("agentId", h.agentID).Msg("transport close failed during shutdown")
			}
		}
	}
}

func (r *Registry) consumeEvents(h *handle, t Transport) {
	for ev := range t.Events() {
		h.mu.Lock()
		stale := h.transport != t
		closing := h.closing
		h.mu.Unlock()
		if stale || closing {
			continue
		}

		switch e := ev.(type) {
		case QREvent:
			r.handleQR(h, e.Value)
		case ConnectionEvent:
			switch e.State {
			case ConnStateOpen:
				r.handleOpen(h)
			case ConnStateClosed:
				r.onClosed(h, e.StatusCode)
			}
			// Intermediate "connecting" updates never release the guard.
		case CredentialsEvent:
			r.handleCredentials(h, e.Credentials)
		case MessageEvent:
			if r.sink != nil {
				r.sink.HandleMessage(context.Background(), h.agentID, e.Payload)
			}
		}
	}
}

// startTransport drives the transport's connect call. A returned error means
// the attempt never got far enough to emit events, so the closed path runs
// from here.
func (r *Registry) startTransport(h *handle, t Transport, creds []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), config.TransportCallTimeout)
	defer cancel()
	if err := t.Connect(ctx, creds); err != nil {
		log.Warn().Err(err).Str("agentId", h.agentID).Msg("transport connect failed")
		r.onClosed(h, StatusConnectionLost)
	}
}

func (r *Registry) handleQR(h *handle, value string) {
	ctx, cancel := r.opCtx()
	defer cancel()
	agentID := h.agentID

	token, err := r.qr.Issue(ctx, agentID, value)
	if err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("failed to cache qr token")
		return
	}
	// A resume attempt can fall back to pairing; reflect that durably.
	if err := r.store.MarkQRPending(ctx, agentID, r.instanceID); err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("failed to mark qr_pending")
	}

	audit.Log(ctx, audit.Event{Type: audit.EventQRIssued, AgentID: agentID})
	if r.notifier != nil {
		r.notifier.PublishQR(ctx, agentID, token)
	}
	h.deliver(model.ConnectResult{Status: model.ConnectStatusQRIssued, QR: token})
}

func (r *Registry) handleOpen(h *handle) {
	ctx, cancel := r.opCtx()
	defer cancel()
	agentID := h.agentID

	if err := r.store.MarkOpen(ctx, agentID); err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("failed to mark session open")
	}
	r.scheduler.Reset(agentID)
	r.qr.Cancel(ctx, agentID)

	h.mu.Lock()
	h.open = true
	h.mu.Unlock()

	audit.Log(ctx, audit.Event{Type: audit.EventSessionOpen, AgentID: agentID})
	r.notifyState(ctx, agentID, model.StateOpen, "")
	log.Info().Str("agentId", agentID).Msg("session open")
	h.deliver(model.ConnectResult{Status: model.ConnectStatusAlreadyOpen})
}

func (r *Registry) handleCredentials(h *handle, plaintext []byte) {
	ctx, cancel := r.opCtx()
	defer cancel()
	agentID := h.agentID

	blob, err := r.vault.Encrypt(plaintext)
	if err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("failed to encrypt credentials")
		return
	}
	if err := r.store.SaveCredentials(ctx, agentID, blob.Ciphertext, blob.IV, blob.AuthTag); err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("failed to persist credentials")
	}
	if err := r.vault.SaveLocal(agentID, blob); err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("failed to cache credentials locally")
	}
}

// onClosed handles a transport disconnect: retryable codes go to the
// scheduler, terminal ones settle the session in conflict and free the guard.
func (r *Registry) onClosed(h *handle, statusCode int) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return
	}
	h.open = false
	h.mu.Unlock()

	ctx, cancel := r.opCtx()
	defer cancel()
	agentID := h.agentID

	class, delay := r.scheduler.OnDisconnect(agentID, statusCode)
	switch class {
	case ClassRetryable:
		if err := r.store.MarkConnecting(ctx, agentID, r.instanceID); err != nil {
			log.Error().Err(err).Str("agentId", agentID).Msg("failed to mark reconnecting")
		}
		r.notifyState(ctx, agentID, model.StateConnecting,
			fmt.Sprintf("reconnecting in %s", delay.Round(time.Millisecond)))

	case ClassTerminal, ClassExhausted:
		now := time.Now()
		if err := r.store.MarkConflict(ctx, agentID, now); err != nil {
			log.Error().Err(err).Str("agentId", agentID).Msg("failed to mark conflict")
		}
		r.guard.NoteFailure(agentID, now)
		r.qr.Cancel(ctx, agentID)

		h.mu.Lock()
		h.closing = true
		t := h.transport
		h.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		r.removeHandle(agentID)

		eventType := audit.EventSessionConflict
		reason := fmt.Sprintf("transport rejected the session (status %d)", statusCode)
		if class == ClassExhausted {
			eventType = audit.EventRetriesExhausted
			reason = "reconnection attempts exhausted"
		}
		audit.Log(ctx, audit.Event{
			Type:    eventType,
			AgentID: agentID,
			Details: map[string]interface{}{"statusCode": statusCode},
		})
		r.notifyState(ctx, agentID, model.StateConflict, reason)
		h.deliver(model.ConnectResult{Status: model.ConnectStatusRejected, Reason: reason})
	}
}

// redial is invoked by the scheduler's backoff timer. The guard is still held
// from the original attempt; no caller can slip in between retries.
func (r *Registry) redial(agentID string) {
	r.mu.Lock()
	h := r.handles[agentID]
	r.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		return
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	record, err := r.store.Read(ctx, agentID)
	if err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("redial could not read record")
		r.onClosed(h, StatusConnectionLost)
		return
	}
	creds := r.resumableCredentials(ctx, agentID, record)

	t, err := r.dialer.Dial(ctx, agentID)
	if err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("redial failed to open transport")
		r.onClosed(h, StatusConnectionLost)
		return
	}
	h.mu.Lock()
	h.transport = t
	h.mu.Unlock()

	go r.consumeEvents(h, t)
	go r.startTransport(h, t, creds)
}

// refreshQR is invoked by the QR manager when a token expires while the agent
// is still waiting to be scanned.
func (r *Registry) refreshQR(agentID string) {
	r.mu.Lock()
	h := r.handles[agentID]
	r.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	t := h.transport
	closing := h.closing
	h.mu.Unlock()
	if t == nil || closing {
		return
	}

	refresher, ok := t.(QRRefresher)
	if !ok {
		// The transport re-emits QR events on its own schedule.
		return
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	if err := refresher.RefreshQR(ctx); err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("qr refresh failed")
	}
}

func (r *Registry) resumableCredentials(ctx context.Context, agentID string, record *model.SessionRecord) []byte {
	fresh := r.vault.ValidateFreshness(ctx, agentID)
	if !fresh.Fresh {
		log.Debug().Str("agentId", agentID).Str("reason", fresh.Reason).Msg("credentials not fresh, pairing required")
		return nil
	}
	creds, err := r.vault.LoadCredentials(agentID, record)
	if err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("failed to load credentials, falling back to pairing")
		return nil
	}
	return creds
}

func (r *Registry) removeHandle(agentID string) {
	r.mu.Lock()
	delete(r.handles, agentID)
	r.mu.Unlock()
}

func (r *Registry) notifyState(ctx context.Context, agentID string, state model.LifecycleState, detail string) {
	if r.notifier != nil {
		r.notifier.PublishState(ctx, agentID, state, detail)
	}
}

func (r *Registry) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), config.TransportCallTimeout)
}
