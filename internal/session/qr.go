package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-server-go/internal/model"
	redisclient "github.com/openclaw/session-server-go/internal/redis"
	"github.com/openclaw/session-server-go/internal/util"
)

// QRManager owns the pairing-token lifecycle: one live token per agent,
// cached in redis for its TTL, with a local expiry timer that regenerates the
// token only while the agent is still waiting to be scanned.
type QRManager struct {
	redis   *redisclient.Client
	store   *Store
	ttl     time.Duration
	refresh func(agentID string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewQRManager(redisClient *redisclient.Client, store *Store, ttl time.Duration) *QRManager {
	return &QRManager{
		redis:  redisClient,
		store:  store,
		ttl:    ttl,
		timers: make(map[string]*time.Timer),
	}
}

// SetRefreshFunc wires the callback used to request a replacement token when
// one expires unscanned. Must be set before Issue is called.
func (m *QRManager) SetRefreshFunc(fn func(agentID string)) {
	m.refresh = fn
}

// Issue registers a fresh token for the agent, replacing any live one, and
// arms the expiry timer.
func (m *QRManager) Issue(ctx context.Context, agentID, value string) (*model.QRToken, error) {
	token := &model.QRToken{
		Value:      value,
		IssuedAt:   time.Now(),
		TTLSeconds: int(m.ttl.Seconds()),
	}

	data, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	if err := m.redis.Set(ctx, redisclient.QRTokenKey(agentID), data, m.ttl).Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if t, ok := m.timers[agentID]; ok {
		t.Stop()
	}
	m.timers[agentID] = time.AfterFunc(m.ttl, func() { m.onExpire(agentID) })
	m.mu.Unlock()

	log.Info().
		Str("agentId", agentID).
		Str("qr", util.MaskToken(value)).
		Dur("ttl", m.ttl).
		Msg("qr token issued")

	return token, nil
}

// Live returns the agent's unexpired token, or nil.
func (m *QRManager) Live(ctx context.Context, agentID string) (*model.QRToken, error) {
	data, err := m.redis.Get(ctx, redisclient.QRTokenKey(agentID)).Bytes()
	if err != nil {
		return nil, nil // expired or never issued
	}
	var token model.QRToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Cancel stops the agent's expiry timer and drops the cached token. Called
// when the token is scanned or the session is torn down.
func (m *QRManager) Cancel(ctx context.Context, agentID string) {
	m.mu.Lock()
	if t, ok := m.timers[agentID]; ok {
		t.Stop()
		delete(m.timers, agentID)
	}
	m.mu.Unlock()

	if err := m.redis.Del(ctx, redisclient.QRTokenKey(agentID)).Err(); err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("failed to delete cached qr token")
	}
}

// Stop cancels every timer. Cached tokens expire on their own.
func (m *QRManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for agentID, t := range m.timers {
		t.Stop()
		delete(m.timers, agentID)
	}
}

// onExpire deletes the expired token and, only if the agent is still waiting
// for a scan, asks for a replacement. Tokens are never reused.
func (m *QRManager) onExpire(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.store.readTimeout)
	defer cancel()

	if err := m.redis.Del(ctx, redisclient.QRTokenKey(agentID)).Err(); err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("failed to delete expired qr token")
	}

	m.mu.Lock()
	delete(m.timers, agentID)
	m.mu.Unlock()

	record, err := m.store.Read(ctx, agentID)
	if err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("qr expiry could not read session state")
		return
	}
	if record == nil || record.LifecycleState != model.StateQRPending {
		// Scanned or torn down in the meantime.
		return
	}

	log.Info().Str("agentId", agentID).Msg("qr token expired, requesting a fresh one")
	if m.refresh != nil {
		m.refresh(agentID)
	}
}
