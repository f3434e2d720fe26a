package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
)

// Decision is the Cooldown Guard's answer to "may this agent attempt to
// connect right now".
type Decision struct {
	Allowed           bool
	Reason            string
	RetryAfterSeconds int
}

// CooldownGuard enforces the two-tier connect cooldown:
//
//   - a long failure cooldown after a non-retryable transport rejection
//     (durable conflict state), so a hard auth failure is not hammered;
//   - a short general cooldown between attempts of any outcome, so rapid
//     repeated clicks do not spam the transport.
//
// A manual disconnect (durable disconnected_at set) bypasses both tiers.
// The in-memory maps are read-through caches over the durable record, never
// an independent source of truth.
type CooldownGuard struct {
	store           *Store
	failureCooldown time.Duration
	generalCooldown time.Duration
	lastFailure     *ttlcache.Cache[string, time.Time]
	lastAttempt     *ttlcache.Cache[string, time.Time]
}

func NewCooldownGuard(store *Store, failureCooldown, generalCooldown time.Duration) *CooldownGuard {
	lastFailure := ttlcache.New(
		ttlcache.WithTTL[string, time.Time](failureCooldown),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	lastAttempt := ttlcache.New(
		ttlcache.WithTTL[string, time.Time](generalCooldown),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go lastFailure.Start()
	go lastAttempt.Start()

	return &CooldownGuard{
		store:           store,
		failureCooldown: failureCooldown,
		generalCooldown: generalCooldown,
		lastFailure:     lastFailure,
		lastAttempt:     lastAttempt,
	}
}

// Check runs the guard algorithm in order: manual-disconnect bypass, failure
// cooldown on durable conflict, then the general attempt cooldown.
func (g *CooldownGuard) Check(ctx context.Context, agentID string) (Decision, error) {
	record, err := g.store.Read(ctx, agentID)
	if err != nil {
		return Decision{}, fmt.Errorf("read session record: %w", err)
	}

	if record != nil && record.DisconnectedAt != nil {
		// Deliberate user action is never penalized. Clear any stale
		// in-memory failure so it cannot leak into a future error path.
		g.lastFailure.Delete(agentID)
		return Decision{Allowed: true}, nil
	}

	if record != nil && record.LifecycleState.Terminal() {
		failedAt := record.LastFailureAt
		if failedAt == nil {
			if item := g.lastFailure.Get(agentID); item != nil {
				t := item.Value()
				failedAt = &t
			}
		}
		if failedAt != nil {
			elapsed := time.Since(*failedAt)
			if elapsed < g.failureCooldown {
				remaining := g.failureCooldown - elapsed
				return Decision{
					Allowed:           false,
					Reason:            "previous connection failed; waiting out the failure cooldown",
					RetryAfterSeconds: ceilSeconds(remaining),
				}, nil
			}
		}
		log.Warn().
			Str("agentId", agentID).
			Msg("conflict cooldown elapsed without explicit clear, allowing connect")
		return Decision{Allowed: true}, nil
	}

	if item := g.lastAttempt.Get(agentID); item != nil {
		elapsed := time.Since(item.Value())
		if elapsed < g.generalCooldown {
			remaining := g.generalCooldown - elapsed
			return Decision{
				Allowed:           false,
				Reason:            "too many connection attempts; slow down",
				RetryAfterSeconds: ceilSeconds(remaining),
			}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// NoteAttempt records a connect attempt of any outcome for the general tier.
func (g *CooldownGuard) NoteAttempt(agentID string) {
	g.lastAttempt.Set(agentID, time.Now(), ttlcache.DefaultTTL)
}

// NoteFailure records a non-retryable failure for the failure tier.
func (g *CooldownGuard) NoteFailure(agentID string, at time.Time) {
	g.lastFailure.Set(agentID, at, ttlcache.DefaultTTL)
}

// Clear drops all in-memory cooldown state for the agent. Called on the
// manual disconnect path.
func (g *CooldownGuard) Clear(agentID string) {
	g.lastFailure.Delete(agentID)
	g.lastAttempt.Delete(agentID)
}

// Stop halts the cache expiry loops.
func (g *CooldownGuard) Stop() {
	g.lastFailure.Stop()
	g.lastAttempt.Stop()
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
