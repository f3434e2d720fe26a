package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-server-go/internal/config"
	"github.com/openclaw/session-server-go/internal/model"
	"github.com/openclaw/session-server-go/internal/vault"
)

// Teardown step names, in execution order.
const (
	stepTransportLogout  = "transport_logout"
	stepCancelTimers     = "cancel_timers"
	stepCloseTransport   = "close_transport"
	stepClearOwnership   = "clear_ownership"
	stepReleaseHandle    = "release_handle"
	stepDeleteLocalCreds = "delete_local_credentials"
	stepWriteTerminal    = "write_terminal_state"
	stepVerify           = "verify"
)

// Coordinator executes the ordered, best-effort manual teardown. Every step
// is logged individually; a non-critical failure never aborts the sequence.
// Overall success is claimed only after re-reading the record and confirming
// the terminal write landed.
type Coordinator struct {
	store     *Store
	vault     *vault.Vault
	qr        *QRManager
	scheduler *Scheduler
	guard     *CooldownGuard
}

func NewCoordinator(store *Store, v *vault.Vault, qr *QRManager, scheduler *Scheduler, guard *CooldownGuard) *Coordinator {
	return &Coordinator{
		store:     store,
		vault:     v,
		qr:        qr,
		scheduler: scheduler,
		guard:     guard,
	}
}

// Run tears the session down. transport is nil when no live handle exists;
// alreadyDisconnected short-circuits the transport logout so repeated
// disconnects stay idempotent. release frees the in-memory handle and the
// per-agent guard and must be safe to call when neither exists.
func (c *Coordinator) Run(ctx context.Context, agentID string, transport Transport, alreadyDisconnected bool, release func()) *model.DisconnectReport {
	report := &model.DisconnectReport{
		AgentID:        agentID,
		StepsSucceeded: []string{},
		StepsFailed:    []string{},
	}
	record := func(step string, err error) {
		if err != nil {
			log.Warn().Err(err).Str("agentId", agentID).Str("step", step).Msg("disconnect step failed")
			report.StepsFailed = append(report.StepsFailed, step)
			return
		}
		log.Debug().Str("agentId", agentID).Str("step", step).Msg("disconnect step done")
		report.StepsSucceeded = append(report.StepsSucceeded, step)
	}

	// 1. Best-effort remote logout. Never performed twice for the same session.
	if transport != nil && !alreadyDisconnected {
		logoutCtx, cancel := context.WithTimeout(ctx, config.TransportCallTimeout)
		record(stepTransportLogout, transport.Logout(logoutCtx))
		cancel()
	}

	// 2. Cancel all per-agent timers: QR expiry, reconnect backoff, and any
	// in-memory cooldown bookkeeping. No retry may start once teardown began.
	c.qr.Cancel(ctx, agentID)
	c.scheduler.Cancel(agentID)
	c.guard.Clear(agentID)
	record(stepCancelTimers, nil)

	// 3. Close the socket and detach listeners.
	if transport != nil {
		record(stepCloseTransport, transport.Close())
	}

	// 4. First durable write of teardown: give up ownership.
	record(stepClearOwnership, c.store.ClearOwnership(ctx, agentID))

	// 5. Drop the in-memory handle and free the per-agent guard.
	release()
	record(stepReleaseHandle, nil)

	// 6. Local credential material. A failure here is retried opportunistically
	// by the next connect's freshness check.
	record(stepDeleteLocalCreds, c.vault.DeleteLocal(agentID))

	// 7. Terminal durable state, with the store's built-in write retry.
	now := time.Now()
	writeErr := c.store.MarkDisconnected(ctx, agentID, now)
	record(stepWriteTerminal, writeErr)

	// 8. Verify the terminal write actually landed.
	verifyErr := c.verify(ctx, agentID)
	record(stepVerify, verifyErr)

	report.Success = writeErr == nil && verifyErr == nil
	log.Info().
		Str("agentId", agentID).
		Bool("success", report.Success).
		Strs("stepsFailed", report.StepsFailed).
		Msg("manual disconnect finished")
	return report
}

func (c *Coordinator) verify(ctx context.Context, agentID string) error {
	record, err := c.store.Read(ctx, agentID)
	if err != nil {
		return fmt.Errorf("re-read record: %w", err)
	}
	if record == nil {
		return fmt.Errorf("record missing after teardown")
	}
	if record.LifecycleState != model.StateDisconnected {
		return fmt.Errorf("lifecycle state is %s, want disconnected", record.LifecycleState)
	}
	if record.HasCredentials() {
		return fmt.Errorf("encrypted credentials still present after teardown")
	}
	return nil
}
