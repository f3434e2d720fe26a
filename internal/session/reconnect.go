package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-server-go/internal/backoff"
)

// DisconnectClass classifies a transport disconnect.
type DisconnectClass int

const (
	// ClassRetryable means a reconnect timer was scheduled.
	ClassRetryable DisconnectClass = iota
	// ClassTerminal means the status code is non-retryable; the session is done.
	ClassTerminal
	// ClassExhausted means the retry budget ran out; manual intervention required.
	ClassExhausted
)

type retryState struct {
	attempt int
	timer   *time.Timer
}

// Scheduler decides, per transport status code, whether a disconnect is
// retried automatically and with what delay. Delays follow the shared
// exponential backoff policy; a successful reconnect resets the counter.
type Scheduler struct {
	policy       backoff.Policy
	nonRetryable map[int]bool
	redial       func(agentID string)

	mu     sync.Mutex
	states map[string]*retryState
}

func NewScheduler(policy backoff.Policy, nonRetryable map[int]bool) *Scheduler {
	return &Scheduler{
		policy:       policy,
		nonRetryable: nonRetryable,
		states:       make(map[string]*retryState),
	}
}

// SetRedialFunc wires the callback invoked when a backoff timer fires.
// Must be set before OnDisconnect is called.
func (s *Scheduler) SetRedialFunc(fn func(agentID string)) {
	s.redial = fn
}

// OnDisconnect classifies the status code and, for retryable codes, schedules
// the next attempt. The returned delay is meaningful only for ClassRetryable.
func (s *Scheduler) OnDisconnect(agentID string, statusCode int) (DisconnectClass, time.Duration) {
	if s.nonRetryable[statusCode] {
		s.Cancel(agentID)
		log.Warn().
			Str("agentId", agentID).
			Int("statusCode", statusCode).
			Msg("non-retryable disconnect, not scheduling reconnect")
		return ClassTerminal, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[agentID]
	if !ok {
		state = &retryState{}
		s.states[agentID] = state
	}
	state.attempt++

	if s.policy.Exhausted(state.attempt) {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(s.states, agentID)
		log.Error().
			Str("agentId", agentID).
			Int("attempts", state.attempt-1).
			Msg("reconnect attempts exhausted")
		return ClassExhausted, 0
	}

	delay := s.policy.Delay(state.attempt)
	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = time.AfterFunc(delay, func() { s.fire(agentID) })

	log.Info().
		Str("agentId", agentID).
		Int("statusCode", statusCode).
		Int("attempt", state.attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
	return ClassRetryable, delay
}

// Reset clears the attempt counter and any pending timer after a successful
// reconnection.
func (s *Scheduler) Reset(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[agentID]; ok {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(s.states, agentID)
	}
}

// Cancel stops any pending reconnect for the agent. Called by the Disconnect
// Coordinator so a manual disconnect can never race a scheduled retry.
func (s *Scheduler) Cancel(agentID string) {
	s.Reset(agentID)
}

// Attempts reports the current attempt counter, for logging and tests.
func (s *Scheduler) Attempts(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[agentID]; ok {
		return state.attempt
	}
	return 0
}

// Stop cancels every pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for agentID, state := range s.states {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(s.states, agentID)
	}
}

func (s *Scheduler) fire(agentID string) {
	s.mu.Lock()
	state, ok := s.states[agentID]
	if ok {
		state.timer = nil
	}
	s.mu.Unlock()
	if !ok {
		// Cancelled between the timer firing and the lock.
		return
	}
	if s.redial != nil {
		s.redial(agentID)
	}
}
