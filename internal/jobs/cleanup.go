package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-server-go/internal/repository"
)

// CleanupJob sweeps sessions stuck in qr_pending past the QR token lifetime.
// That happens when an instance dies between issuing a token and hearing the
// scan result; the durable row would otherwise claim a pending attempt forever.
type CleanupJob struct {
	sessionRepo repository.SessionRepository
	qrTTL       time.Duration
	interval    time.Duration
	done        chan struct{}
}

func NewCleanupJob(
	sessionRepo repository.SessionRepository,
	qrTTL time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sessionRepo: sessionRepo,
		qrTTL:       qrTTL,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Grace window of two token lifetimes before declaring the attempt dead.
	cutoff := time.Now().Add(-2 * j.qrTTL)
	j.runCleanup(ctx, "stale qr sessions", func(ctx context.Context) (int64, error) {
		return j.sessionRepo.ExpireStaleQRPending(ctx, cutoff)
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
