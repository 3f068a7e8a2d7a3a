package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campuslib/ebook-delivery/internal/config"
)

// Sweeper removes or expires stale rows relative to its own clock.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type SessionSweeper interface {
	Sweeper
	PurgeTerminal(ctx context.Context, retention time.Duration) (int64, error)
}

// CleanupJob periodically drops expired cart entries and challenges, marks
// stale download sessions expired and purges old terminal sessions.
// Correctness does not depend on it; every read applies expiry lazily.
type CleanupJob struct {
	carts      Sweeper
	challenges Sweeper
	sessions   SessionSweeper
	retention  time.Duration
	interval   time.Duration
	done       chan struct{}
	stopOnce   sync.Once
}

func NewCleanupJob(
	carts Sweeper,
	challenges Sweeper,
	sessions SessionSweeper,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		carts:      carts,
		challenges: challenges,
		sessions:   sessions,
		retention:  retention,
		interval:   interval,
		done:       make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		log.Info().Msg("cleanup job stopped")
	})
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
	ctx, cancel := context.WithTimeout(context.Background(), config.CleanupJobTimeout)
	defer cancel()

	if j.carts != nil {
		j.runCleanup(ctx, "cart entries", j.carts.SweepExpired)
	}
	if j.challenges != nil {
		j.runCleanup(ctx, "otp challenges", j.challenges.SweepExpired)
	}
	if j.sessions != nil {
		j.runCleanup(ctx, "stale download sessions", j.sessions.SweepExpired)
		j.runCleanup(ctx, "terminal download sessions", func(ctx context.Context) (int64, error) {
			return j.sessions.PurgeTerminal(ctx, j.retention)
		})
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
