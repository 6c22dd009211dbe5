package store

import (
	"context"
	"time"

	"github.com/adred-codev/wsrpc/internal/monitoring"
)

// Janitor runs retention on a timer: every tick it walks all registered
// topics and prunes each per its policy. One topic's failure is logged and
// does not stop the sweep.
type Janitor struct {
	store    *Store
	interval time.Duration
}

func NewJanitor(s *Store, interval time.Duration) *Janitor {
	return &Janitor{store: s, interval: interval}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one retention pass over all topics.
func (j *Janitor) Sweep() {
	topics, err := j.store.Topics()
	if err != nil {
		j.store.logger.Error().Err(err).Msg("Retention sweep could not list topics")
		return
	}

	for _, t := range topics {
		deleted, err := j.store.DeleteOld(t)
		if err != nil {
			j.store.logger.Error().
				Err(err).
				Str("topic", t).
				Msg("Retention failed for topic")
			continue
		}
		if deleted > 0 {
			monitoring.RetentionDeletes.Add(float64(deleted))
			j.store.logger.Debug().
				Str("topic", t).
				Int("deleted", deleted).
				Msg("Retention pruned messages")
		}
	}
}
