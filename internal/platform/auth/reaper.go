package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SessionReaper periodically deletes expired sessions. Lookups already
// ignore them; the reaper only bounds table growth.
type SessionReaper struct {
	store    SessionStore
	interval time.Duration
	logger   zerolog.Logger
}

func NewSessionReaper(store SessionStore, interval time.Duration, logger zerolog.Logger) *SessionReaper {
	return &SessionReaper{
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "session_reaper").Logger(),
	}
}

// Run blocks until ctx is cancelled. A non-positive interval disables it.
func (r *SessionReaper) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.PruneOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("session purge failed")
			}
		}
	}
}

// PruneOnce removes every session that has already expired.
func (r *SessionReaper) PruneOnce(ctx context.Context) (int64, error) {
	n, err := r.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info().Int64("purged", n).Msg("expired sessions purged")
	}
	return n, nil
}
