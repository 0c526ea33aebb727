package activity

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Syncer pushes pending log entries in the background.
type Syncer struct {
	log      zerolog.Logger
	logs     *Log
	uploader Uploader
	interval time.Duration
	counter  SyncCounter
}

// SyncCounter counts uploaded entries.
type SyncCounter interface {
	AddLogsSynced(n int)
}

func NewSyncer(log zerolog.Logger, logs *Log, uploader Uploader, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Syncer{log: log, logs: logs, uploader: uploader, interval: interval}
}

// WithCounter reports every successful upload to c.
func (s *Syncer) WithCounter(c SyncCounter) *Syncer {
	s.counter = c
	return s
}

// Run blocks until ctx is done. After a failed upload the next attempt is
// delayed exponentially, capped at ten intervals.
func (s *Syncer) Run(ctx context.Context) {
	if s == nil || s.uploader == nil {
		return
	}

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := s.logs.Sync(ctx, s.uploader)
		if err != nil {
			consecutiveFailures++
			s.log.Warn().Err(err).Int("failures", consecutiveFailures).Msg("activity log sync failed")
		} else {
			consecutiveFailures = 0
			if n > 0 && s.counter != nil {
				s.counter.AddLogsSynced(n)
			}
			if n > 0 {
				s.log.Info().Int("synced", n).Msg("activity log synced")
			}
		}

		timer.Reset(backoffDuration(s.interval, consecutiveFailures))
	}
}

func backoffDuration(base time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	if failures > 6 {
		failures = 6
	}
	d := base * time.Duration(1<<failures)
	if limit := 10 * base; d > limit {
		return limit
	}
	return d
}
