package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Job names.
const (
	JobRetention = "retention"
	JobBackup    = "backup"
)

// Cleaner removes conversation contexts older than a retention age.
type Cleaner interface {
	CleanupExpired(ctx context.Context, olderThan time.Duration) (int, error)
}

// Backuper snapshots memory banks.
type Backuper interface {
	Run(ctx context.Context) error
}

// AddRetention schedules retention cleanup of contexts older than maxAge.
func (s *Scheduler) AddRetention(spec string, cleaner Cleaner, maxAge time.Duration) error {
	return s.Add(JobRetention, spec, func(ctx context.Context) error {
		removed, err := cleaner.CleanupExpired(ctx, maxAge)
		if err != nil {
			return err
		}
		logEvent(s.logger, removed).Str("job", JobRetention).Int("removed", removed).Dur("max_age", maxAge).Msg("retention cleanup finished")
		return nil
	})
}

// AddBackup schedules a memory bank backup.
func (s *Scheduler) AddBackup(spec string, b Backuper) error {
	return s.Add(JobBackup, spec, b.Run)
}

func logEvent(logger zerolog.Logger, removed int) *zerolog.Event {
	if removed > 0 {
		return logger.Info()
	}
	return logger.Debug()
}
