package scheduler

import (
	"context"
	"fmt"
	"time"

	"threads-scheduler/internal/logger"
	"threads-scheduler/internal/models"
	"threads-scheduler/internal/telemetry"
)

// applyRetryPolicy handles an unexpected (non-provider) failure for a
// standalone post. Below the retry ceiling the entry re-enters the pending
// pool a few minutes out with its error cleared; at the ceiling it terminates
// in error status. Declared provider errors never reach this path.
func (s *Scanner) applyRetryPolicy(ctx context.Context, entry models.QueueEntry, cause error, now time.Time) {
	if entry.RetryCount < s.cfg.MaxRetries {
		retryAt := now.Add(s.cfg.RetryDelay)
		logger.L().Warnf("publish %s failed (%v), retry %d/%d at %s",
			entry.ID, cause, entry.RetryCount+1, s.cfg.MaxRetries, retryAt.Format(time.RFC3339))
		if err := s.store.ScheduleQueueRetry(ctx, entry.ID, entry.RetryCount+1, retryAt); err != nil {
			logger.L().Errorf("schedule retry for %s: %v", entry.ID, err)
		}
		telemetry.PostsRetried.Inc()
		return
	}

	msg := fmt.Sprintf("retry limit (%d) exceeded: %v", s.cfg.MaxRetries, cause)
	logger.L().Errorf("publish %s: %s", entry.ID, msg)
	if err := s.store.SetQueueError(ctx, entry.ID, msg); err != nil {
		logger.L().Errorf("mark entry %s error: %v", entry.ID, err)
	}
	telemetry.PostsFailed.Inc()
}
