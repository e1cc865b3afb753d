package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"threads-scheduler/internal/config"
	"threads-scheduler/internal/logger"
	"threads-scheduler/internal/models"
	"threads-scheduler/internal/telemetry"
	"threads-scheduler/internal/threads"
)

// QueueStore is the persistence surface the scanner needs. All mutations are
// keyed by the entry's stable id and commit synchronously, so a crashed pass
// leaves rows in a well-defined state rather than silently reverted.
type QueueStore interface {
	ListQueue(ctx context.Context) ([]models.QueueEntry, error)
	UpdateQueueStatus(ctx context.Context, id string, status models.Status) error
	SetQueueError(ctx context.Context, id string, message string) error
	ScheduleQueueRetry(ctx context.Context, id string, retryCount int, at time.Time) error
	SetQueueReplyTo(ctx context.Context, id string, replyToID string) error
	AssignQueueID(ctx context.Context, id string) error
	DeleteQueue(ctx context.Context, id string) error
	AppendHistory(ctx context.Context, entry models.HistoryEntry) error
}

// AccountSource resolves publishing credentials for a queue entry's account.
// An empty account id resolves to the active account.
type AccountSource interface {
	CredentialsFor(ctx context.Context, accountID string) (threads.Credentials, error)
}

// Publisher runs the container/publish protocol for a single post.
type Publisher interface {
	Publish(ctx context.Context, creds threads.Credentials, req threads.PublishRequest) (string, error)
}

// Scanner performs one pass over the pending-post queue: it classifies every
// entry by status and due time, publishes standalone posts directly, and
// delegates tree groups to the group resolver. Processing is strictly
// sequential; reply ordering and the provider's rate limits both depend on it.
type Scanner struct {
	cfg       config.Config
	store     QueueStore
	accounts  AccountSource
	publisher Publisher

	// sleep is replaced in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScanner wires a scanner over its collaborators.
func NewScanner(cfg config.Config, store QueueStore, accounts AccountSource, publisher Publisher) *Scanner {
	return &Scanner{
		cfg:       cfg,
		store:     store,
		accounts:  accounts,
		publisher: publisher,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pass takes one queue snapshot and processes every due entry. Rows published
// during the pass are deleted at the end, latest snapshot position first, so
// earlier deletions never disturb later ones.
func (s *Scanner) Pass(ctx context.Context, now time.Time) error {
	snapshot, err := s.store.ListQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}
	telemetry.QueueDepthGauge.Set(float64(len(snapshot)))

	processedGroups := make(map[string]bool)
	var toDelete []string

	for _, entry := range snapshot {
		if entry.ID == "" && entry.Text == "" {
			continue
		}
		if entry.Status.Terminal() {
			continue
		}
		if !entry.Status.Pending() {
			logger.L().Warnf("skipping entry %q with unrecognized status %q", entry.ID, entry.Status)
			continue
		}

		if entry.ID == "" {
			entry.ID = uuid.New().String()
			if err := s.store.AssignQueueID(ctx, entry.ID); err != nil {
				logger.L().Warnf("backfill id for blank entry: %v", err)
				continue
			}
		}

		if entry.ScheduledTime == nil {
			logger.L().Warnf("entry %s has no scheduled time, skipping", entry.ID)
			continue
		}
		scheduled := *entry.ScheduledTime
		if scheduled.After(now) {
			continue
		}
		if now.Sub(scheduled) > s.cfg.StalenessWindow {
			logger.L().Infof("entry %s overdue by more than %s, expiring", entry.ID, s.cfg.StalenessWindow)
			if err := s.store.UpdateQueueStatus(ctx, entry.ID, models.StatusExpired); err != nil {
				logger.L().Errorf("mark entry %s expired: %v", entry.ID, err)
			}
			telemetry.PostsExpired.Inc()
			continue
		}

		if entry.GroupID != "" {
			if processedGroups[entry.GroupID] {
				continue
			}
			processedGroups[entry.GroupID] = true
			result := s.processGroup(ctx, snapshot, entry.GroupID)
			if result.err != nil {
				logger.L().Errorf("tree group %s: %v (posted %d)", entry.GroupID, result.err, result.posted)
			} else {
				logger.L().Infof("tree group %s published, %d posts", entry.GroupID, result.posted)
			}
			continue
		}

		s.processStandalone(ctx, entry, now, &toDelete)

		if err := s.sleep(ctx, s.cfg.InterPostDelay); err != nil {
			return err
		}
	}

	s.deleteAll(ctx, toDelete)
	return nil
}

// processStandalone publishes a single non-tree entry. The processing status
// commits before the publish attempt so an overlapping observer sees the entry
// as in flight.
func (s *Scanner) processStandalone(ctx context.Context, entry models.QueueEntry, now time.Time, toDelete *[]string) {
	if err := s.store.UpdateQueueStatus(ctx, entry.ID, models.StatusProcessing); err != nil {
		logger.L().Errorf("mark entry %s processing: %v", entry.ID, err)
		return
	}

	postID, err := s.publish(ctx, entry, "")
	if err == nil {
		logger.L().Infof("published post %s as %s", entry.ID, postID)
		if err := s.store.UpdateQueueStatus(ctx, entry.ID, models.StatusPosted); err != nil {
			logger.L().Errorf("mark entry %s posted: %v", entry.ID, err)
		}
		*toDelete = append(*toDelete, entry.ID)
		telemetry.PostsPublished.Inc()
		return
	}

	var apiErr *threads.APIError
	if errors.As(err, &apiErr) {
		// A declared provider error is terminal for standalone posts.
		logger.L().Errorf("publish %s rejected by provider: %v", entry.ID, apiErr)
		if err := s.store.SetQueueError(ctx, entry.ID, apiErr.Message); err != nil {
			logger.L().Errorf("mark entry %s error: %v", entry.ID, err)
		}
		telemetry.PostsFailed.Inc()
		return
	}

	s.applyRetryPolicy(ctx, entry, err, now)
}

// publish resolves credentials and runs the publish protocol. Tree replies
// pass the predecessor's external post id.
func (s *Scanner) publish(ctx context.Context, entry models.QueueEntry, replyToID string) (string, error) {
	creds, err := s.accounts.CredentialsFor(ctx, entry.AccountID)
	if err != nil {
		return "", fmt.Errorf("resolve account %q: %w", entry.AccountID, err)
	}
	return s.publisher.Publish(ctx, creds, threads.PublishRequest{
		AccountID: entry.AccountID,
		Text:      entry.Text,
		MediaURL:  entry.MediaURL,
		MediaType: entry.MediaType,
		ReplyToID: replyToID,
	})
}

// deleteAll removes published rows, last snapshot position first.
func (s *Scanner) deleteAll(ctx context.Context, ids []string) {
	for i := len(ids) - 1; i >= 0; i-- {
		if err := s.store.DeleteQueue(ctx, ids[i]); err != nil {
			logger.L().Errorf("delete queue entry %s: %v", ids[i], err)
		}
	}
}
