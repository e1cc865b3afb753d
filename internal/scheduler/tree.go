package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"threads-scheduler/internal/logger"
	"threads-scheduler/internal/models"
	"threads-scheduler/internal/telemetry"
)

type groupResult struct {
	posted int
	err    error
}

// processGroup publishes an entire tree group as an ordered reply chain. The
// first member posts as a root, each later member replies to its predecessor's
// externally assigned id. A failure anywhere aborts the remaining members;
// already-published members stay deleted and recorded.
func (s *Scanner) processGroup(ctx context.Context, snapshot []models.QueueEntry, groupID string) groupResult {
	members := make([]models.QueueEntry, 0, s.cfg.TreePostLimit)
	for _, entry := range snapshot {
		if entry.GroupID != groupID {
			continue
		}
		if entry.Status == models.StatusPosted || entry.Status == models.StatusProcessing {
			continue
		}
		members = append(members, entry)
	}

	// Stable keeps the original snapshot order for duplicate order numbers.
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].OrderNum < members[j].OrderNum
	})

	if len(members) > s.cfg.TreePostLimit {
		// Rejected whole: no member reaches processing.
		return groupResult{err: fmt.Errorf("tree group has %d posts, limit is %d", len(members), s.cfg.TreePostLimit)}
	}
	if len(members) == 0 {
		return groupResult{err: fmt.Errorf("tree group has no pending posts")}
	}

	var postedIDs []string
	defer func() { s.deleteAll(ctx, postedIDs) }()

	lastPostID := ""
	for i, member := range members {
		replyTo := lastPostID

		if member.ID == "" {
			member.ID = uuid.New().String()
			if err := s.store.AssignQueueID(ctx, member.ID); err != nil {
				return groupResult{posted: i, err: fmt.Errorf("backfill member id: %w", err)}
			}
		}

		if err := s.store.UpdateQueueStatus(ctx, member.ID, models.StatusProcessing); err != nil {
			return groupResult{posted: i, err: fmt.Errorf("mark member %s processing: %w", member.ID, err)}
		}

		postID, err := s.publish(ctx, member, replyTo)
		if err != nil {
			logger.L().Errorf("tree member %s failed: %v", member.ID, err)
			if serr := s.store.SetQueueError(ctx, member.ID, err.Error()); serr != nil {
				logger.L().Errorf("mark member %s error: %v", member.ID, serr)
			}
			telemetry.PostsFailed.Inc()
			return groupResult{posted: i, err: err}
		}

		lastPostID = postID

		// The column records what this post replied to, not its own id.
		if err := s.store.SetQueueReplyTo(ctx, member.ID, replyTo); err != nil {
			logger.L().Errorf("record reply target for %s: %v", member.ID, err)
		}

		// Root members self-record through the publish client; replies are
		// recorded here where the chain context is known.
		if i > 0 {
			now := time.Now().UTC()
			entry := models.HistoryEntry{
				ID:             uuid.New().String(),
				AccountID:      member.AccountID,
				Text:           member.Text,
				MediaURL:       member.MediaURL,
				PostedAt:       now,
				ExternalPostID: postID,
				FetchedAt:      now,
				GroupID:        groupID,
				ReplyToID:      replyTo,
			}
			if err := s.store.AppendHistory(ctx, entry); err != nil {
				logger.L().Warnf("record history for tree member %s: %v", member.ID, err)
			}
		}

		if err := s.store.UpdateQueueStatus(ctx, member.ID, models.StatusPosted); err != nil {
			logger.L().Errorf("mark member %s posted: %v", member.ID, err)
		}
		postedIDs = append(postedIDs, member.ID)
		telemetry.PostsPublished.Inc()

		if i < len(members)-1 {
			if err := s.sleep(ctx, s.cfg.InterPostDelay); err != nil {
				return groupResult{posted: i + 1, err: err}
			}
		}
	}

	return groupResult{posted: len(members)}
}
