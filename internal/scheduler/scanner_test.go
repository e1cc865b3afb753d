package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threads-scheduler/internal/config"
	"threads-scheduler/internal/models"
	"threads-scheduler/internal/threads"
)

func newTestScanner(store *memStore, publisher *fakePublisher) *Scanner {
	s := NewScanner(config.Load(), store, staticAccounts{
		creds: threads.Credentials{UserID: "12345", AccessToken: "token"},
	}, publisher)
	s.sleep = noSleep
	return s
}

func TestPassPublishesDueStandalone(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(models.QueueEntry{
		ID:            "p1",
		Status:        models.StatusScheduled,
		Text:          "due post",
		ScheduledTime: timePtr(now.Add(-time.Minute)),
	})
	publisher := &fakePublisher{history: store}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	// Row deleted, history recorded with a non-empty external post id.
	_, exists := store.get("p1")
	assert.False(t, exists)
	require.Len(t, store.history, 1)
	assert.Equal(t, "due post", store.history[0].Text)
	assert.NotEmpty(t, store.history[0].ExternalPostID)
	require.Len(t, publisher.requests, 1)
	assert.Empty(t, publisher.requests[0].ReplyToID)
}

func TestPassLeavesFutureEntryUntouched(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(models.QueueEntry{
		ID:            "p1",
		Status:        models.StatusScheduled,
		Text:          "not yet",
		ScheduledTime: timePtr(now.Add(5 * time.Minute)),
	})
	publisher := &fakePublisher{history: store}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	entry, exists := store.get("p1")
	require.True(t, exists)
	assert.Equal(t, models.StatusScheduled, entry.Status)
	assert.Empty(t, publisher.requests)
}

func TestPassExpiresStaleEntry(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(models.QueueEntry{
		ID:            "p1",
		Status:        models.StatusScheduled,
		Text:          "abandoned",
		ScheduledTime: timePtr(now.Add(-3 * time.Hour)),
	})
	publisher := &fakePublisher{history: store}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	entry, _ := store.get("p1")
	assert.Equal(t, models.StatusExpired, entry.Status)
	assert.Empty(t, publisher.requests, "expired entries are never published")
}

func TestPassSkipsTerminalAndUnknownStatuses(t *testing.T) {
	now := time.Now()
	due := timePtr(now.Add(-time.Minute))
	store := &memStore{}
	store.add(
		models.QueueEntry{ID: "done", Status: models.StatusPosted, Text: "x", ScheduledTime: due},
		models.QueueEntry{ID: "flight", Status: models.StatusProcessing, Text: "x", ScheduledTime: due},
		models.QueueEntry{ID: "dead", Status: models.StatusError, Text: "x", ScheduledTime: due},
		models.QueueEntry{ID: "old", Status: models.StatusExpired, Text: "x", ScheduledTime: due},
		models.QueueEntry{ID: "weird", Status: "draft", Text: "x", ScheduledTime: due},
	)
	publisher := &fakePublisher{history: store}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	assert.Empty(t, publisher.requests)
	weird, _ := store.get("weird")
	assert.Equal(t, models.Status("draft"), weird.Status, "unknown statuses are left alone")
}

func TestPassRetryingStatusIsEligible(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(models.QueueEntry{
		ID:            "p1",
		Status:        models.StatusRetrying,
		Text:          "second chance",
		ScheduledTime: timePtr(now.Add(-time.Minute)),
	})
	publisher := &fakePublisher{history: store}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	require.Len(t, publisher.requests, 1)
	_, exists := store.get("p1")
	assert.False(t, exists)
}

func TestPassBackfillsMissingID(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(models.QueueEntry{
		Status:        models.StatusScheduled,
		Text:          "no id yet",
		ScheduledTime: timePtr(now.Add(-time.Minute)),
	})
	publisher := &fakePublisher{history: store}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	require.Len(t, publisher.requests, 1)
	require.Len(t, store.deletions, 1)
	assert.NotEmpty(t, store.deletions[0])
}

func TestPassSkipsBlankAndTimelessEntries(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(
		models.QueueEntry{}, // fully blank row
		models.QueueEntry{ID: "p1", Status: models.StatusScheduled, Text: "no time"},
	)
	publisher := &fakePublisher{history: store}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	assert.Empty(t, publisher.requests)
	entry, _ := store.get("p1")
	assert.Equal(t, models.StatusScheduled, entry.Status)
}

func TestStandaloneProviderErrorIsTerminal(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(models.QueueEntry{
		ID:            "p1",
		Status:        models.StatusScheduled,
		Text:          "rejected",
		ScheduledTime: timePtr(now.Add(-time.Minute)),
	})
	publisher := &fakePublisher{
		history: store,
		respond: func(int, threads.PublishRequest) (string, error) {
			return "", &threads.APIError{Message: "Invalid media URL"}
		},
	}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	entry, _ := store.get("p1")
	assert.Equal(t, models.StatusError, entry.Status)
	assert.Equal(t, "Invalid media URL", entry.ErrorMessage)
	assert.Zero(t, entry.RetryCount, "provider errors do not consume retries")
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(models.QueueEntry{
		ID:            "p1",
		Status:        models.StatusScheduled,
		Text:          "flaky",
		ScheduledTime: timePtr(now.Add(-time.Minute)),
		ErrorMessage:  "old failure",
	})
	publisher := &fakePublisher{
		history: store,
		respond: func(int, threads.PublishRequest) (string, error) {
			return "", errors.New("connection reset")
		},
	}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	entry, _ := store.get("p1")
	assert.Equal(t, models.StatusScheduled, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Empty(t, entry.ErrorMessage, "retry clears the previous error")
	require.NotNil(t, entry.ScheduledTime)
	assert.WithinDuration(t, now.Add(5*time.Minute), *entry.ScheduledTime, time.Second)
}

func TestRetryCeilingEndsInError(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(models.QueueEntry{
		ID:            "p1",
		Status:        models.StatusScheduled,
		Text:          "always failing",
		ScheduledTime: timePtr(now.Add(-time.Minute)),
	})
	publisher := &fakePublisher{
		history: store,
		respond: func(int, threads.PublishRequest) (string, error) {
			return "", errors.New("boom")
		},
	}
	scanner := newTestScanner(store, publisher)

	// Four consecutive failing attempts: three retries, then terminal error.
	for attempt := 0; attempt < 4; attempt++ {
		entry, _ := store.get("p1")
		passTime := now
		if entry.ScheduledTime != nil {
			passTime = entry.ScheduledTime.Add(time.Minute)
		}
		require.NoError(t, scanner.Pass(context.Background(), passTime))
	}

	entry, _ := store.get("p1")
	assert.Equal(t, models.StatusError, entry.Status)
	assert.Equal(t, 3, entry.RetryCount, "retry count never exceeds the ceiling")
	assert.Contains(t, entry.ErrorMessage, "retry limit")
	assert.Len(t, publisher.requests, 4)
}

func TestDeletionsRunInReverseSnapshotOrder(t *testing.T) {
	now := time.Now()
	due := timePtr(now.Add(-time.Minute))
	store := &memStore{}
	store.add(
		models.QueueEntry{ID: "first", Status: models.StatusScheduled, Text: "a", ScheduledTime: due},
		models.QueueEntry{ID: "second", Status: models.StatusScheduled, Text: "b", ScheduledTime: due},
		models.QueueEntry{ID: "third", Status: models.StatusScheduled, Text: "c", ScheduledTime: due},
	)
	publisher := &fakePublisher{history: store}

	scanner := newTestScanner(store, publisher)
	require.NoError(t, scanner.Pass(context.Background(), now))

	assert.Equal(t, []string{"third", "second", "first"}, store.deletions)
}

func TestCredentialFailureCountsAsTransient(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	store.add(models.QueueEntry{
		ID:            "p1",
		Status:        models.StatusScheduled,
		Text:          "orphan",
		ScheduledTime: timePtr(now.Add(-time.Minute)),
	})
	publisher := &fakePublisher{history: store}

	s := NewScanner(config.Load(), store, staticAccounts{err: errors.New("no active account")}, publisher)
	s.sleep = noSleep
	require.NoError(t, s.Pass(context.Background(), now))

	entry, _ := store.get("p1")
	assert.Equal(t, models.StatusScheduled, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Empty(t, publisher.requests)
}
