package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"threads-scheduler/internal/models"
	"threads-scheduler/internal/threads"
)

// memStore is an in-memory QueueStore/AccountStore used to drive the scanner
// in tests. Mutations apply in place so multi-pass scenarios observe the
// committed state of earlier passes.
type memStore struct {
	mu      sync.Mutex
	entries []*models.QueueEntry
	history []models.HistoryEntry

	accounts []models.Account

	deletions []string
	listErr   error
}

func (m *memStore) add(entries ...models.QueueEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range entries {
		e := entries[i]
		m.entries = append(m.entries, &e)
	}
}

func (m *memStore) find(id string) *models.QueueEntry {
	for _, e := range m.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *memStore) get(id string) (models.QueueEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(id); e != nil {
		return *e, true
	}
	return models.QueueEntry{}, false
}

func (m *memStore) ListQueue(context.Context) ([]models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]models.QueueEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out, nil
}

func (m *memStore) UpdateQueueStatus(_ context.Context, id string, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	if e == nil {
		return fmt.Errorf("entry %s not found", id)
	}
	e.Status = status
	return nil
}

func (m *memStore) SetQueueError(_ context.Context, id string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	if e == nil {
		return fmt.Errorf("entry %s not found", id)
	}
	e.Status = models.StatusError
	e.ErrorMessage = message
	return nil
}

func (m *memStore) ScheduleQueueRetry(_ context.Context, id string, retryCount int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	if e == nil {
		return fmt.Errorf("entry %s not found", id)
	}
	e.Status = models.StatusScheduled
	e.RetryCount = retryCount
	e.ScheduledTime = &at
	e.ErrorMessage = ""
	return nil
}

func (m *memStore) SetQueueReplyTo(_ context.Context, id string, replyToID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	if e == nil {
		return fmt.Errorf("entry %s not found", id)
	}
	e.ReplyToID = replyToID
	return nil
}

func (m *memStore) AssignQueueID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == "" {
			e.ID = id
			return nil
		}
	}
	return fmt.Errorf("no blank-id entry to backfill")
}

func (m *memStore) DeleteQueue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			m.deletions = append(m.deletions, id)
			return nil
		}
	}
	return fmt.Errorf("entry %s not found", id)
}

func (m *memStore) AppendHistory(_ context.Context, entry models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	return nil
}

func (m *memStore) ListAccounts(context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Account(nil), m.accounts...), nil
}

func (m *memStore) UpdateAccountToken(_ context.Context, id string, token string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.accounts {
		if m.accounts[i].ID == id {
			m.accounts[i].AccessToken = token
			m.accounts[i].TokenExpires = &expires
			return nil
		}
	}
	return fmt.Errorf("account %s not found", id)
}

// staticAccounts resolves every account id to the same credentials.
type staticAccounts struct {
	creds threads.Credentials
	err   error
}

func (a staticAccounts) CredentialsFor(context.Context, string) (threads.Credentials, error) {
	return a.creds, a.err
}

// fakePublisher records publish requests and replays scripted results. Like
// the real client it appends a history entry for successful root posts.
type fakePublisher struct {
	mu       sync.Mutex
	requests []threads.PublishRequest
	history  *memStore

	// respond decides the outcome per call; when nil every call succeeds.
	respond func(call int, req threads.PublishRequest) (string, error)
	calls   int
}

func (p *fakePublisher) Publish(ctx context.Context, _ threads.Credentials, req threads.PublishRequest) (string, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := p.calls
	p.calls++
	respond := p.respond
	p.mu.Unlock()

	var postID string
	var err error
	if respond != nil {
		postID, err = respond(call, req)
	} else {
		postID = fmt.Sprintf("ext-%d", call+1)
	}
	if err != nil {
		return "", err
	}

	if req.ReplyToID == "" && p.history != nil {
		now := time.Now().UTC()
		_ = p.history.AppendHistory(ctx, models.HistoryEntry{
			ID:             fmt.Sprintf("hist-%d", call+1),
			AccountID:      req.AccountID,
			Text:           req.Text,
			MediaURL:       req.MediaURL,
			PostedAt:       now,
			ExternalPostID: postID,
			FetchedAt:      now,
		})
	}
	return postID, nil
}

// fakeLocker scripts lock acquisition for runner tests.
type fakeLocker struct {
	acquired bool
	err      error
	releases int
}

func (l *fakeLocker) TryAcquire(context.Context, time.Duration) (bool, error) {
	return l.acquired, l.err
}

func (l *fakeLocker) Release(context.Context) error {
	l.releases++
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func timePtr(t time.Time) *time.Time { return &t }
