package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"threads-scheduler/internal/models"
	"threads-scheduler/internal/threads"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. It is the durable queue, the
// post history, and the account registry. Every mutation is a single
// autocommitted statement, so a crashed scheduler pass leaves rows in their
// last committed state.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ----- queue -----

const queueColumns = `id, account_id, status, text, media_url, media_type, scheduled_time,
	group_id, order_num, reply_to_id, retry_count, error_message, created_at, updated_at`

// ListQueue returns the full pending-post queue in insertion order.
// Status values normalize to their canonical form here; legacy localized
// aliases never reach the scheduler.
func (s *Store) ListQueue(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+queueColumns+` FROM queue_posts ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetQueueEntry fetches one entry by id.
func (s *Store) GetQueueEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_posts WHERE id = $1`, id)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, ErrNotFound
	}
	return entry, err
}

func scanQueueEntry(row pgx.Row) (models.QueueEntry, error) {
	var e models.QueueEntry
	var rawStatus string
	var scheduled pgtype.Timestamptz

	err := row.Scan(&e.ID, &e.AccountID, &rawStatus, &e.Text, &e.MediaURL, &e.MediaType, &scheduled,
		&e.GroupID, &e.OrderNum, &e.ReplyToID, &e.RetryCount, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return models.QueueEntry{}, err
	}

	if status, ok := models.NormalizeStatus(rawStatus); ok {
		e.Status = status
	} else {
		// Unknown statuses pass through raw; the scanner logs and skips them.
		e.Status = models.Status(rawStatus)
	}
	if scheduled.Valid {
		t := scheduled.Time
		e.ScheduledTime = &t
	}
	return e, nil
}

// AppendQueue inserts a new scheduled entry.
func (s *Store) AppendQueue(ctx context.Context, e models.QueueEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.AccountID == "" {
		e.AccountID = "default"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_posts (id, account_id, status, text, media_url, media_type, scheduled_time,
			group_id, order_num, reply_to_id, retry_count, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, e.ID, e.AccountID, string(e.Status), e.Text, e.MediaURL, e.MediaType, e.ScheduledTime,
		e.GroupID, e.OrderNum, e.ReplyToID, e.RetryCount, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// UpdateQueueStatus sets only the status column.
func (s *Store) UpdateQueueStatus(ctx context.Context, id string, status models.Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_posts SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	return err
}

// SetQueueError transitions an entry to error status with a message.
func (s *Store) SetQueueError(ctx context.Context, id string, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_posts SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1
	`, id, string(models.StatusError), message)
	return err
}

// ScheduleQueueRetry returns a failed entry to the pending pool at a later
// time, bumping its retry count and clearing the previous error.
func (s *Store) ScheduleQueueRetry(ctx context.Context, id string, retryCount int, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_posts
		SET status = $2, retry_count = $3, scheduled_time = $4, error_message = '', updated_at = NOW()
		WHERE id = $1
	`, id, string(models.StatusScheduled), retryCount, at)
	return err
}

// SetQueueReplyTo records the external id of the post this entry replied to.
func (s *Store) SetQueueReplyTo(ctx context.Context, id string, replyToID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_posts SET reply_to_id = $2, updated_at = NOW() WHERE id = $1
	`, id, replyToID)
	return err
}

// AssignQueueID backfills an id onto a row imported without one. At most one
// blank-id row can exist at a time (id is the primary key).
func (s *Store) AssignQueueID(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_posts SET id = $1, updated_at = NOW() WHERE id = ''
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateQueuePost edits a scheduled entry's content and time. Entries sitting
// in error status return to the pending pool with the error cleared.
func (s *Store) UpdateQueuePost(ctx context.Context, id, text, mediaURL, mediaType string, scheduledTime time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_posts
		SET text = $2, media_url = $3, media_type = $4, scheduled_time = $5,
			status = CASE WHEN status = 'error' THEN 'scheduled' ELSE status END,
			error_message = CASE WHEN status = 'error' THEN '' ELSE error_message END,
			updated_at = NOW()
		WHERE id = $1
	`, id, text, mediaURL, mediaType, scheduledTime)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteQueue removes an entry by id.
func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_posts WHERE id = $1`, id)
	return err
}

// ----- history -----

// AppendHistory records one published post.
func (s *Store) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO history_posts (id, account_id, text, media_url, posted_at, external_post_id,
			likes, replies, fetched_at, group_id, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.AccountID, e.Text, e.MediaURL, e.PostedAt, e.ExternalPostID,
		e.Likes, e.Replies, e.FetchedAt, e.GroupID, e.ReplyToID)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// ListHistory returns history rows, newest first. accountID filters when non-empty.
func (s *Store) ListHistory(ctx context.Context, accountID string) ([]models.HistoryEntry, error) {
	query := `SELECT id, account_id, text, media_url, posted_at, external_post_id,
		likes, replies, fetched_at, group_id, reply_to_id FROM history_posts`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY posted_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Text, &e.MediaURL, &e.PostedAt, &e.ExternalPostID,
			&e.Likes, &e.Replies, &e.FetchedAt, &e.GroupID, &e.ReplyToID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateHistoryInsights stores freshly fetched engagement counts.
func (s *Store) UpdateHistoryInsights(ctx context.Context, id string, likes, replies int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE history_posts SET likes = $2, replies = $3, fetched_at = NOW() WHERE id = $1
	`, id, likes, replies)
	return err
}

// ----- accounts -----

const accountColumns = `id, username, user_id, access_token, token_expires, active, created_at`

// ListAccounts returns all registered accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, account)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	var expires pgtype.Timestamptz
	err := row.Scan(&a.ID, &a.Username, &a.UserID, &a.AccessToken, &expires, &a.Active, &a.CreatedAt)
	if err != nil {
		return models.Account{}, err
	}
	if expires.Valid {
		t := expires.Time
		a.TokenExpires = &t
	}
	return a, nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	return account, err
}

// GetActiveAccount fetches the account posts publish as by default.
func (s *Store) GetActiveAccount(ctx context.Context) (models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active LIMIT 1`)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	return account, err
}

// SetActiveAccount marks one account active and deactivates the rest.
func (s *Store) SetActiveAccount(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `UPDATE accounts SET active = FALSE WHERE active`); err != nil {
		return fmt.Errorf("deactivate accounts: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE accounts SET active = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("activate account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// UpsertAccount inserts or refreshes an account keyed by its Threads user id.
// The first account registered becomes active.
func (s *Store) UpsertAccount(ctx context.Context, a models.Account) (models.Account, error) {
	if a.ID == "" {
		a.ID = "acc-" + uuid.New().String()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, username, user_id, access_token, token_expires, active, created_at)
		VALUES ($1, $2, $3, $4, $5, NOT EXISTS (SELECT 1 FROM accounts), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET username = EXCLUDED.username, access_token = EXCLUDED.access_token,
			token_expires = EXCLUDED.token_expires
		RETURNING `+accountColumns+`
	`, a.ID, a.Username, a.UserID, a.AccessToken, a.TokenExpires)
	return scanAccount(row)
}

// UpdateAccountToken stores a refreshed access token and expiry.
func (s *Store) UpdateAccountToken(ctx context.Context, id string, token string, expires time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET access_token = $2, token_expires = $3 WHERE id = $1
	`, id, token, expires)
	return err
}

// CredentialsFor resolves publishing credentials for a queue entry. Empty or
// "default" account ids resolve to the active account.
func (s *Store) CredentialsFor(ctx context.Context, accountID string) (threads.Credentials, error) {
	var account models.Account
	var err error
	if accountID == "" || accountID == "default" {
		account, err = s.GetActiveAccount(ctx)
	} else {
		account, err = s.GetAccount(ctx, accountID)
	}
	if err != nil {
		return threads.Credentials{}, err
	}
	if account.AccessToken == "" {
		return threads.Credentials{}, fmt.Errorf("account %s has no access token", account.ID)
	}
	return threads.Credentials{UserID: account.UserID, AccessToken: account.AccessToken}, nil
}

// ----- settings -----

// GetSetting returns a settings value, or "" when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetSetting stores a settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}
