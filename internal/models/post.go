package models

import (
	"strings"
	"time"
)

// Status is the closed set of queue entry lifecycle states persisted in Postgres.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusRetrying   Status = "retrying"
	StatusProcessing Status = "processing"
	StatusPosted     Status = "posted"
	StatusError      Status = "error"
	StatusExpired    Status = "expired"
)

// statusAliases maps legacy localized status strings, accepted on import,
// onto the canonical values. Internal logic only ever sees canonical statuses.
var statusAliases = map[string]Status{
	"scheduled":  StatusScheduled,
	"予約済み":       StatusScheduled,
	"retrying":   StatusRetrying,
	"再試行中":       StatusRetrying,
	"processing": StatusProcessing,
	"posted":     StatusPosted,
	"投稿完了":       StatusPosted,
	"error":      StatusError,
	"エラー":        StatusError,
	"expired":    StatusExpired,
}

// NormalizeStatus resolves a raw status cell to a canonical Status.
// The boolean reports whether the value was recognized.
func NormalizeStatus(raw string) (Status, bool) {
	s, ok := statusAliases[strings.TrimSpace(raw)]
	return s, ok
}

// Pending reports whether the status makes an entry eligible for a publish attempt.
func (s Status) Pending() bool {
	return s == StatusScheduled || s == StatusRetrying
}

// Terminal reports whether the status requires no action from the scanner.
func (s Status) Terminal() bool {
	switch s {
	case StatusPosted, StatusProcessing, StatusError, StatusExpired:
		return true
	}
	return false
}

// MediaType values accepted by the Threads container API.
const (
	MediaTypeText  = "TEXT"
	MediaTypeImage = "IMAGE"
	MediaTypeVideo = "VIDEO"
)

// QueueEntry is a pending scheduled post. Entries in a tree group share a
// GroupID and publish in OrderNum order as a reply chain.
type QueueEntry struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	Status        Status     `json:"status"`
	Text          string     `json:"text"`
	MediaURL      string     `json:"media_url,omitempty"`
	MediaType     string     `json:"media_type,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time"`
	GroupID       string     `json:"group_id,omitempty"`
	OrderNum      int        `json:"order_num,omitempty"`
	ReplyToID     string     `json:"reply_to_id,omitempty"`
	RetryCount    int        `json:"retry_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HistoryEntry records one successfully published post, root or reply.
type HistoryEntry struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Text           string    `json:"text"`
	MediaURL       string    `json:"media_url,omitempty"`
	PostedAt       time.Time `json:"posted_at"`
	ExternalPostID string    `json:"external_post_id"`
	Likes          int       `json:"likes"`
	Replies        int       `json:"replies"`
	FetchedAt      time.Time `json:"fetched_at"`
	GroupID        string    `json:"group_id,omitempty"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
}

// Account holds Threads credentials for one authorized profile.
type Account struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	UserID       string     `json:"user_id"`
	AccessToken  string     `json:"-"`
	TokenExpires *time.Time `json:"token_expires,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
}

// TokenWarning describes an account whose token is expired or expiring soon.
type TokenWarning struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	DaysLeft  int    `json:"days_left"`
	Level     string `json:"level"` // expired, critical, warning
	Message   string `json:"message"`
}
