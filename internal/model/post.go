package model

import "time"

type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusPending         Status = "pending"
	StatusScheduled       Status = "scheduled"
	StatusProcessing      Status = "processing"
	StatusRejected        Status = "rejected"
	StatusPublished       Status = "published"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further automatic transition leaves s.
// A failed post with a pending retry is not terminal; callers check NextRetryAt.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusPublished, StatusCancelled:
		return true
	}
	return false
}

type EvergreenStatus string

const (
	EvergreenActive  EvergreenStatus = "active"
	EvergreenPaused  EvergreenStatus = "paused"
	EvergreenStopped EvergreenStatus = "stopped"
)

func (s EvergreenStatus) Valid() bool {
	switch s {
	case EvergreenActive, EvergreenPaused, EvergreenStopped:
		return true
	}
	return false
}

type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line of a post's append-only history.
type LogEntry struct {
	At      time.Time `json:"at"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// Post is the unit of schedulable work.
type Post struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	UserID    string   `json:"user_id"`
	Platform  Platform `json:"platform"`
	AccountID string   `json:"account_id"`

	Content   string   `json:"content"`
	MediaURLs []string `json:"media_urls,omitempty"`

	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	PlatformPostID string `json:"platform_post_id,omitempty"`
	PlatformURL    string `json:"platform_url,omitempty"`

	IsEvergreen       bool            `json:"is_evergreen"`
	EvergreenInterval int             `json:"evergreen_interval,omitempty"` // days
	EvergreenStatus   EvergreenStatus `json:"evergreen_status,omitempty"`
	SourcePostID      string          `json:"source_post_id,omitempty"`

	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Logs []LogEntry `json:"logs,omitempty"`
}

// RetryBudgetLeft reports whether another attempt may still be scheduled.
func (p *Post) RetryBudgetLeft() bool { return p.RetryCount < p.MaxRetries }

// Recyclable reports whether a successful publish should schedule a clone.
func (p *Post) Recyclable() bool {
	return p.IsEvergreen && p.EvergreenStatus == EvergreenActive && p.EvergreenInterval > 0
}
