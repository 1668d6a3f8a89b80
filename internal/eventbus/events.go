package eventbus

import (
	"time"

	"cadence/internal/model"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	PostCreated        Kind = "post-created"
	PostUpdated        Kind = "post-updated"
	PostPublished      Kind = "post-published"
	PostRetryScheduled Kind = "post-retry-scheduled"
	PostFailed         Kind = "post-failed"
	PostDeleted        Kind = "post-deleted"
	AccountExpired     Kind = "account-expired"
)

// Kinds lists every event kind.
func Kinds() []Kind {
	return []Kind{PostCreated, PostUpdated, PostPublished, PostRetryScheduled, PostFailed, PostDeleted, AccountExpired}
}

// Event is an immutable envelope passed by value. Payload holds one of the
// typed payload structs below, matching Kind.
type Event struct {
	Kind     Kind      `json:"kind"`
	Time     time.Time `json:"time"`
	TenantID string    `json:"tenant_id"`
	Payload  any       `json:"payload"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind Kind, tenantID string, payload any) Event {
	return Event{Kind: kind, Time: time.Now().UTC(), TenantID: tenantID, Payload: payload}
}

// EntityID returns the id of the post or account the event is about.
func (e Event) EntityID() string {
	if p, ok := e.Payload.(interface{ entityID() string }); ok {
		return p.entityID()
	}
	return ""
}

// PayloadAs extracts the typed payload of e.
func PayloadAs[T any](e Event) (T, bool) {
	v, ok := e.Payload.(T)
	return v, ok
}

type PostCreatedPayload struct {
	PostID      string         `json:"post_id"`
	UserID      string         `json:"user_id"`
	TenantID    string         `json:"tenant_id"`
	Platform    model.Platform `json:"platform"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Status      model.Status   `json:"status"`
}

type PostUpdatedPayload struct {
	PostID string       `json:"post_id"`
	Status model.Status `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

type PostPublishedPayload struct {
	PostID         string         `json:"post_id"`
	Platform       model.Platform `json:"platform"`
	PlatformPostID string         `json:"platform_post_id"`
	URL            string         `json:"url,omitempty"`
}

type PostRetryScheduledPayload struct {
	PostID      string    `json:"post_id"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
	Error       string    `json:"error"`
}

type PostFailedPayload struct {
	PostID     string         `json:"post_id"`
	Platform   model.Platform `json:"platform"`
	Error      string         `json:"error"`
	RetryCount int            `json:"retry_count"`
}

type PostDeletedPayload struct {
	PostID   string         `json:"post_id"`
	Platform model.Platform `json:"platform"`
}

type AccountExpiredPayload struct {
	AccountID string         `json:"account_id"`
	Platform  model.Platform `json:"platform"`
	Error     string         `json:"error"`
}

func (p PostCreatedPayload) entityID() string        { return p.PostID }
func (p PostUpdatedPayload) entityID() string        { return p.PostID }
func (p PostPublishedPayload) entityID() string      { return p.PostID }
func (p PostRetryScheduledPayload) entityID() string { return p.PostID }
func (p PostFailedPayload) entityID() string         { return p.PostID }
func (p PostDeletedPayload) entityID() string        { return p.PostID }
func (p AccountExpiredPayload) entityID() string     { return p.AccountID }
