package storage

import (
	"context"
	"errors"
	"time"

	"cadence/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrNotClaimed means the post is no longer processing, so the caller lost
	// ownership (for example it was reclaimed after its lease expired).
	ErrNotClaimed = errors.New("storage: post not claimed")
	// ErrConflict means a conditional transition found an unexpected status.
	ErrConflict = errors.New("storage: status conflict")
)

// Config configures storage. Only "sqlite" is supported.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Attempt is the outcome of one processing attempt, written by the claimant.
type Attempt struct {
	At             time.Time
	Status         model.Status
	RetryCount     int
	NextRetryAt    *time.Time
	Error          string
	PlatformPostID string
	PlatformURL    string
	// ScheduledAt, when set, moves the post's due time (async maturation).
	ScheduledAt *time.Time
	Logs        []model.LogEntry
}

// Reclaimed describes a post whose processing lease expired.
type Reclaimed struct {
	PostID      string
	TenantID    string
	Platform    model.Platform
	RetryCount  int
	NextRetryAt *time.Time // nil when the retry budget is exhausted
}

type PostFilter struct {
	TenantID string
	Status   model.Status
	SourceID string
	Limit    int
}

// UsageSeed provides limits for usage rows created on first use.
type UsageSeed struct {
	GlobalLimit int64
	TenantLimit int64
}

type PostStore interface {
	CreatePost(ctx context.Context, p *model.Post) error
	GetPost(ctx context.Context, id string) (*model.Post, error)
	ListPosts(ctx context.Context, f PostFilter) ([]model.Post, error)
	DuePostIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	ClaimPost(ctx context.Context, id string, now time.Time) (bool, error)
	FinishAttempt(ctx context.Context, id string, a Attempt) error
	TransitionPost(ctx context.Context, tenantID, id string, from []model.Status, to model.Status, entry model.LogEntry) (*model.Post, error)
	DeletePost(ctx context.Context, tenantID, id string) (*model.Post, error)
	SetEvergreenStatus(ctx context.Context, tenantID, id string, status model.EvergreenStatus) error
	ReclaimStale(ctx context.Context, cutoff, now time.Time) ([]Reclaimed, error)
	AppendPostLogs(ctx context.Context, id string, entries ...model.LogEntry) error
}

type AccountStore interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error
}

type RuleStore interface {
	CreateRule(ctx context.Context, r *model.Rule) error
	ActiveRules(ctx context.Context, tenantID string, trigger model.Trigger) ([]model.Rule, error)
}

type RecordStore interface {
	AppendAudit(ctx context.Context, r model.AuditRecord) error
	ListAudit(ctx context.Context, tenantID string, limit int) ([]model.AuditRecord, error)
	CreateNotification(ctx context.Context, n model.Notification) error
	ListNotifications(ctx context.Context, tenantID string, limit int) ([]model.Notification, error)
}

type UsageStore interface {
	LoadUsage(ctx context.Context, tenantID string, metric model.Metric, now time.Time, seed UsageSeed) (tenant, global model.Usage, err error)
	// AddUsage increments both scopes in one transaction. With capped set, it
	// refuses when either scope would exceed its limit and returns that scope.
	AddUsage(ctx context.Context, tenantID string, metric model.Metric, units int64, now time.Time, seed UsageSeed, capped bool) (exceeded model.QuotaScope, err error)
	SetTenantLimit(ctx context.Context, tenantID string, metric model.Metric, limit int64, now time.Time) error
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the full persistence API.
type Store interface {
	PostStore
	AccountStore
	RuleStore
	RecordStore
	UsageStore
	DedupStore
	Ping(ctx context.Context) error
	Close() error
}
