// Package scheduling is the schedule-time path: it validates a new post,
// applies the tenant's BEFORE_SCHEDULE rules and the posts quota, persists it
// and announces it. It also owns the manual transitions (approve, reject,
// cancel, delete, evergreen control).
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	"cadence/internal/model"
	"cadence/internal/quota"
	"cadence/internal/rules"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

const (
	DefaultMaxRetries = 3
	MaxRetriesCeiling = 10
)

// Role decides the initial status of a scheduled post.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleAdmin       Role = "admin"
	RoleEditor      Role = "editor"
	RoleContributor Role = "contributor"
)

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid post: " + strings.Join(e.Problems, "; ")
}

// Request describes a post to schedule.
type Request struct {
	TenantID  string
	UserID    string
	Role      Role
	AccountID string
	Platform  model.Platform
	Content   string
	MediaURLs []string
	// ScheduledAt may be nil only for drafts.
	ScheduledAt *time.Time
	Draft       bool
	// MaxRetries nil uses the service default.
	MaxRetries        *int
	IsEvergreen       bool
	EvergreenInterval int // days
}

type CreateResult struct {
	Post     *model.Post
	Warnings []string
}

type Store interface {
	CreatePost(ctx context.Context, p *model.Post) error
	GetPost(ctx context.Context, id string) (*model.Post, error)
	TransitionPost(ctx context.Context, tenantID, id string, from []model.Status, to model.Status, entry model.LogEntry) (*model.Post, error)
	DeletePost(ctx context.Context, tenantID, id string) (*model.Post, error)
	SetEvergreenStatus(ctx context.Context, tenantID, id string, status model.EvergreenStatus) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	CreateNotification(ctx context.Context, n model.Notification) error
}

// Evaluator runs tenant rules.
type Evaluator interface {
	Evaluate(ctx context.Context, tenantID string, trigger model.Trigger, data map[string]any) (rules.Result, error)
}

type Service struct {
	store      Store
	rules      Evaluator
	ledger     quota.Ledger
	bus        eventbus.Bus
	log        logx.Logger
	now        func() time.Time
	maxRetries int
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultMaxRetries applies when a request leaves MaxRetries unset.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 && n <= MaxRetriesCeiling {
			s.maxRetries = n
		}
	}
}

func New(store Store, ev Evaluator, ledger quota.Ledger, bus eventbus.Bus, opts ...Option) *Service {
	s := &Service{store: store, rules: ev, ledger: ledger, bus: bus, now: time.Now, maxRetries: DefaultMaxRetries}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create validates, checks rules and quota, then persists. Any error means
// nothing was stored and no units are held.
func (s *Service) Create(ctx context.Context, req Request) (*CreateResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	account, err := s.store.GetAccount(ctx, req.AccountID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, &ValidationError{Problems: []string{"account not found"}}
	case err != nil:
		return nil, fmt.Errorf("load account: %w", err)
	case account.TenantID != req.TenantID:
		return nil, &ValidationError{Problems: []string{"account not found"}}
	case account.Platform != req.Platform:
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("account is connected to %s, not %s", account.Platform, req.Platform)}}
	}

	now := s.now().UTC()
	post := &model.Post{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		Platform:   req.Platform,
		AccountID:  req.AccountID,
		Content:    req.Content,
		MediaURLs:  req.MediaURLs,
		Status:     initialStatus(req),
		MaxRetries: s.maxRetries,
		CreatedAt:  now,
	}
	if req.ScheduledAt != nil {
		post.ScheduledAt = req.ScheduledAt.UTC()
	}
	if req.MaxRetries != nil {
		post.MaxRetries = *req.MaxRetries
	}
	if req.IsEvergreen {
		post.IsEvergreen = true
		post.EvergreenInterval = req.EvergreenInterval
		post.EvergreenStatus = model.EvergreenActive
	}

	res, err := s.rules.Evaluate(ctx, req.TenantID, model.TriggerBeforeSchedule, rules.BuildPostContext(post))
	if err != nil {
		return nil, err
	}
	if err := res.BlockError(); err != nil {
		s.log.Info("post blocked by rule", logx.String("tenant_id", req.TenantID), logx.Err(err))
		return nil, err
	}

	if err := s.ledger.TryConsume(ctx, req.TenantID, model.MetricPosts, 1); err != nil {
		return nil, err
	}

	post.Logs = append(post.Logs, model.LogEntry{At: now, Level: model.LogInfo, Message: "created as " + string(post.Status)})
	for _, h := range res.Warn {
		post.Logs = append(post.Logs, model.LogEntry{At: now, Level: model.LogWarn, Message: h.Message})
	}
	if err := s.store.CreatePost(ctx, post); err != nil {
		if rerr := s.ledger.Release(ctx, req.TenantID, model.MetricPosts, 1); rerr != nil {
			s.log.Error("quota release failed", logx.String("tenant_id", req.TenantID), logx.Err(rerr))
		}
		return nil, fmt.Errorf("persist post: %w", err)
	}

	for _, h := range res.Log {
		s.log.Info("rule log", logx.String("rule_id", h.RuleID), logx.String("post_id", post.ID), logx.String("message", h.Message))
	}
	for _, h := range res.Notify {
		n := model.Notification{
			ID: uuid.NewString(), TenantID: post.TenantID, Kind: "rule", Title: h.RuleName,
			Message: h.Message, EntityID: post.ID, CreatedAt: now,
		}
		if err := s.store.CreateNotification(ctx, n); err != nil {
			s.log.Warn("rule notification failed", logx.String("rule_id", h.RuleID), logx.Err(err))
		}
	}

	s.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostCreated, post.TenantID, eventbus.PostCreatedPayload{
		PostID: post.ID, UserID: post.UserID, TenantID: post.TenantID, Platform: post.Platform,
		ScheduledAt: post.ScheduledAt, Status: post.Status,
	}))
	return &CreateResult{Post: post, Warnings: rules.Messages(res.Warn)}, nil
}

func initialStatus(req Request) model.Status {
	switch {
	case req.Draft:
		return model.StatusDraft
	case req.Role == RoleContributor:
		return model.StatusPendingApproval
	default:
		return model.StatusScheduled
	}
}

func (s *Service) validate(req Request) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(req.TenantID) == "" {
		add("tenant is required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		add("user is required")
	}
	if strings.TrimSpace(req.AccountID) == "" {
		add("account is required")
	}
	if !req.Platform.Valid() {
		add("unknown platform %q", req.Platform)
	}
	if strings.TrimSpace(req.Content) == "" && len(req.MediaURLs) == 0 {
		add("content or media is required")
	}
	if !req.Draft && (req.ScheduledAt == nil || req.ScheduledAt.IsZero()) {
		add("scheduled time is required")
	}
	if req.MaxRetries != nil && (*req.MaxRetries < 0 || *req.MaxRetries > MaxRetriesCeiling) {
		add("max retries must be within 0..%d", MaxRetriesCeiling)
	}
	if req.IsEvergreen && req.EvergreenInterval < 1 {
		add("evergreen interval must be at least one day")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Approve releases a post waiting for approval. Without a scheduled time it
// becomes approved and waits to be scheduled.
func (s *Service) Approve(ctx context.Context, tenantID, id string) (*model.Post, error) {
	cur, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	to := model.StatusScheduled
	if cur.ScheduledAt.IsZero() {
		to = model.StatusApproved
	}
	return s.transition(ctx, tenantID, id, []model.Status{model.StatusPendingApproval}, to, "approved")
}

func (s *Service) Reject(ctx context.Context, tenantID, id, reason string) (*model.Post, error) {
	msg := "rejected"
	if r := strings.TrimSpace(reason); r != "" {
		msg += ": " + r
	}
	return s.transition(ctx, tenantID, id, []model.Status{model.StatusPendingApproval}, model.StatusRejected, msg)
}

// Cancel stops a post that has not been published. A post being processed
// cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) (*model.Post, error) {
	from := []model.Status{
		model.StatusDraft, model.StatusPendingApproval, model.StatusApproved,
		model.StatusPending, model.StatusScheduled, model.StatusFailed,
	}
	return s.transition(ctx, tenantID, id, from, model.StatusCancelled, "cancelled")
}

func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	p, err := s.store.DeletePost(ctx, tenantID, id)
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostDeleted, tenantID, eventbus.PostDeletedPayload{PostID: p.ID, Platform: p.Platform}))
	return nil
}

// SetEvergreenStatus pauses, resumes or stops recycling of an evergreen post.
func (s *Service) SetEvergreenStatus(ctx context.Context, tenantID, id string, status model.EvergreenStatus) error {
	if !status.Valid() {
		return &ValidationError{Problems: []string{fmt.Sprintf("unknown evergreen status %q", status)}}
	}
	if err := s.store.SetEvergreenStatus(ctx, tenantID, id, status); err != nil {
		return err
	}
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostUpdated, tenantID, eventbus.PostUpdatedPayload{
		PostID: id, Status: p.Status, Reason: "evergreen " + string(status),
	}))
	return nil
}

func (s *Service) transition(ctx context.Context, tenantID, id string, from []model.Status, to model.Status, reason string) (*model.Post, error) {
	entry := model.LogEntry{At: s.now().UTC(), Level: model.LogInfo, Message: reason}
	p, err := s.store.TransitionPost(ctx, tenantID, id, from, to, entry)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostUpdated, tenantID, eventbus.PostUpdatedPayload{PostID: id, Status: to, Reason: reason}))
	return p, nil
}
