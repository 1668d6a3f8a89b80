package subscribers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	"cadence/internal/model"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

type RecycleStore interface {
	GetPost(ctx context.Context, id string) (*model.Post, error)
	ListPosts(ctx context.Context, f storage.PostFilter) ([]model.Post, error)
	CreatePost(ctx context.Context, p *model.Post) error
}

// Recycling re-queues evergreen content: every successful publish of an
// active evergreen post schedules one clone EvergreenInterval days later.
// The clone inherits the evergreen settings, so the chain continues until
// someone pauses or stops it.
type Recycling struct {
	st  RecycleStore
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

type RecyclingOption func(*Recycling)

func WithRecyclingClock(now func() time.Time) RecyclingOption {
	return func(r *Recycling) { r.now = now }
}

func NewRecycling(st RecycleStore, bus eventbus.Bus, log logx.Logger, opts ...RecyclingOption) *Recycling {
	r := &Recycling{
		st:  st,
		bus: bus,
		log: log.With(logx.String("comp", "subscribers.recycling")),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recycling) Handle(ctx context.Context, e eventbus.Event) error {
	pub, ok := eventbus.PayloadAs[eventbus.PostPublishedPayload](e)
	if !ok {
		return nil
	}
	src, err := r.st.GetPost(ctx, pub.PostID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}
	if !src.Recyclable() {
		return nil
	}

	// A redelivered event must not fork the chain.
	existing, err := r.st.ListPosts(ctx, storage.PostFilter{TenantID: src.TenantID, SourceID: src.ID, Limit: 1})
	if err != nil {
		return fmt.Errorf("list clones: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	now := r.now()
	clone := &model.Post{
		ID:                uuid.NewString(),
		TenantID:          src.TenantID,
		UserID:            src.UserID,
		Platform:          src.Platform,
		AccountID:         src.AccountID,
		Content:           src.Content,
		MediaURLs:         append([]string(nil), src.MediaURLs...),
		ScheduledAt:       now.Add(time.Duration(src.EvergreenInterval) * 24 * time.Hour),
		Status:            model.StatusPending,
		MaxRetries:        src.MaxRetries,
		IsEvergreen:       true,
		EvergreenInterval: src.EvergreenInterval,
		EvergreenStatus:   model.EvergreenActive,
		SourcePostID:      src.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
		Logs: []model.LogEntry{{
			At:      now,
			Level:   model.LogInfo,
			Message: fmt.Sprintf("recycled from post %s", src.ID),
		}},
	}
	if err := r.st.CreatePost(ctx, clone); err != nil {
		return fmt.Errorf("create clone: %w", err)
	}
	r.log.Info("evergreen post recycled",
		logx.String("post_id", src.ID),
		logx.String("clone_id", clone.ID),
		logx.Time("scheduled_at", clone.ScheduledAt),
	)
	r.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostCreated, clone.TenantID, eventbus.PostCreatedPayload{
		PostID:      clone.ID,
		UserID:      clone.UserID,
		TenantID:    clone.TenantID,
		Platform:    clone.Platform,
		ScheduledAt: clone.ScheduledAt,
		Status:      clone.Status,
	}))
	return nil
}
