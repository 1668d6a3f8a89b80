package subscribers

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/eventbus"
	"cadence/internal/model"
	"cadence/internal/notifier"
	"cadence/internal/rules"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

var now = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "sub.db")}, nil, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type capture struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *capture) handle(_ context.Context, e eventbus.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *capture) all() []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]eventbus.Event(nil), c.events...)
}

func publishedPost(id string) *model.Post {
	return &model.Post{
		ID: id, TenantID: "t1", UserID: "u1", Platform: model.PlatformLinkedIn, AccountID: "acc-1",
		Content: "evergreen tip", MediaURLs: []string{"https://cdn.example/a.png"},
		ScheduledAt: now.Add(-time.Hour), Status: model.StatusPublished, MaxRetries: 4,
		IsEvergreen: true, EvergreenInterval: 7, EvergreenStatus: model.EvergreenActive,
		PlatformPostID: "li-1",
	}
}

func publishedEvent(p *model.Post) eventbus.Event {
	return eventbus.NewEvent(eventbus.PostPublished, p.TenantID, eventbus.PostPublishedPayload{
		PostID: p.ID, Platform: p.Platform, PlatformPostID: p.PlatformPostID,
	})
}

func TestAudit_RecordsEveryEventAndNotifiesFailures(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	a := NewAudit(st)
	ctx := context.Background()

	require.NoError(t, a.Handle(ctx, eventbus.NewEvent(eventbus.PostCreated, "t1", eventbus.PostCreatedPayload{PostID: "p1", TenantID: "t1"})))
	require.NoError(t, a.Handle(ctx, eventbus.NewEvent(eventbus.PostFailed, "t1", eventbus.PostFailedPayload{
		PostID: "p1", Platform: model.PlatformTwitter, Error: "invalid token", RetryCount: 0,
	})))
	require.NoError(t, a.Handle(ctx, eventbus.NewEvent(eventbus.AccountExpired, "t1", eventbus.AccountExpiredPayload{
		AccountID: "acc-1", Platform: model.PlatformTwitter, Error: "invalid token",
	})))

	recs, err := st.ListAudit(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "post-created", recs[0].Kind)
	assert.Equal(t, "p1", recs[0].EntityID)
	assert.Equal(t, "acc-1", recs[2].EntityID)

	var payload eventbus.PostFailedPayload
	require.NoError(t, json.Unmarshal(recs[1].Payload, &payload))
	assert.Equal(t, "invalid token", payload.Error)

	notes, err := st.ListNotifications(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "Post failed", notes[0].Title)
	assert.Contains(t, notes[0].Message, "invalid token")
	assert.Equal(t, "Account disconnected", notes[1].Title)
}

func TestAccountStatus_MarksExpired(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateAccount(ctx, &model.Account{ID: "acc-1", TenantID: "t1", Platform: model.PlatformTwitter}))

	s := NewAccountStatus(st, logx.Nop())
	require.NoError(t, s.Handle(ctx, eventbus.NewEvent(eventbus.AccountExpired, "t1", eventbus.AccountExpiredPayload{AccountID: "acc-1"})))

	acc, err := st.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.AccountExpired, acc.Status)

	assert.NoError(t, s.Handle(ctx, eventbus.NewEvent(eventbus.AccountExpired, "t1", eventbus.AccountExpiredPayload{AccountID: "gone"})))
}

func TestRecycling_ClonesEvergreenPost(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	src := publishedPost("p1")
	require.NoError(t, st.CreatePost(ctx, src))

	bus := eventbus.New()
	var got capture
	bus.Subscribe("capture", got.handle, eventbus.PostCreated)
	r := NewRecycling(st, bus, logx.Nop(), WithRecyclingClock(func() time.Time { return now }))

	require.NoError(t, r.Handle(ctx, publishedEvent(src)))
	// Redelivery does not fork the chain.
	require.NoError(t, r.Handle(ctx, publishedEvent(src)))

	clones, err := st.ListPosts(ctx, storage.PostFilter{TenantID: "t1", SourceID: "p1"})
	require.NoError(t, err)
	require.Len(t, clones, 1)
	c := clones[0]
	assert.NotEqual(t, src.ID, c.ID)
	assert.Equal(t, model.StatusPending, c.Status)
	assert.Equal(t, now.Add(7*24*time.Hour), c.ScheduledAt)
	assert.Equal(t, src.Content, c.Content)
	assert.Equal(t, src.MediaURLs, c.MediaURLs)
	assert.Equal(t, src.AccountID, c.AccountID)
	assert.Equal(t, src.MaxRetries, c.MaxRetries)
	assert.Zero(t, c.RetryCount)
	assert.Empty(t, c.PlatformPostID)
	assert.True(t, c.Recyclable())

	events := got.all()
	require.Len(t, events, 1)
	p, ok := eventbus.PayloadAs[eventbus.PostCreatedPayload](events[0])
	require.True(t, ok)
	assert.Equal(t, c.ID, p.PostID)
	assert.Equal(t, model.StatusPending, p.Status)
}

func TestRecycling_SkipsNonRecyclable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(p *model.Post)
	}{
		{"not evergreen", func(p *model.Post) { p.IsEvergreen = false }},
		{"paused", func(p *model.Post) { p.EvergreenStatus = model.EvergreenPaused }},
		{"stopped", func(p *model.Post) { p.EvergreenStatus = model.EvergreenStopped }},
		{"no interval", func(p *model.Post) { p.EvergreenInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := openStore(t)
			src := publishedPost("p1")
			tt.mutate(src)
			require.NoError(t, st.CreatePost(ctx, src))

			r := NewRecycling(st, eventbus.New(), logx.Nop())
			require.NoError(t, r.Handle(ctx, publishedEvent(src)))

			clones, err := st.ListPosts(ctx, storage.PostFilter{SourceID: "p1"})
			require.NoError(t, err)
			assert.Empty(t, clones)
		})
	}

	t.Run("missing post", func(t *testing.T) {
		t.Parallel()
		r := NewRecycling(openStore(t), eventbus.New(), logx.Nop())
		assert.NoError(t, r.Handle(ctx, publishedEvent(publishedPost("nope"))))
	})
}

func TestRuleTrigger_RoutesNotifyAndLog(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	post := publishedPost("p1")
	post.Status = model.StatusFailed
	post.Error = "rate limited"
	require.NoError(t, st.CreatePost(ctx, post))

	require.NoError(t, st.CreateRule(ctx, &model.Rule{
		ID: "r1", TenantID: "t1", Name: "LinkedIn failures", Trigger: model.TriggerPostFailed, Active: true,
		Conditions: []model.Condition{{Field: "platform", Operator: model.OpEq, Value: "linkedin"}},
		Actions: []model.Action{
			{Type: model.ActionNotify, Message: "LinkedIn post failed"},
			{Type: model.ActionLog, Message: "track linkedin failure"},
		},
	}))
	require.NoError(t, st.CreateRule(ctx, &model.Rule{
		ID: "r2", TenantID: "t1", Name: "published only", Trigger: model.TriggerPostPublished, Active: true,
		Actions: []model.Action{{Type: model.ActionNotify, Message: "should not fire"}},
	}))

	rt := NewRuleTrigger(st, rules.New(st, logx.Nop()), logx.Nop())
	require.NoError(t, rt.Handle(ctx, eventbus.NewEvent(eventbus.PostFailed, "t1", eventbus.PostFailedPayload{PostID: "p1"})))

	notes, err := st.ListNotifications(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "LinkedIn post failed", notes[0].Message)
	assert.Equal(t, "LinkedIn failures", notes[0].Title)
	assert.Equal(t, "p1", notes[0].EntityID)

	recs, err := st.ListAudit(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "rule.notify", recs[0].Kind)
	assert.Equal(t, "rule.log", recs[1].Kind)
	assert.Contains(t, string(recs[1].Payload), "track linkedin failure")

	// Kinds without a trigger are ignored.
	assert.NoError(t, rt.Handle(ctx, eventbus.NewEvent(eventbus.PostCreated, "t1", eventbus.PostCreatedPayload{PostID: "p1"})))
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, string, model.Trigger, map[string]any) (rules.Result, error) {
	return rules.Result{}, errors.New("rules unavailable")
}

func TestRuleTrigger_PropagatesEvaluatorError(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreatePost(ctx, publishedPost("p1")))

	rt := NewRuleTrigger(st, failingEvaluator{}, logx.Nop())
	assert.Error(t, rt.Handle(ctx, publishedEvent(publishedPost("p1"))))
}

func TestRealtime_PublishesToTenantChannel(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	rt := NewRealtime(rdb, "app:rt:")
	assert.Equal(t, "app:rt:t1", rt.Channel("t1"))

	sub := rdb.Subscribe(ctx, rt.Channel("t1"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, rt.Handle(ctx, eventbus.NewEvent(eventbus.PostRetryScheduled, "t1", eventbus.PostRetryScheduledPayload{PostID: "p0"})))
	require.NoError(t, rt.Handle(ctx, publishedEvent(publishedPost("p1"))))

	select {
	case msg := <-sub.Channel():
		var got struct {
			Kind     string         `json:"kind"`
			TenantID string         `json:"tenant_id"`
			Payload  map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "post-published", got.Kind)
		assert.Equal(t, "t1", got.TenantID)
		assert.Equal(t, "p1", got.Payload["post_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no realtime message")
	}
}

func TestRealtimeKinds(t *testing.T) {
	t.Parallel()
	kinds := RealtimeKinds()
	assert.Len(t, kinds, 6)
	assert.NotContains(t, kinds, eventbus.PostRetryScheduled)
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []notifier.Alert
	err    error
}

func (f *fakeAlerter) Notify(_ context.Context, a notifier.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return f.err
}

func TestNotification_ForwardsAlerts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fa := &fakeAlerter{}
	n := NewNotification(fa)

	require.NoError(t, n.Handle(ctx, eventbus.NewEvent(eventbus.PostFailed, "t1", eventbus.PostFailedPayload{
		PostID: "p1", Platform: model.PlatformFacebook, Error: "boom", RetryCount: 3,
	})))
	require.NoError(t, n.Handle(ctx, eventbus.NewEvent(eventbus.AccountExpired, "t1", eventbus.AccountExpiredPayload{AccountID: "acc-1"})))
	require.NoError(t, n.Handle(ctx, publishedEvent(publishedPost("p2"))))

	require.Len(t, fa.alerts, 2)
	assert.Equal(t, notifier.PriorityWarn, fa.alerts[0].Priority)
	assert.Equal(t, "post-failed:p1", fa.alerts[0].Key)
	assert.Contains(t, fa.alerts[0].Text, "after 3 retries: boom")
	assert.Equal(t, notifier.PriorityCritical, fa.alerts[1].Priority)

	fa.err = notifier.ErrDisabled
	assert.NoError(t, n.Handle(ctx, eventbus.NewEvent(eventbus.AccountExpired, "t1", eventbus.AccountExpiredPayload{AccountID: "acc-2"})))
	fa.err = notifier.ErrQueueFull
	assert.ErrorIs(t, n.Handle(ctx, eventbus.NewEvent(eventbus.AccountExpired, "t1", eventbus.AccountExpiredPayload{AccountID: "acc-3"})), notifier.ErrQueueFull)
}

func TestRegister_WiresStandardSet(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, st.CreateAccount(ctx, &model.Account{ID: "acc-1", TenantID: "t1", Platform: model.PlatformLinkedIn}))
	src := publishedPost("p1")
	require.NoError(t, st.CreatePost(ctx, src))

	bus := eventbus.New()
	fa := &fakeAlerter{}
	queues := Register(bus, Deps{Store: st, Rules: rules.New(st, logx.Nop()), Alerts: fa, Log: logx.Nop()})
	require.Len(t, queues, 4)
	for _, q := range queues {
		go func() { _ = q.Run(ctx) }()
	}

	bus.Publish(ctx, publishedEvent(src))
	bus.Publish(ctx, eventbus.NewEvent(eventbus.AccountExpired, "t1", eventbus.AccountExpiredPayload{AccountID: "acc-1", Platform: model.PlatformLinkedIn}))

	require.Eventually(t, func() bool {
		clones, err := st.ListPosts(ctx, storage.PostFilter{SourceID: "p1"})
		return err == nil && len(clones) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		acc, err := st.GetAccount(ctx, "acc-1")
		return err == nil && acc.Status == model.AccountExpired
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		// published, expired, and the clone's post-created
		recs, err := st.ListAudit(ctx, "t1", 0)
		return err == nil && len(recs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.Len(t, fa.alerts, 1)
}
