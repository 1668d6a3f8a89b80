package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/crypto"
	"cadence/internal/model"
	"cadence/pkg/logx"
)

func openTest(t *testing.T, codec crypto.Codec) *SQLite {
	t.Helper()
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "cadence.db")}, codecOr(codec), logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func codecOr(c crypto.Codec) crypto.Codec {
	if c == nil {
		return crypto.Plaintext{}
	}
	return c
}

func newPost(id string, status model.Status, at time.Time) *model.Post {
	return &model.Post{
		ID: id, TenantID: "t1", UserID: "u1", AccountID: "a1",
		Platform: model.PlatformTwitter, Content: "hello " + id,
		ScheduledAt: at, Status: status, MaxRetries: 3,
	}
}

func TestSQLite_CreateAndGetPost(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

	p := newPost("p1", model.StatusScheduled, at)
	p.MediaURLs = []string{"https://cdn/x.png"}
	p.IsEvergreen, p.EvergreenInterval, p.EvergreenStatus = true, 7, model.EvergreenActive
	p.Logs = []model.LogEntry{{Level: model.LogInfo, Message: "created"}}
	require.NoError(t, st.CreatePost(ctx, p))

	got, err := st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, at, got.ScheduledAt)
	assert.Equal(t, []string{"https://cdn/x.png"}, got.MediaURLs)
	assert.True(t, got.Recyclable())
	assert.Nil(t, got.NextRetryAt)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "created", got.Logs[0].Message)

	_, err = st.GetPost(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_DuePostIDs(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Hour)

	require.NoError(t, st.CreatePost(ctx, newPost("scheduled-due", model.StatusScheduled, past)))
	require.NoError(t, st.CreatePost(ctx, newPost("pending-due", model.StatusPending, past.Add(-time.Minute))))
	require.NoError(t, st.CreatePost(ctx, newPost("future", model.StatusScheduled, future)))
	require.NoError(t, st.CreatePost(ctx, newPost("draft", model.StatusDraft, past)))

	retry := newPost("retry-due", model.StatusFailed, past)
	retry.RetryCount, retry.NextRetryAt = 1, &past
	require.NoError(t, st.CreatePost(ctx, retry))

	later := newPost("retry-later", model.StatusFailed, past)
	later.RetryCount, later.NextRetryAt = 1, &future
	require.NoError(t, st.CreatePost(ctx, later))

	exhausted := newPost("exhausted", model.StatusFailed, past)
	exhausted.RetryCount, exhausted.NextRetryAt = 3, &past
	require.NoError(t, st.CreatePost(ctx, exhausted))

	terminal := newPost("terminal", model.StatusFailed, past)
	require.NoError(t, st.CreatePost(ctx, terminal))

	ids, err := st.DuePostIDs(ctx, now, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scheduled-due", "pending-due", "retry-due"}, ids)
	assert.Equal(t, "pending-due", ids[0])

	limited, err := st.DuePostIDs(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_ClaimPostIsExclusive(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.CreatePost(ctx, newPost("p1", model.StatusPending, now.Add(-time.Second))))

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimPost(ctx, "p1", now)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	require.NotNil(t, got.ClaimedAt)
}

func TestSQLite_ClaimRejectsNotDue(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.CreatePost(ctx, newPost("future", model.StatusScheduled, now.Add(time.Hour))))
	require.NoError(t, st.CreatePost(ctx, newPost("done", model.StatusPublished, now.Add(-time.Hour))))

	for _, id := range []string{"future", "done", "missing"} {
		ok, err := st.ClaimPost(ctx, id, now)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}
}

func TestSQLite_FinishAttempt(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.CreatePost(ctx, newPost("p1", model.StatusScheduled, now.Add(-time.Second))))

	err := st.FinishAttempt(ctx, "p1", Attempt{Status: model.StatusPublished})
	assert.ErrorIs(t, err, ErrNotClaimed)

	ok, err := st.ClaimPost(ctx, "p1", now)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.FinishAttempt(ctx, "p1", Attempt{
		At: now, Status: model.StatusPublished, PlatformPostID: "tw-1", PlatformURL: "https://x/1",
		Logs: []model.LogEntry{{At: now, Level: model.LogInfo, Message: "published"}},
	}))
	got, err := st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPublished, got.Status)
	assert.Equal(t, "tw-1", got.PlatformPostID)
	assert.Nil(t, got.ClaimedAt)
	assert.Empty(t, got.Error)
	require.Len(t, got.Logs, 1)
}

func TestSQLite_TransitionPost(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	require.NoError(t, st.CreatePost(ctx, newPost("p1", model.StatusPendingApproval, time.Now().Add(time.Hour))))

	got, err := st.TransitionPost(ctx, "t1", "p1", []model.Status{model.StatusPendingApproval}, model.StatusScheduled,
		model.LogEntry{Level: model.LogInfo, Message: "approved"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, got.Status)

	_, err = st.TransitionPost(ctx, "t1", "p1", []model.Status{model.StatusPendingApproval}, model.StatusRejected, model.LogEntry{})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = st.TransitionPost(ctx, "other-tenant", "p1", []model.Status{model.StatusScheduled}, model.StatusCancelled, model.LogEntry{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ReclaimStale(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	claimedAt := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	now := claimedAt.Add(30 * time.Minute)

	require.NoError(t, st.CreatePost(ctx, newPost("fresh-budget", model.StatusScheduled, claimedAt.Add(-time.Minute))))
	last := newPost("last-try", model.StatusScheduled, claimedAt.Add(-time.Minute))
	last.RetryCount = 2
	require.NoError(t, st.CreatePost(ctx, last))
	require.NoError(t, st.CreatePost(ctx, newPost("recent", model.StatusScheduled, claimedAt.Add(-time.Minute))))

	for _, id := range []string{"fresh-budget", "last-try"} {
		ok, err := st.ClaimPost(ctx, id, claimedAt)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := st.ClaimPost(ctx, "recent", now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	reclaimed, err := st.ReclaimStale(ctx, now.Add(-15*time.Minute), now)
	require.NoError(t, err)
	require.Len(t, reclaimed, 2)

	byID := map[string]Reclaimed{}
	for _, r := range reclaimed {
		byID[r.PostID] = r
	}
	require.NotNil(t, byID["fresh-budget"].NextRetryAt)
	assert.Equal(t, 1, byID["fresh-budget"].RetryCount)
	assert.Nil(t, byID["last-try"].NextRetryAt)
	assert.Equal(t, 3, byID["last-try"].RetryCount)

	got, err := st.GetPost(ctx, "fresh-budget")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "lease expired")

	ids, err := st.DuePostIDs(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh-budget"}, ids)
}

func TestSQLite_AccountTokensSealedAtRest(t *testing.T) {
	fe, err := crypto.DeriveFieldEncryptor([]byte("test-secret"), "account-tokens")
	require.NoError(t, err)
	st := openTest(t, fe)
	ctx := context.Background()

	require.NoError(t, st.CreateAccount(ctx, &model.Account{ID: "a1", TenantID: "t1", Platform: model.PlatformLinkedIn, AccessToken: "plain-access", RefreshToken: "plain-refresh"}))

	var raw string
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT access_token FROM accounts WHERE id = 'a1'`).Scan(&raw))
	assert.True(t, crypto.IsEncrypted(raw))

	got, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "plain-access", got.AccessToken)
	assert.Equal(t, "plain-refresh", got.RefreshToken)
	assert.Equal(t, model.AccountActive, got.Status)

	require.NoError(t, st.SetAccountStatus(ctx, "a1", model.AccountExpired))
	got, err = st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AccountExpired, got.Status)

	_, err = st.GetAccount(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ActiveRules(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()

	mk := func(id string, prio int, active bool, trig model.Trigger) *model.Rule {
		return &model.Rule{ID: id, TenantID: "t1", Trigger: trig, Priority: prio, Active: active,
			Conditions: []model.Condition{{Field: "scheduled_hour", Operator: model.OpBetween, Value: []any{1, 5}}},
			Actions:    []model.Action{{Type: model.ActionWarn, Message: id}}}
	}
	require.NoError(t, st.CreateRule(ctx, mk("low", 1, true, model.TriggerBeforeSchedule)))
	require.NoError(t, st.CreateRule(ctx, mk("high", 9, true, model.TriggerBeforeSchedule)))
	require.NoError(t, st.CreateRule(ctx, mk("off", 20, false, model.TriggerBeforeSchedule)))
	require.NoError(t, st.CreateRule(ctx, mk("other", 5, true, model.TriggerPostFailed)))

	rs, err := st.ActiveRules(ctx, "t1", model.TriggerBeforeSchedule)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, "high", rs[0].ID)
	assert.Equal(t, "low", rs[1].ID)
	require.Len(t, rs[0].Conditions, 1)
	assert.Len(t, rs[0].Conditions[0].Value, 2)
}

func TestSQLite_UsageResetsAndCaps(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	seed := UsageSeed{GlobalLimit: 10, TenantLimit: 6}
	day1 := time.Date(2026, 1, 31, 22, 0, 0, 0, time.UTC)

	scope, err := st.AddUsage(ctx, "t1", model.MetricYouTubeUnits, 5, day1, seed, true)
	require.NoError(t, err)
	assert.Empty(t, scope)

	scope, err = st.AddUsage(ctx, "t1", model.MetricYouTubeUnits, 2, day1, seed, true)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeTenant, scope)

	scope, err = st.AddUsage(ctx, "t2", model.MetricYouTubeUnits, 6, day1, seed, true)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeGlobal, scope)

	// Uncapped consumption always lands.
	_, err = st.AddUsage(ctx, "t1", model.MetricYouTubeUnits, 2, day1, seed, false)
	require.NoError(t, err)
	tenant, global, err := st.LoadUsage(ctx, "t1", model.MetricYouTubeUnits, day1, seed)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tenant.Used)
	assert.Equal(t, int64(7), global.Used)

	// Next UTC day resets the global counter but not the tenant cycle.
	nextDay := day1.Add(3 * time.Hour)
	tenant, global, err = st.LoadUsage(ctx, "t1", model.MetricYouTubeUnits, nextDay, seed)
	require.NoError(t, err)
	assert.Equal(t, int64(0), global.Used)
	assert.Equal(t, int64(0), tenant.Used, "february starts a new monthly cycle")
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), tenant.CycleStart)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), tenant.CycleEnd)

	midMonth := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	_, err = st.AddUsage(ctx, "t1", model.MetricYouTubeUnits, 4, midMonth, seed, false)
	require.NoError(t, err)
	tenant, global, err = st.LoadUsage(ctx, "t1", model.MetricYouTubeUnits, midMonth.Add(48*time.Hour), seed)
	require.NoError(t, err)
	assert.Equal(t, int64(4), tenant.Used)
	assert.Equal(t, int64(0), global.Used)

	require.NoError(t, st.SetTenantLimit(ctx, "t1", model.MetricYouTubeUnits, 0, midMonth))
	tenant, _, err = st.LoadUsage(ctx, "t1", model.MetricYouTubeUnits, midMonth, seed)
	require.NoError(t, err)
	assert.True(t, tenant.Unlimited())
}

func TestSQLite_Dedup(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)

	_, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.PutDedup(ctx, "k", until))
	got, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(until))
}

func TestSQLite_DeletePost(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	draft := newPost("d1", model.StatusDraft, time.Time{})
	require.NoError(t, st.CreatePost(ctx, draft))
	require.NoError(t, st.CreatePost(ctx, newPost("busy", model.StatusScheduled, time.Now().Add(-time.Minute))))

	got, err := st.GetPost(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, got.ScheduledAt.IsZero())

	ok, err := st.ClaimPost(ctx, "busy", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = st.DeletePost(ctx, "t1", "busy")
	assert.ErrorIs(t, err, ErrConflict)

	deleted, err := st.DeletePost(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, deleted.Status)
	_, err = st.GetPost(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.DeletePost(ctx, "t1", "d1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The row and its history are kept.
	var deletedAt int64
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT deleted_at FROM posts WHERE id = 'd1'`).Scan(&deletedAt))
	assert.Positive(t, deletedAt)
	var logs int
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM post_logs WHERE post_id = 'd1'`).Scan(&logs))
	assert.Equal(t, 1, logs)
}

func TestSQLite_DeletedPostIsNeverDue(t *testing.T) {
	st := openTest(t, nil)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.CreatePost(ctx, newPost("gone", model.StatusScheduled, now.Add(-time.Minute))))
	require.NoError(t, st.CreatePost(ctx, newPost("kept", model.StatusScheduled, now.Add(-time.Minute))))

	_, err := st.DeletePost(ctx, "t1", "gone")
	require.NoError(t, err)

	ids, err := st.DuePostIDs(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, ids)

	ok, err := st.ClaimPost(ctx, "gone", now)
	require.NoError(t, err)
	assert.False(t, ok)

	posts, err := st.ListPosts(ctx, PostFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "kept", posts[0].ID)

	_, err = st.TransitionPost(ctx, "t1", "gone", []model.Status{model.StatusScheduled}, model.StatusCancelled, model.LogEntry{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_MigrateAddsDeletedAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	st, err := openSQLite(Config{Path: path}, crypto.Plaintext{}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = st.db.ExecContext(ctx, `ALTER TABLE posts DROP COLUMN deleted_at`)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = openSQLite(Config{Path: path}, crypto.Plaintext{}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreatePost(ctx, newPost("p1", model.StatusDraft, time.Time{})))
	_, err = st.DeletePost(ctx, "t1", "p1")
	require.NoError(t, err)
}
