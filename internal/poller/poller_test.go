package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/model"
	"cadence/internal/processor"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

type fakeSource struct {
	ids       []string
	err       error
	reclaimed []storage.Reclaimed
	cutoff    time.Time
	dueCalls  atomic.Int32
}

func (f *fakeSource) DuePostIDs(_ context.Context, _ time.Time, limit int) ([]string, error) {
	f.dueCalls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.ids) {
		return f.ids[:limit], nil
	}
	return f.ids, nil
}

func (f *fakeSource) ReclaimStale(_ context.Context, cutoff, _ time.Time) ([]storage.Reclaimed, error) {
	f.cutoff = cutoff
	return f.reclaimed, nil
}

type fakeProcessor struct {
	outcomes map[string]processor.Outcome
	errs     map[string]error
	panics   map[string]bool
	delay    time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (p *fakeProcessor) Process(_ context.Context, id string) (processor.Outcome, error) {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.panics[id] {
		panic("adapter exploded")
	}
	out, ok := p.outcomes[id]
	if !ok {
		out = processor.OutcomePublished
	}
	return out, p.errs[id]
}

func testConfig() Config {
	return Config{Enabled: true, Interval: time.Second, BatchLimit: 100, Concurrency: 4, ReclaimAfter: 15 * time.Minute, ReclaimEvery: time.Minute}
}

func TestTick_AllSettled(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ids: []string{"a", "b", "c", "d", "e", "f"}}
	proc := &fakeProcessor{
		outcomes: map[string]processor.Outcome{
			"b": processor.OutcomeRetrying,
			"c": processor.OutcomeFailed,
			"d": processor.OutcomeSkipped,
			"e": processor.OutcomeAccepted,
		},
		errs:   map[string]error{"b": errors.New("503"), "c": errors.New("bad")},
		panics: map[string]bool{"f": true},
	}
	s := New(testConfig(), src, proc, eventbus.New(), logx.Nop())

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Due)
	assert.Equal(t, 1, rep.Published)
	assert.Equal(t, 1, rep.Accepted)
	assert.Equal(t, 1, rep.Retrying)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 3, rep.Errored)
	assert.Equal(t, int32(6), proc.calls.Load())

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Ticks)
	assert.Equal(t, rep, snap.LastReport)
}

func TestTick_RespectsConcurrencyAndBatch(t *testing.T) {
	t.Parallel()
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	cfg := testConfig()
	cfg.Concurrency = 3
	cfg.BatchLimit = 12
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	s := New(cfg, &fakeSource{ids: ids}, proc, eventbus.New(), logx.Nop())

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, rep.Due)
	assert.Equal(t, int32(12), proc.calls.Load())
	assert.LessOrEqual(t, proc.peak.Load(), int32(3))
	assert.Greater(t, proc.peak.Load(), int32(1))
}

func TestTick_EmptyAndErrors(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{}
	s := New(testConfig(), &fakeSource{}, proc, eventbus.New(), logx.Nop())
	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Due)
	assert.Zero(t, proc.calls.Load())

	s = New(testConfig(), &fakeSource{err: errors.New("db locked")}, proc, eventbus.New(), logx.Nop())
	_, err = s.Tick(context.Background())
	require.Error(t, err)
}

func TestRunTick_SkipsOverlap(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	s := New(testConfig(), src, &fakeProcessor{}, eventbus.New(), logx.Nop())
	s.ticking.Store(true)
	s.runTick(context.Background())
	assert.Equal(t, uint64(1), s.Snapshot().SkippedTicks)
	assert.Zero(t, src.dueCalls.Load())
}

func TestReclaim_EmitsEvents(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	retryAt := now
	src := &fakeSource{reclaimed: []storage.Reclaimed{
		{PostID: "p1", TenantID: "t1", Platform: model.PlatformTwitter, RetryCount: 1, NextRetryAt: &retryAt},
		{PostID: "p2", TenantID: "t2", Platform: model.PlatformLinkedIn, RetryCount: 3},
	}}
	bus := eventbus.New()
	var mu sync.Mutex
	var got []eventbus.Event
	bus.Subscribe("capture", func(_ context.Context, e eventbus.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	s := New(testConfig(), src, &fakeProcessor{}, bus, logx.Nop(), WithClock(func() time.Time { return now }))

	n, err := s.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, now.Add(-15*time.Minute), src.cutoff)
	require.Len(t, got, 2)
	assert.Equal(t, eventbus.PostRetryScheduled, got[0].Kind)
	assert.Equal(t, eventbus.PostFailed, got[1].Kind)
	assert.Equal(t, "t2", got[1].TenantID)
	assert.Equal(t, uint64(2), s.Snapshot().Reclaimed)
}

func TestService_StartTicksAndStops(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	s := New(testConfig(), src, &fakeProcessor{}, eventbus.New(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	assert.True(t, s.Snapshot().Running)
	require.Eventually(t, func() bool { return src.dueCalls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.False(t, s.Snapshot().Running)
}

func TestService_ApplyDisables(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), &fakeSource{}, &fakeProcessor{}, eventbus.New(), logx.Nop())
	s.Start(context.Background())
	require.True(t, s.Snapshot().Running)

	cfg := testConfig()
	cfg.Enabled = false
	s.Apply(cfg)
	assert.False(t, s.Snapshot().Running)

	cfg.Enabled = true
	cfg.Interval = 2 * time.Second
	s.Apply(cfg)
	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "2s", snap.Interval)
	s.Stop(context.Background())
}

func TestConfigFrom_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := ConfigFrom(config.PollerConfig{})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, DefaultBatchLimit, cfg.BatchLimit)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, DefaultReclaimAfter, cfg.ReclaimAfter)

	_, err = ConfigFrom(config.PollerConfig{Interval: "soon"})
	require.Error(t, err)
}
