// Package poller is the trigger side of publishing: on a fixed interval it
// finds due posts and hands each to the processor, and on a second interval it
// reclaims posts whose processing lease expired.
package poller

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/processor"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultBatchLimit   = 500
	DefaultConcurrency  = 16
	DefaultReclaimAfter = 15 * time.Minute
	DefaultReclaimEvery = time.Minute
)

type Config struct {
	Enabled      bool
	Interval     time.Duration
	BatchLimit   int
	Concurrency  int
	ReclaimAfter time.Duration
	ReclaimEvery time.Duration
	Timezone     string
}

// ConfigFrom applies defaults to the file section.
func ConfigFrom(c config.PollerConfig) (Config, error) {
	out := Config{
		Enabled:     c.IsEnabled(),
		BatchLimit:  c.BatchLimit,
		Concurrency: c.Concurrency,
		Timezone:    strings.TrimSpace(c.Timezone),
	}
	var err error
	if out.Interval, err = config.ParseDurationOrDefault("poller.interval", c.Interval, DefaultInterval); err != nil {
		return Config{}, err
	}
	if out.ReclaimAfter, err = config.ParseDurationOrDefault("poller.reclaim_after", c.ReclaimAfter, DefaultReclaimAfter); err != nil {
		return Config{}, err
	}
	if out.ReclaimEvery, err = config.ParseDurationOrDefault("poller.reclaim_every", c.ReclaimEvery, DefaultReclaimEvery); err != nil {
		return Config{}, err
	}
	if out.BatchLimit <= 0 {
		out.BatchLimit = DefaultBatchLimit
	}
	if out.Concurrency <= 0 {
		out.Concurrency = DefaultConcurrency
	}
	return out, nil
}

// Source is the store view the poller needs.
type Source interface {
	DuePostIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	ReclaimStale(ctx context.Context, cutoff, now time.Time) ([]storage.Reclaimed, error)
}

type Processor interface {
	Process(ctx context.Context, postID string) (processor.Outcome, error)
}

// Recorder observes ticks and sweeps. The metrics layer implements it.
type Recorder interface {
	ObserveTick(r TickReport)
	ObserveReclaim(n int)
}

// TickReport tallies one tick. Errored counts attempts that returned an error
// or panicked; it overlaps with Retrying and Failed.
type TickReport struct {
	Due       int           `json:"due"`
	Published int           `json:"published"`
	Accepted  int           `json:"accepted"`
	Retrying  int           `json:"retrying"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Errored   int           `json:"errored"`
	Took      time.Duration `json:"took"`
}

// Snapshot is the poller's operational state.
type Snapshot struct {
	Running      bool       `json:"running"`
	Interval     string     `json:"interval"`
	Concurrency  int        `json:"concurrency"`
	Ticks        uint64     `json:"ticks"`
	SkippedTicks uint64     `json:"skipped_ticks"`
	Reclaimed    uint64     `json:"reclaimed"`
	LastTick     time.Time  `json:"last_tick,omitempty"`
	LastReport   TickReport `json:"last_report"`
	NextTick     time.Time  `json:"next_tick,omitempty"`
}

type Service struct {
	src  Source
	proc Processor
	bus  eventbus.Bus
	log  logx.Logger
	rec  Recorder
	now  func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	tickID  cron.EntryID
	baseCtx context.Context

	ticking      atomic.Bool
	reclaiming   atomic.Bool
	ticks        atomic.Uint64
	skippedTicks atomic.Uint64
	reclaimed    atomic.Uint64

	lmu        sync.Mutex
	lastTick   time.Time
	lastReport TickReport
}

type Option func(*Service)

func WithRecorder(r Recorder) Option { return func(s *Service) { s.rec = r } }

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, src Source, proc Processor, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, src: src, proc: proc, bus: bus, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers the tick and reclaim entries. Jobs run with ctx until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.baseCtx = ctx
	if !s.cfg.Enabled {
		s.log.Info("poller disabled")
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	cfg := s.cfg
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		}
	}
	c := cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{log: s.log}))
	ctx := s.baseCtx

	id, err := c.AddFunc("@every "+cfg.Interval.String(), func() { s.runTick(ctx) })
	if err != nil {
		s.log.Error("poller schedule rejected", logx.Err(err))
		return
	}
	s.tickID = id
	if _, err := c.AddFunc("@every "+cfg.ReclaimEvery.String(), func() { s.runReclaim(ctx) }); err != nil {
		s.log.Error("reclaim schedule rejected", logx.Err(err))
	}
	c.Start()
	s.c = c
	s.log.Info("poller started",
		logx.Duration("interval", cfg.Interval),
		logx.Int("batch_limit", cfg.BatchLimit),
		logx.Int("concurrency", cfg.Concurrency),
		logx.Duration("reclaim_after", cfg.ReclaimAfter),
	)
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("poller stop timed out; jobs still running")
	}
	s.log.Info("poller stopped")
}

// Apply swaps the configuration. Schedules are re-registered when intervals,
// timezone or the enabled flag change; limits apply from the next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.baseCtx == nil {
		return
	}
	if old.Interval == cfg.Interval && old.ReclaimEvery == cfg.ReclaimEvery &&
		old.Timezone == cfg.Timezone && old.Enabled == cfg.Enabled && (s.c != nil) == cfg.Enabled {
		return
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if cfg.Enabled {
		s.startLocked()
	} else {
		s.log.Info("poller disabled")
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) runTick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.skippedTicks.Add(1)
		s.log.Debug("tick skipped; previous tick still running")
		return
	}
	defer s.ticking.Store(false)
	_, _ = s.Tick(ctx)
}

func (s *Service) runReclaim(ctx context.Context) {
	if !s.reclaiming.CompareAndSwap(false, true) {
		return
	}
	defer s.reclaiming.Store(false)
	if _, err := s.Reclaim(ctx); err != nil {
		s.log.Warn("reclaim sweep failed", logx.Err(err))
	}
}

// Tick processes every due post once. Posts are independent: one failing or
// panicking never affects the others, and nothing is retried within the tick.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	cfg := s.config()
	start := s.now()
	s.ticks.Add(1)

	ids, err := s.src.DuePostIDs(ctx, start.UTC(), cfg.BatchLimit)
	if err != nil {
		s.log.Error("due query failed", logx.Err(err))
		return TickReport{}, fmt.Errorf("due query: %w", err)
	}
	rep := TickReport{Due: len(ids)}
	if len(ids) == 0 {
		s.log.Debug("no due posts")
		s.finishTick(start, rep)
		return rep, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(max(cfg.Concurrency, 1))
	for _, id := range ids {
		g.Go(func() error {
			out, perr := s.processOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case processor.OutcomePublished:
				rep.Published++
			case processor.OutcomeAccepted:
				rep.Accepted++
			case processor.OutcomeRetrying:
				rep.Retrying++
			case processor.OutcomeFailed:
				rep.Failed++
			default:
				rep.Skipped++
			}
			if perr != nil {
				rep.Errored++
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Took = s.now().Sub(start)
	s.log.Info("tick complete",
		logx.Int("due", rep.Due),
		logx.Int("published", rep.Published),
		logx.Int("accepted", rep.Accepted),
		logx.Int("retrying", rep.Retrying),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("errored", rep.Errored),
		logx.Duration("took", rep.Took),
	)
	s.finishTick(start, rep)
	return rep, nil
}

func (s *Service) processOne(ctx context.Context, id string) (out processor.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("post processing panicked", logx.String("post_id", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out, err = processor.OutcomeFailed, fmt.Errorf("panic: %v", r)
		}
	}()
	out, err = s.proc.Process(ctx, id)
	if err != nil {
		s.log.Debug("post attempt returned error", logx.String("post_id", id), logx.String("outcome", string(out)), logx.Err(err))
	}
	return out, err
}

func (s *Service) finishTick(at time.Time, rep TickReport) {
	s.lmu.Lock()
	s.lastTick = at
	s.lastReport = rep
	s.lmu.Unlock()
	if s.rec != nil {
		s.rec.ObserveTick(rep)
	}
}

// Reclaim returns posts stuck in processing past the lease to the retry path
// and announces each one.
func (s *Service) Reclaim(ctx context.Context) (int, error) {
	cfg := s.config()
	now := s.now().UTC()
	rs, err := s.src.ReclaimStale(ctx, now.Add(-cfg.ReclaimAfter), now)
	if err != nil {
		return 0, err
	}
	for _, r := range rs {
		msg := "processing lease expired"
		if r.NextRetryAt != nil {
			s.log.Warn("stale post reclaimed for retry", logx.String("post_id", r.PostID), logx.Int("retry_count", r.RetryCount))
			s.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostRetryScheduled, r.TenantID, eventbus.PostRetryScheduledPayload{
				PostID: r.PostID, RetryCount: r.RetryCount, NextRetryAt: *r.NextRetryAt, Error: msg,
			}))
			continue
		}
		s.log.Warn("stale post failed; retry budget exhausted", logx.String("post_id", r.PostID), logx.Int("retry_count", r.RetryCount))
		s.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostFailed, r.TenantID, eventbus.PostFailedPayload{
			PostID: r.PostID, Platform: r.Platform, Error: msg, RetryCount: r.RetryCount,
		}))
	}
	if n := len(rs); n > 0 {
		s.reclaimed.Add(uint64(n))
		if s.rec != nil {
			s.rec.ObserveReclaim(n)
		}
	}
	return len(rs), nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	var next time.Time
	if s.c != nil {
		next = s.c.Entry(s.tickID).Next
	}
	running := s.c != nil
	s.mu.Unlock()

	s.lmu.Lock()
	defer s.lmu.Unlock()
	return Snapshot{
		Running:      running,
		Interval:     cfg.Interval.String(),
		Concurrency:  cfg.Concurrency,
		Ticks:        s.ticks.Load(),
		SkippedTicks: s.skippedTicks.Load(),
		Reclaimed:    s.reclaimed.Load(),
		LastTick:     s.lastTick,
		LastReport:   s.lastReport,
		NextTick:     next,
	}
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
