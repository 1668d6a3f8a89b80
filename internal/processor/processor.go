// Package processor runs one publish attempt for one post: claim, check,
// call the platform, record the outcome, announce it.
//
// A post moves {pending, scheduled, failed} -> processing -> {published,
// scheduled (async platform still finishing, or released by shutdown), failed}.
// Outcomes are recorded even when the caller's context is canceled mid-attempt. The claim is a
// conditional update, so concurrent processors and overlapping poller ticks
// attempt a post at most once per due occurrence.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"cadence/internal/eventbus"
	"cadence/internal/model"
	"cadence/internal/publisher"
	"cadence/internal/quota"
	"cadence/internal/retry"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

const DefaultPublishTimeout = 2 * time.Minute

// recordTimeout bounds outcome writes, which outlive the caller's context.
const recordTimeout = 10 * time.Second

var (
	ErrAccountMissing = errors.New("account not found")
	ErrAccountExpired = errors.New("account credentials expired")
	ErrAdapterMissing = errors.New("no publisher for platform")
	ErrMediaRequired  = errors.New("validation: media required")
	ErrTextTooLong    = errors.New("validation: content too long")
)

// Outcome summarizes what Process did.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomePublished Outcome = "published"
	OutcomeAccepted  Outcome = "accepted" // async platform took it; completes later
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeReleased  Outcome = "released" // interrupted by shutdown; due again, no retry spent
)

// Store is the persistence the processor needs.
type Store interface {
	ClaimPost(ctx context.Context, id string, now time.Time) (bool, error)
	GetPost(ctx context.Context, id string) (*model.Post, error)
	FinishAttempt(ctx context.Context, id string, a storage.Attempt) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// Adapters resolves a platform to its publisher.
type Adapters interface {
	Get(p model.Platform) (publisher.Adapter, bool)
}

// Recorder observes attempts. The metrics layer implements it.
type Recorder interface {
	ObserveAttempt(platform string, outcome string, d time.Duration)
}

type Processor struct {
	store   Store
	pubs    Adapters
	ledger  quota.Ledger
	policy  *retry.Policy
	bus     eventbus.Bus
	log     logx.Logger
	rec     Recorder
	now     func() time.Time
	timeout time.Duration
}

type Option func(*Processor)

func WithLogger(log logx.Logger) Option { return func(p *Processor) { p.log = log } }
func WithRecorder(r Recorder) Option    { return func(p *Processor) { p.rec = r } }

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPublishTimeout bounds each platform call. Zero keeps the default.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func New(store Store, pubs Adapters, ledger quota.Ledger, policy *retry.Policy, bus eventbus.Bus, opts ...Option) *Processor {
	p := &Processor{
		store:   store,
		pubs:    pubs,
		ledger:  ledger,
		policy:  policy,
		bus:     bus,
		now:     time.Now,
		timeout: DefaultPublishTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.policy == nil {
		p.policy = retry.NewPolicy(retry.DefaultBaseDelay, retry.DefaultMaxJitter, retry.WithClock(p.now))
	}
	return p
}

// Process attempts the post once. It returns OutcomeSkipped with a nil error
// when another worker owns the post or it is no longer due. A publish failure
// is recorded on the post and also returned.
func (p *Processor) Process(ctx context.Context, postID string) (Outcome, error) {
	start := p.now()
	ok, err := p.store.ClaimPost(ctx, postID, start.UTC())
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("claim %s: %w", postID, err)
	}
	if !ok {
		p.log.Debug("claim lost", logx.String("post_id", postID))
		return OutcomeSkipped, nil
	}

	lctx, cancel := detached(ctx)
	post, err := p.store.GetPost(lctx, postID)
	cancel()
	if err != nil {
		// The lease expires and the reclaim sweep returns the post to the retry path.
		return OutcomeSkipped, fmt.Errorf("load claimed post %s: %w", postID, err)
	}
	log := p.log.With(logx.String("post_id", post.ID), logx.String("tenant_id", post.TenantID), logx.String("platform", post.Platform.String()))

	out, perr := p.attempt(ctx, log, post)
	if p.rec != nil {
		p.rec.ObserveAttempt(post.Platform.String(), string(out), p.now().Sub(start))
	}
	return out, perr
}

// detached returns a context for recording an outcome. Once the platform has
// been called the result must be stored even if ctx was canceled meanwhile.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

func (p *Processor) attempt(ctx context.Context, log logx.Logger, post *model.Post) (Outcome, error) {
	account, err := p.store.GetAccount(ctx, post.AccountID)
	switch {
	case errors.Is(err, storage.ErrNotFound) || (err == nil && account.TenantID != post.TenantID):
		return p.fail(ctx, log, post, nil, fmt.Errorf("%w: %s", ErrAccountMissing, post.AccountID), false)
	case err != nil:
		return p.fail(ctx, log, post, nil, fmt.Errorf("load account: %w", err), true)
	case account.Status == model.AccountExpired:
		return p.fail(ctx, log, post, nil, fmt.Errorf("%w: %s", ErrAccountExpired, account.ID), false)
	}

	adapter, ok := p.pubs.Get(post.Platform)
	if !ok {
		return p.fail(ctx, log, post, account, fmt.Errorf("%w: %s", ErrAdapterMissing, post.Platform), false)
	}
	traits := adapter.Traits()

	if post.PlatformPostID != "" {
		return p.confirm(ctx, log, post)
	}

	if err := precheck(traits, post); err != nil {
		return p.fail(ctx, log, post, account, err, false)
	}
	if traits.Metered() {
		if err := p.ledger.CheckAvailability(ctx, post.TenantID, traits.QuotaMetric, traits.QuotaCost); err != nil {
			return p.fail(ctx, log, post, account, err, retry.Classify(err))
		}
	}

	res, err := p.publish(ctx, adapter, *account, *post)
	if err != nil {
		return p.fail(ctx, log, post, account, err, retry.Classify(err))
	}

	if traits.Metered() {
		cctx, cancel := detached(ctx)
		err := p.ledger.Consume(cctx, post.TenantID, traits.QuotaMetric, traits.QuotaCost)
		cancel()
		if err != nil {
			log.Error("quota consume failed after publish", logx.String("metric", string(traits.QuotaMetric)), logx.Err(err))
		}
	}
	return p.succeed(ctx, log, post, traits, res)
}

func precheck(t publisher.Traits, post *model.Post) error {
	if t.RequiresMedia && len(post.MediaURLs) == 0 {
		return fmt.Errorf("%w for %s", ErrMediaRequired, post.Platform)
	}
	if t.MaxTextLength > 0 {
		if n := utf8.RuneCountInString(post.Content); n > t.MaxTextLength {
			return fmt.Errorf("%w: %d characters, %s allows %d", ErrTextTooLong, n, post.Platform, t.MaxTextLength)
		}
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, a publisher.Adapter, account model.Account, post model.Post) (res publisher.Result, err error) {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("publisher panicked", logx.String("platform", post.Platform.String()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = &retry.PlatformError{Platform: post.Platform, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return a.Publish(pctx, account, post)
}

// confirm completes a post the platform already accepted on an earlier
// attempt. post-published was announced then, so only post-updated goes out.
func (p *Processor) confirm(ctx context.Context, log logx.Logger, post *model.Post) (Outcome, error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	now := p.now().UTC()
	err := p.store.FinishAttempt(ctx, post.ID, storage.Attempt{
		At:         now,
		Status:     model.StatusPublished,
		RetryCount: post.RetryCount,
		Logs:       []model.LogEntry{{At: now, Level: model.LogInfo, Message: "publish confirmed for platform post " + post.PlatformPostID}},
	})
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("record confirmation: %w", err)
	}
	log.Info("post confirmed", logx.String("platform_post_id", post.PlatformPostID))
	p.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostUpdated, post.TenantID, eventbus.PostUpdatedPayload{
		PostID: post.ID, Status: model.StatusPublished, Reason: "platform confirmed",
	}))
	return OutcomePublished, nil
}

func (p *Processor) succeed(ctx context.Context, log logx.Logger, post *model.Post, traits publisher.Traits, res publisher.Result) (Outcome, error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	now := p.now().UTC()
	a := storage.Attempt{
		At:             now,
		Status:         model.StatusPublished,
		RetryCount:     post.RetryCount,
		PlatformPostID: res.ID,
		PlatformURL:    res.URL,
	}
	out := OutcomePublished
	if traits.Async {
		due := now.Add(traits.Maturation)
		a.Status = model.StatusScheduled
		a.ScheduledAt = &due
		a.Logs = append(a.Logs, model.LogEntry{At: now, Level: model.LogInfo, Message: fmt.Sprintf("accepted by %s as %s; completing after %s", post.Platform, res.ID, traits.Maturation)})
		out = OutcomeAccepted
	} else {
		a.Logs = append(a.Logs, model.LogEntry{At: now, Level: model.LogInfo, Message: fmt.Sprintf("published to %s as %s", post.Platform, res.ID)})
	}

	if err := p.store.FinishAttempt(ctx, post.ID, a); err != nil {
		// Remote side succeeded; a reclaimed lease here means a duplicate is possible.
		log.Error("record publish failed", logx.String("platform_post_id", res.ID), logx.Err(err))
		return OutcomeSkipped, fmt.Errorf("record publish: %w", err)
	}
	log.Info("post published", logx.String("platform_post_id", res.ID), logx.Bool("async", traits.Async))
	p.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostPublished, post.TenantID, eventbus.PostPublishedPayload{
		PostID: post.ID, Platform: post.Platform, PlatformPostID: res.ID, URL: res.URL,
	}))
	return out, nil
}

// fail records a failed attempt. A retryable failure consumes one unit of the
// retry budget; when budget remains the post is rescheduled, otherwise it is
// terminal. account is nil when it could not be resolved.
func (p *Processor) fail(ctx context.Context, log logx.Logger, post *model.Post, account *model.Account, cause error, retryable bool) (Outcome, error) {
	if ctx.Err() != nil && errors.Is(cause, context.Canceled) {
		return p.release(ctx, log, post, cause)
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	now := p.now().UTC()
	prev := post.RetryCount
	a := storage.Attempt{At: now, Status: model.StatusFailed, RetryCount: prev}

	out := OutcomeFailed
	if retryable && prev < post.MaxRetries {
		a.RetryCount = prev + 1
		if a.RetryCount < post.MaxRetries {
			next := p.policy.NextAttempt(prev, cause).UTC()
			a.NextRetryAt = &next
			out = OutcomeRetrying
		}
	}

	switch out {
	case OutcomeRetrying:
		a.Error = fmt.Sprintf("attempt %d/%d failed: %v", a.RetryCount, post.MaxRetries, cause)
		a.Logs = []model.LogEntry{{At: now, Level: model.LogWarn, Message: fmt.Sprintf("%s; retrying at %s", a.Error, a.NextRetryAt.Format(time.RFC3339))}}
	default:
		if retryable {
			a.Error = fmt.Sprintf("retries exhausted after %d attempts: %v", a.RetryCount, cause)
		} else {
			a.Error = cause.Error()
		}
		a.Logs = []model.LogEntry{{At: now, Level: model.LogError, Message: a.Error}}
	}

	if err := p.store.FinishAttempt(ctx, post.ID, a); err != nil {
		log.Error("record failure failed", logx.Err(err), logx.String("cause", cause.Error()))
		return OutcomeSkipped, errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}

	if out == OutcomeRetrying {
		log.Warn("publish failed; retry scheduled", logx.Int("retry_count", a.RetryCount), logx.Time("next_retry_at", *a.NextRetryAt), logx.Err(cause))
		p.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostRetryScheduled, post.TenantID, eventbus.PostRetryScheduledPayload{
			PostID: post.ID, RetryCount: a.RetryCount, NextRetryAt: *a.NextRetryAt, Error: a.Error,
		}))
	} else {
		log.Error("publish failed", logx.Int("retry_count", a.RetryCount), logx.Bool("retryable", retryable), logx.Err(cause))
		p.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostFailed, post.TenantID, eventbus.PostFailedPayload{
			PostID: post.ID, Platform: post.Platform, Error: a.Error, RetryCount: a.RetryCount,
		}))
	}

	if account != nil && retry.IsAuthFailure(cause) {
		p.bus.Publish(ctx, eventbus.NewEvent(eventbus.AccountExpired, post.TenantID, eventbus.AccountExpiredPayload{
			AccountID: account.ID, Platform: account.Platform, Error: cause.Error(),
		}))
	}
	return out, cause
}

// release hands a post interrupted by shutdown back to the due set. The
// attempt never completed, so the retry budget and last error are untouched.
func (p *Processor) release(ctx context.Context, log logx.Logger, post *model.Post, cause error) (Outcome, error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	now := p.now().UTC()

	status := model.StatusScheduled
	due := post.ScheduledAt
	if due.IsZero() {
		due = now
	}
	a := storage.Attempt{
		At:          now,
		Status:      status,
		RetryCount:  post.RetryCount,
		Error:       post.Error,
		ScheduledAt: &due,
		Logs:        []model.LogEntry{{At: now, Level: model.LogWarn, Message: "attempt interrupted by shutdown; released for the next pass"}},
	}
	if err := p.store.FinishAttempt(ctx, post.ID, a); err != nil {
		log.Error("release failed", logx.Err(err), logx.String("cause", cause.Error()))
		return OutcomeSkipped, errors.Join(cause, fmt.Errorf("record release: %w", err))
	}
	log.Warn("publish interrupted; post released", logx.Err(cause))
	p.bus.Publish(ctx, eventbus.NewEvent(eventbus.PostUpdated, post.TenantID, eventbus.PostUpdatedPayload{
		PostID: post.ID, Status: status, Reason: "attempt interrupted",
	}))
	return OutcomeReleased, cause
}
