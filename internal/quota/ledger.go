// Package quota tracks metered usage in two independent scopes: a global
// counter per metric that resets every UTC day, and a per-tenant counter that
// resets at the end of the tenant's monthly billing cycle.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/model"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

// ErrExceeded matches every *ExceededError.
var ErrExceeded = errors.New("quota exceeded")

// ExceededError names the scope that would overflow.
type ExceededError struct {
	Scope     model.QuotaScope
	TenantID  string
	Metric    model.Metric
	Used      int64
	Limit     int64
	Requested int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded for %s: used %d of %d, requested %d", e.Scope, e.Metric, e.Used, e.Limit, e.Requested)
}

func (e *ExceededError) Is(target error) bool { return target == ErrExceeded }

// Ledger is the quota API used by the scheduling service and the processor.
type Ledger interface {
	// CheckAvailability fails with *ExceededError when units would overflow
	// either scope. Global is checked first.
	CheckAvailability(ctx context.Context, tenantID string, metric model.Metric, units int64) error
	// Consume adds units to both scopes without a cap.
	Consume(ctx context.Context, tenantID string, metric model.Metric, units int64) error
	// TryConsume checks and increments both scopes atomically.
	TryConsume(ctx context.Context, tenantID string, metric model.Metric, units int64) error
	// Release gives back units taken by TryConsume. Counters never go negative.
	Release(ctx context.Context, tenantID string, metric model.Metric, units int64) error
	Usage(ctx context.Context, tenantID string, metric model.Metric) (tenant, global model.Usage, err error)
}

// Limits are the configured defaults per metric. Missing or <=0 is unlimited.
type Limits struct {
	GlobalDaily   map[model.Metric]int64
	TenantMonthly map[model.Metric]int64
}

func (l Limits) global(m model.Metric) int64 { return l.GlobalDaily[m] }
func (l Limits) tenant(m model.Metric) int64 { return l.TenantMonthly[m] }

// LimitsFromConfig converts metric-name keyed maps.
func LimitsFromConfig(c config.QuotaConfig) Limits {
	conv := func(in map[string]int64) map[model.Metric]int64 {
		out := make(map[model.Metric]int64, len(in))
		for k, v := range in {
			out[model.Metric(strings.ToLower(strings.TrimSpace(k)))] = v
		}
		return out
	}
	return Limits{GlobalDaily: conv(c.GlobalDaily), TenantMonthly: conv(c.TenantMonthly)}
}

type Option func(*options)

type options struct {
	now func() time.Time
	log logx.Logger
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// SQLLedger keeps counters in the store. Rows are seeded from Limits on
// first use; a tenant's limit may later be changed per row.
type SQLLedger struct {
	store  storage.UsageStore
	limits Limits
	opts   options
}

func NewSQLLedger(store storage.UsageStore, limits Limits, opts ...Option) *SQLLedger {
	return &SQLLedger{store: store, limits: limits, opts: buildOptions(opts)}
}

func (l *SQLLedger) seed(m model.Metric) storage.UsageSeed {
	return storage.UsageSeed{GlobalLimit: l.limits.global(m), TenantLimit: l.limits.tenant(m)}
}

func (l *SQLLedger) CheckAvailability(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	tenant, global, err := l.store.LoadUsage(ctx, tenantID, metric, l.opts.now(), l.seed(metric))
	if err != nil {
		return err
	}
	return checkScopes(tenantID, tenant, global, units)
}

func (l *SQLLedger) Consume(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	if units <= 0 {
		return nil
	}
	_, err := l.store.AddUsage(ctx, tenantID, metric, units, l.opts.now(), l.seed(metric), false)
	return err
}

func (l *SQLLedger) TryConsume(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	if units <= 0 {
		return nil
	}
	now := l.opts.now()
	scope, err := l.store.AddUsage(ctx, tenantID, metric, units, now, l.seed(metric), true)
	if err != nil || scope == "" {
		return err
	}
	// Re-read for the error detail; the refusal itself was atomic.
	tenant, global, lerr := l.store.LoadUsage(ctx, tenantID, metric, now, l.seed(metric))
	if lerr != nil {
		return &ExceededError{Scope: scope, TenantID: tenantID, Metric: metric, Requested: units}
	}
	u := tenant
	if scope == model.ScopeGlobal {
		u = global
	}
	return &ExceededError{Scope: scope, TenantID: tenantID, Metric: metric, Used: u.Used, Limit: u.Limit, Requested: units}
}

func (l *SQLLedger) Release(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	if units <= 0 {
		return nil
	}
	_, err := l.store.AddUsage(ctx, tenantID, metric, -units, l.opts.now(), l.seed(metric), false)
	return err
}

func (l *SQLLedger) Usage(ctx context.Context, tenantID string, metric model.Metric) (model.Usage, model.Usage, error) {
	return l.store.LoadUsage(ctx, tenantID, metric, l.opts.now(), l.seed(metric))
}

func checkScopes(tenantID string, tenant, global model.Usage, units int64) error {
	if !global.Unlimited() && global.Used+units > global.Limit {
		return &ExceededError{Scope: model.ScopeGlobal, TenantID: tenantID, Metric: global.Metric, Used: global.Used, Limit: global.Limit, Requested: units}
	}
	if !tenant.Unlimited() && tenant.Used+units > tenant.Limit {
		return &ExceededError{Scope: model.ScopeTenant, TenantID: tenantID, Metric: tenant.Metric, Used: tenant.Used, Limit: tenant.Limit, Requested: units}
	}
	return nil
}
