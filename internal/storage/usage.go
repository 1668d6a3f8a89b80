package storage

import (
	"context"
	"database/sql"
	"time"

	"cadence/internal/model"
)

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// loadUsage reads both scopes inside tx, creating rows from seed on first use
// and applying lazy resets: the global counter at each UTC day, the tenant
// counter when now passes cycle_end.
func loadUsage(ctx context.Context, tx *sql.Tx, tenantID string, metric model.Metric, now time.Time, seed UsageSeed) (tenant, global model.Usage, err error) {
	now = now.UTC()
	today := dayStart(now)
	ms := monthStart(now)

	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO global_usage(metric, used, lim, last_reset) VALUES(?,0,?,?)`,
		string(metric), seed.GlobalLimit, today.UnixMilli()); err != nil {
		return
	}
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO tenant_usage(tenant_id, metric, used, lim, cycle_start, cycle_end) VALUES(?,?,0,?,?,?)`,
		tenantID, string(metric), seed.TenantLimit, ms.UnixMilli(), ms.AddDate(0, 1, 0).UnixMilli()); err != nil {
		return
	}

	var lastReset int64
	global = model.Usage{Metric: metric}
	if err = tx.QueryRowContext(ctx, `SELECT used, lim, last_reset FROM global_usage WHERE metric = ?`, string(metric)).
		Scan(&global.Used, &global.Limit, &lastReset); err != nil {
		return
	}
	if fromMS(lastReset).Before(today) {
		if _, err = tx.ExecContext(ctx, `UPDATE global_usage SET used = 0, last_reset = ? WHERE metric = ?`, today.UnixMilli(), string(metric)); err != nil {
			return
		}
		global.Used = 0
		lastReset = today.UnixMilli()
	}
	global.CycleStart = fromMS(lastReset)
	global.CycleEnd = global.CycleStart.AddDate(0, 0, 1)

	var start, end int64
	tenant = model.Usage{TenantID: tenantID, Metric: metric}
	if err = tx.QueryRowContext(ctx, `SELECT used, lim, cycle_start, cycle_end FROM tenant_usage WHERE tenant_id = ? AND metric = ?`,
		tenantID, string(metric)).Scan(&tenant.Used, &tenant.Limit, &start, &end); err != nil {
		return
	}
	tenant.CycleStart, tenant.CycleEnd = fromMS(start), fromMS(end)
	if !now.Before(tenant.CycleEnd) {
		for !now.Before(tenant.CycleEnd) {
			tenant.CycleStart = tenant.CycleEnd
			tenant.CycleEnd = tenant.CycleStart.AddDate(0, 1, 0)
		}
		tenant.Used = 0
		if _, err = tx.ExecContext(ctx, `UPDATE tenant_usage SET used = 0, cycle_start = ?, cycle_end = ? WHERE tenant_id = ? AND metric = ?`,
			tenant.CycleStart.UnixMilli(), tenant.CycleEnd.UnixMilli(), tenantID, string(metric)); err != nil {
			return
		}
	}
	return tenant, global, nil
}

func (s *SQLite) LoadUsage(ctx context.Context, tenantID string, metric model.Metric, now time.Time, seed UsageSeed) (tenant, global model.Usage, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var lerr error
		tenant, global, lerr = loadUsage(ctx, tx, tenantID, metric, now, seed)
		return lerr
	})
	return tenant, global, err
}

func exceeds(u model.Usage, units int64) bool {
	return !u.Unlimited() && u.Used+units > u.Limit
}

func (s *SQLite) AddUsage(ctx context.Context, tenantID string, metric model.Metric, units int64, now time.Time, seed UsageSeed, capped bool) (model.QuotaScope, error) {
	var exceeded model.QuotaScope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		tenant, global, err := loadUsage(ctx, tx, tenantID, metric, now, seed)
		if err != nil {
			return err
		}
		if capped {
			switch {
			case exceeds(global, units):
				exceeded = model.ScopeGlobal
				return nil
			case exceeds(tenant, units):
				exceeded = model.ScopeTenant
				return nil
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE global_usage SET used = MAX(used + ?, 0) WHERE metric = ?`, units, string(metric)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE tenant_usage SET used = MAX(used + ?, 0) WHERE tenant_id = ? AND metric = ?`, units, tenantID, string(metric))
		return err
	})
	return exceeded, err
}

func (s *SQLite) SetTenantLimit(ctx context.Context, tenantID string, metric model.Metric, limit int64, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := loadUsage(ctx, tx, tenantID, metric, now, UsageSeed{TenantLimit: limit}); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE tenant_usage SET lim = ? WHERE tenant_id = ? AND metric = ?`, limit, tenantID, string(metric))
		return err
	})
}
