package model

import "time"

// Metric names a quota-tracked quantity.
type Metric string

const (
	MetricPosts        Metric = "posts"
	MetricConnections  Metric = "connections"
	MetricStorageBytes Metric = "storage_bytes"
	MetricSeats        Metric = "seats"
	MetricYouTubeUnits Metric = "youtube_units"
)

// Usage is one metric's counter in one scope. Limit <= 0 means unlimited.
type Usage struct {
	TenantID   string    `json:"tenant_id,omitempty"` // empty for the global scope
	Metric     Metric    `json:"metric"`
	Used       int64     `json:"used"`
	Limit      int64     `json:"limit"`
	CycleStart time.Time `json:"cycle_start"`
	CycleEnd   time.Time `json:"cycle_end,omitempty"`
}

func (u Usage) Unlimited() bool { return u.Limit <= 0 }

// Remaining returns how many units are left, or -1 when unlimited.
func (u Usage) Remaining() int64 {
	if u.Unlimited() {
		return -1
	}
	if r := u.Limit - u.Used; r > 0 {
		return r
	}
	return 0
}

// QuotaScope is one of the two independent budgets.
type QuotaScope string

const (
	ScopeGlobal QuotaScope = "global"
	ScopeTenant QuotaScope = "tenant"
)
