package notifier

import (
	"context"
	"time"
)

// Priority orders alerts. Values at or above PriorityCritical get the loudest
// prefix.
type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarn     Priority = 7
	PriorityCritical Priority = 9
)

// Alert is a short operator-facing message.
type Alert struct {
	Priority Priority
	TenantID string
	Title    string
	Text     string
	// Key overrides the dedup identity. Empty means Title+Text.
	Key string
}

// Sink delivers rendered alert text. The Telegram sink is the production
// implementation.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Deduped uint64 `json:"deduped"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}
