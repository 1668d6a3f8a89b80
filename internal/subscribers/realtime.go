package subscribers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"cadence/internal/eventbus"
)

const DefaultRealtimePrefix = "cadence:realtime"

// realtimeKinds are the events browsers care about. Retry bookkeeping stays
// internal.
var realtimeKinds = map[eventbus.Kind]bool{
	eventbus.PostCreated:    true,
	eventbus.PostUpdated:    true,
	eventbus.PostPublished:  true,
	eventbus.PostFailed:     true,
	eventbus.PostDeleted:    true,
	eventbus.AccountExpired: true,
}

// Realtime relays events to a per-tenant Redis pub/sub channel
// ("<prefix>:<tenant>") where the websocket tier picks them up.
type Realtime struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRealtime(rdb redis.UniversalClient, prefix string) *Realtime {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultRealtimePrefix
	}
	return &Realtime{rdb: rdb, prefix: prefix}
}

// Channel returns the pub/sub channel for tenantID.
func (r *Realtime) Channel(tenantID string) string { return r.prefix + ":" + tenantID }

// RealtimeKinds lists the relayed kinds, for subscription filtering.
func RealtimeKinds() []eventbus.Kind {
	out := make([]eventbus.Kind, 0, len(realtimeKinds))
	for _, k := range eventbus.Kinds() {
		if realtimeKinds[k] {
			out = append(out, k)
		}
	}
	return out
}

func (r *Realtime) Handle(ctx context.Context, e eventbus.Event) error {
	if !realtimeKinds[e.Kind] || e.TenantID == "" {
		return nil
	}
	msg, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.Channel(e.TenantID), msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}
