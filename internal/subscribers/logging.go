package subscribers

import (
	"context"

	"cadence/internal/eventbus"
	"cadence/pkg/logx"
)

// Logging emits one structured line per event. It does no I/O beyond the
// logger and runs inline.
type Logging struct {
	log logx.Logger
}

func NewLogging(log logx.Logger) *Logging {
	return &Logging{log: log.With(logx.String("comp", "events"))}
}

func (l *Logging) Handle(_ context.Context, e eventbus.Event) error {
	base := []logx.Field{
		logx.String("kind", string(e.Kind)),
		logx.String("tenant_id", e.TenantID),
		logx.String("entity_id", e.EntityID()),
	}
	switch p := e.Payload.(type) {
	case eventbus.PostCreatedPayload:
		l.log.Info("post created", append(base, logx.String("platform", string(p.Platform)), logx.String("status", string(p.Status)), logx.Time("scheduled_at", p.ScheduledAt))...)
	case eventbus.PostUpdatedPayload:
		l.log.Info("post updated", append(base, logx.String("status", string(p.Status)), logx.String("reason", p.Reason))...)
	case eventbus.PostPublishedPayload:
		l.log.Info("post published", append(base, logx.String("platform", string(p.Platform)), logx.String("platform_post_id", p.PlatformPostID))...)
	case eventbus.PostRetryScheduledPayload:
		l.log.Warn("post retry scheduled", append(base, logx.Int("retry_count", p.RetryCount), logx.Time("next_retry_at", p.NextRetryAt), logx.String("error", p.Error))...)
	case eventbus.PostFailedPayload:
		l.log.Error("post failed", append(base, logx.String("platform", string(p.Platform)), logx.Int("retry_count", p.RetryCount), logx.String("error", p.Error))...)
	case eventbus.PostDeletedPayload:
		l.log.Info("post deleted", base...)
	case eventbus.AccountExpiredPayload:
		l.log.Warn("account expired", append(base, logx.String("platform", string(p.Platform)), logx.String("error", p.Error))...)
	default:
		l.log.Debug("event", base...)
	}
	return nil
}
