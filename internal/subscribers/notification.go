package subscribers

import (
	"context"
	"errors"
	"fmt"

	"cadence/internal/eventbus"
	"cadence/internal/notifier"
)

type Alerter interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

// Notification forwards terminal failures and expired accounts to the
// operator alert pipeline. Notify only enqueues, so it runs inline.
type Notification struct {
	alerts Alerter
}

func NewNotification(a Alerter) *Notification { return &Notification{alerts: a} }

func (n *Notification) Handle(ctx context.Context, e eventbus.Event) error {
	var a notifier.Alert
	switch p := e.Payload.(type) {
	case eventbus.PostFailedPayload:
		a = notifier.Alert{
			Priority: notifier.PriorityWarn,
			TenantID: e.TenantID,
			Title:    "Post failed",
			Text:     fmt.Sprintf("%s post %s failed after %d retries: %s", p.Platform, p.PostID, p.RetryCount, p.Error),
			Key:      "post-failed:" + p.PostID,
		}
	case eventbus.AccountExpiredPayload:
		a = notifier.Alert{
			Priority: notifier.PriorityCritical,
			TenantID: e.TenantID,
			Title:    "Account expired",
			Text:     fmt.Sprintf("%s account %s: %s", p.Platform, p.AccountID, p.Error),
			Key:      "account-expired:" + p.AccountID,
		}
	default:
		return nil
	}
	err := n.alerts.Notify(ctx, a)
	if errors.Is(err, notifier.ErrDisabled) {
		return nil
	}
	return err
}
