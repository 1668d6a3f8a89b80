package subscribers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	"cadence/internal/model"
)

type AuditStore interface {
	AppendAudit(ctx context.Context, r model.AuditRecord) error
	CreateNotification(ctx context.Context, n model.Notification) error
}

// Audit writes one immutable record per event. Failures and expired accounts
// also raise a tenant-visible notification.
type Audit struct {
	st  AuditStore
	now func() time.Time
}

func NewAudit(st AuditStore) *Audit {
	return &Audit{st: st, now: func() time.Time { return time.Now().UTC() }}
}

func (a *Audit) Handle(ctx context.Context, e eventbus.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	at := e.Time
	if at.IsZero() {
		at = a.now()
	}
	if err := a.st.AppendAudit(ctx, model.AuditRecord{
		ID:       uuid.NewString(),
		TenantID: e.TenantID,
		Kind:     string(e.Kind),
		EntityID: e.EntityID(),
		Payload:  payload,
		At:       at,
	}); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}

	n, ok := notificationFor(e)
	if !ok {
		return nil
	}
	n.ID = uuid.NewString()
	n.TenantID = e.TenantID
	n.EntityID = e.EntityID()
	n.CreatedAt = at
	if err := a.st.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func notificationFor(e eventbus.Event) (model.Notification, bool) {
	switch p := e.Payload.(type) {
	case eventbus.PostFailedPayload:
		return model.Notification{
			Kind:    string(e.Kind),
			Title:   "Post failed",
			Message: fmt.Sprintf("Your %s post could not be published: %s", p.Platform, p.Error),
		}, true
	case eventbus.AccountExpiredPayload:
		return model.Notification{
			Kind:    string(e.Kind),
			Title:   "Account disconnected",
			Message: fmt.Sprintf("Your %s account needs to be reconnected: %s", p.Platform, p.Error),
		}, true
	}
	return model.Notification{}, false
}
