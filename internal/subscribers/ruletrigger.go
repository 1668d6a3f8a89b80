package subscribers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	"cadence/internal/model"
	"cadence/internal/rules"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

type Evaluator interface {
	Evaluate(ctx context.Context, tenantID string, trigger model.Trigger, data map[string]any) (rules.Result, error)
}

type RuleStore interface {
	GetPost(ctx context.Context, id string) (*model.Post, error)
	AppendAudit(ctx context.Context, r model.AuditRecord) error
	CreateNotification(ctx context.Context, n model.Notification) error
}

// RuleTrigger runs POST_PUBLISHED and POST_FAILED rules. NOTIFY actions
// become notifications plus an audit record; LOG actions become an audit
// record plus a log line. BLOCK and WARN have nothing to act on after the
// fact and are ignored.
type RuleTrigger struct {
	st  RuleStore
	ev  Evaluator
	log logx.Logger
	now func() time.Time
}

func NewRuleTrigger(st RuleStore, ev Evaluator, log logx.Logger) *RuleTrigger {
	return &RuleTrigger{
		st:  st,
		ev:  ev,
		log: log.With(logx.String("comp", "subscribers.rules")),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func triggerFor(k eventbus.Kind) (model.Trigger, bool) {
	switch k {
	case eventbus.PostPublished:
		return model.TriggerPostPublished, true
	case eventbus.PostFailed:
		return model.TriggerPostFailed, true
	}
	return "", false
}

func (t *RuleTrigger) Handle(ctx context.Context, e eventbus.Event) error {
	trigger, ok := triggerFor(e.Kind)
	if !ok {
		return nil
	}
	post, err := t.st.GetPost(ctx, e.EntityID())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}

	res, err := t.ev.Evaluate(ctx, post.TenantID, trigger, rules.BuildPostContext(post))
	if err != nil {
		return err
	}

	var errs []error
	for _, h := range res.Notify {
		n := model.Notification{
			ID:        uuid.NewString(),
			TenantID:  post.TenantID,
			Kind:      "rule",
			Title:     h.RuleName,
			Message:   h.Message,
			EntityID:  post.ID,
			CreatedAt: t.now(),
		}
		if err := t.st.CreateNotification(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("rule %s notify: %w", h.RuleID, err))
			continue
		}
		errs = append(errs, t.audit(ctx, post, "rule.notify", trigger, h))
	}
	for _, h := range res.Log {
		t.log.Info("rule log",
			logx.String("rule_id", h.RuleID),
			logx.String("trigger", string(trigger)),
			logx.String("post_id", post.ID),
			logx.String("message", h.Message),
		)
		errs = append(errs, t.audit(ctx, post, "rule.log", trigger, h))
	}
	return errors.Join(errs...)
}

func (t *RuleTrigger) audit(ctx context.Context, post *model.Post, kind string, trigger model.Trigger, h rules.Hit) error {
	payload, err := json.Marshal(struct {
		rules.Hit
		Trigger model.Trigger `json:"trigger"`
	}{h, trigger})
	if err != nil {
		return err
	}
	return t.st.AppendAudit(ctx, model.AuditRecord{
		ID:       uuid.NewString(),
		TenantID: post.TenantID,
		Kind:     kind,
		EntityID: post.ID,
		Payload:  payload,
		At:       t.now(),
	})
}
