package quota

import (
	"context"
	"errors"

	"cadence/internal/model"
)

// Recorder observes admission refusals. The metrics layer implements it.
type Recorder interface {
	QuotaRejected(scope model.QuotaScope, metric model.Metric)
}

// Observe wraps l so every *ExceededError is reported to rec.
func Observe(l Ledger, rec Recorder) Ledger {
	if rec == nil {
		return l
	}
	return &observed{Ledger: l, rec: rec}
}

type observed struct {
	Ledger
	rec Recorder
}

func (o *observed) CheckAvailability(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	return o.report(o.Ledger.CheckAvailability(ctx, tenantID, metric, units))
}

func (o *observed) TryConsume(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	return o.report(o.Ledger.TryConsume(ctx, tenantID, metric, units))
}

func (o *observed) report(err error) error {
	var ex *ExceededError
	if errors.As(err, &ex) {
		o.rec.QuotaRejected(ex.Scope, ex.Metric)
	}
	return err
}
