package subscribers

import (
	"context"
	"errors"

	"cadence/internal/eventbus"
	"cadence/internal/model"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

type AccountStore interface {
	SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error
}

// AccountStatus marks an account expired once a publish proved its
// credentials dead, so later posts fail fast without calling the platform.
type AccountStatus struct {
	st  AccountStore
	log logx.Logger
}

func NewAccountStatus(st AccountStore, log logx.Logger) *AccountStatus {
	return &AccountStatus{st: st, log: log.With(logx.String("comp", "subscribers.account_status"))}
}

func (s *AccountStatus) Handle(ctx context.Context, e eventbus.Event) error {
	p, ok := eventbus.PayloadAs[eventbus.AccountExpiredPayload](e)
	if !ok || p.AccountID == "" {
		return nil
	}
	err := s.st.SetAccountStatus(ctx, p.AccountID, model.AccountExpired)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("expired account no longer exists", logx.String("account_id", p.AccountID))
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info("account marked expired", logx.String("account_id", p.AccountID), logx.String("platform", string(p.Platform)))
	return nil
}
