package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cadence/internal/model"
)

// CreateAccount stores a, sealing its tokens with the configured codec.
func (s *SQLite) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		return errors.New("account id is required")
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = model.AccountActive
	}
	access, err := s.codec.Seal(a.AccessToken, a.ID)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.codec.Seal(a.RefreshToken, a.ID)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO accounts(id, tenant_id, platform, handle, access_token, refresh_token, expires_at, status, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, string(a.Platform), a.Handle, access, refresh, msOrNil(a.ExpiresAt), string(a.Status),
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli())
	return err
}

// GetAccount loads an account and opens its tokens.
func (s *SQLite) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var platform, status, access, refresh string
	var expires sql.NullInt64
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, platform, handle, access_token, refresh_token, expires_at, status, created_at, updated_at
		FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.TenantID, &platform, &a.Handle, &access, &refresh, &expires, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.Platform = model.Platform(platform)
	a.Status = model.AccountStatus(status)
	a.ExpiresAt = fromNullMS(expires)
	a.CreatedAt = fromMS(created)
	a.UpdatedAt = fromMS(updated)
	if a.AccessToken, err = s.codec.Open(access, a.ID); err != nil {
		return nil, fmt.Errorf("account %s access token: %w", id, err)
	}
	if a.RefreshToken, err = s.codec.Open(refresh, a.ID); err != nil {
		return nil, fmt.Errorf("account %s refresh token: %w", id, err)
	}
	return &a, nil
}

func (s *SQLite) SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
