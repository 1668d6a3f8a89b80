package storage

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"time"

	"cadence/internal/model"
)

func (s *SQLite) AppendAudit(ctx context.Context, r model.AuditRecord) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	payload := string(r.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit(id, tenant_id, kind, entity_id, payload, at) VALUES(?,?,?,?,?,?)`,
		r.ID, r.TenantID, r.Kind, r.EntityID, payload, r.At.UnixMilli())
	return err
}

func (s *SQLite) ListAudit(ctx context.Context, tenantID string, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, kind, entity_id, payload, at FROM audit
		WHERE tenant_id = ? ORDER BY at, rowid LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var payload string
		var at int64
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Kind, &r.EntityID, &payload, &at); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		r.At = fromMS(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateNotification(ctx context.Context, n model.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications(id, tenant_id, kind, title, message, entity_id, read, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		n.ID, n.TenantID, n.Kind, n.Title, n.Message, nullStr(n.EntityID), boolInt(n.Read), n.CreatedAt.UnixMilli())
	return err
}

func (s *SQLite) ListNotifications(ctx context.Context, tenantID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, kind, title, message, entity_id, read, created_at
		FROM notifications WHERE tenant_id = ? ORDER BY created_at, rowid LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var entity sql.NullString
		var read int
		var created int64
		if err := rows.Scan(&n.ID, &n.TenantID, &n.Kind, &n.Title, &n.Message, &entity, &read, &created); err != nil {
			return nil, err
		}
		n.EntityID = entity.String
		n.Read = read != 0
		n.CreatedAt = fromMS(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

func bytesReader(s string) io.Reader { return bytes.NewReader([]byte(s)) }
