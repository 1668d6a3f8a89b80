package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/model"
)

const postColumns = `id, tenant_id, user_id, platform, account_id, content, media_urls, scheduled_at,
	status, retry_count, max_retries, next_retry_at, error, platform_post_id, platform_url,
	is_evergreen, evergreen_interval, evergreen_status, source_post_id, claimed_at, created_at, updated_at`

// live excludes soft-deleted posts.
const live = `deleted_at IS NULL`

// dueClause is the claimable predicate shared by the due query and the claim.
const dueClause = live + ` AND ((status IN ('pending','scheduled') AND scheduled_at > 0 AND scheduled_at <= ?)
	OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND retry_count < max_retries))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (*model.Post, error) {
	var p model.Post
	var platform, status, media string
	var scheduledAt, createdAt, updatedAt int64
	var nextRetry, claimed sql.NullInt64
	var errMsg, remoteID, remoteURL, evergreenStatus, sourceID sql.NullString
	var isEvergreen int
	if err := r.Scan(&p.ID, &p.TenantID, &p.UserID, &platform, &p.AccountID, &p.Content, &media, &scheduledAt,
		&status, &p.RetryCount, &p.MaxRetries, &nextRetry, &errMsg, &remoteID, &remoteURL,
		&isEvergreen, &p.EvergreenInterval, &evergreenStatus, &sourceID, &claimed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Platform = model.Platform(platform)
	p.Status = model.Status(status)
	if media != "" {
		if err := json.Unmarshal([]byte(media), &p.MediaURLs); err != nil {
			return nil, fmt.Errorf("post %s media_urls: %w", p.ID, err)
		}
	}
	if scheduledAt > 0 {
		p.ScheduledAt = fromMS(scheduledAt)
	}
	p.NextRetryAt = fromNullMS(nextRetry)
	p.Error = errMsg.String
	p.PlatformPostID = remoteID.String
	p.PlatformURL = remoteURL.String
	p.IsEvergreen = isEvergreen != 0
	p.EvergreenStatus = model.EvergreenStatus(evergreenStatus.String)
	p.SourcePostID = sourceID.String
	p.ClaimedAt = fromNullMS(claimed)
	p.CreatedAt = fromMS(createdAt)
	p.UpdatedAt = fromMS(updatedAt)
	return &p, nil
}

func (s *SQLite) CreatePost(ctx context.Context, p *model.Post) error {
	if p.ID == "" {
		return errors.New("post id is required")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	media, err := json.Marshal(nonNil(p.MediaURLs))
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO posts(`+postColumns+`)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			p.ID, p.TenantID, p.UserID, string(p.Platform), p.AccountID, p.Content, string(media), msOrZero(p.ScheduledAt),
			string(p.Status), p.RetryCount, p.MaxRetries, msOrNil(p.NextRetryAt), nullStr(p.Error), nullStr(p.PlatformPostID), nullStr(p.PlatformURL),
			boolInt(p.IsEvergreen), p.EvergreenInterval, nullStr(string(p.EvergreenStatus)), nullStr(p.SourcePostID), msOrNil(p.ClaimedAt),
			p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		return insertLogs(ctx, tx, p.ID, p.Logs)
	})
}

func (s *SQLite) GetPost(ctx context.Context, id string) (*model.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ? AND `+live, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT at, level, message FROM post_logs WHERE post_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var at int64
		var level, msg string
		if err := rows.Scan(&at, &level, &msg); err != nil {
			return nil, err
		}
		p.Logs = append(p.Logs, model.LogEntry{At: fromMS(at), Level: model.LogLevel(level), Message: msg})
	}
	return p, rows.Err()
}

func (s *SQLite) ListPosts(ctx context.Context, f PostFilter) ([]model.Post, error) {
	var (
		where = []string{live}
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.SourceID != "" {
		where = append(where, "source_post_id = ?")
		args = append(args, f.SourceID)
	}
	q := `SELECT ` + postColumns + ` FROM posts WHERE ` + strings.Join(where, " AND ")
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DuePostIDs returns claimable posts ordered by due time.
func (s *SQLite) DuePostIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM posts WHERE `+dueClause+`
		ORDER BY COALESCE(CASE WHEN status = 'failed' THEN next_retry_at END, scheduled_at), id
		LIMIT ?`, ms, ms, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimPost moves a due post to processing. False means another worker won or
// the post is not due.
func (s *SQLite) ClaimPost(ctx context.Context, id string, now time.Time) (bool, error) {
	ms := now.UnixMilli()
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id = ? AND `+dueClause, ms, ms, id, ms, ms)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishAttempt records an attempt outcome. Only a processing post accepts it.
func (s *SQLite) FinishAttempt(ctx context.Context, id string, a Attempt) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		q := `UPDATE posts SET status = ?, retry_count = ?, next_retry_at = ?, error = ?,
			platform_post_id = COALESCE(?, platform_post_id), platform_url = COALESCE(?, platform_url),
			claimed_at = NULL, updated_at = ?`
		args := []any{string(a.Status), a.RetryCount, msOrNil(a.NextRetryAt), nullStr(a.Error),
			nullStr(a.PlatformPostID), nullStr(a.PlatformURL), a.At.UnixMilli()}
		if a.ScheduledAt != nil {
			q += `, scheduled_at = ?`
			args = append(args, a.ScheduledAt.UnixMilli())
		}
		q += ` WHERE id = ? AND status = 'processing'`
		args = append(args, id)

		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("post %s: %w", id, ErrNotClaimed)
		}
		return insertLogs(ctx, tx, id, a.Logs)
	})
}

// TransitionPost moves a tenant's post from one of the from statuses to to.
func (s *SQLite) TransitionPost(ctx context.Context, tenantID, id string, from []model.Status, to model.Status, entry model.LogEntry) (*model.Post, error) {
	if len(from) == 0 {
		return nil, errors.New("transition requires source statuses")
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), time.Now().UTC().UnixMilli(), id, tenantID}
	for _, f := range from {
		args = append(args, string(f))
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE posts SET status = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND `+live+` AND status IN (`+ph+`)`, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = ? AND tenant_id = ? AND `+live, id, tenantID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("post %s: %w", id, ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("post %s: %w", id, ErrConflict)
		}
		if entry.Message == "" {
			return nil
		}
		return insertLogs(ctx, tx, id, []model.LogEntry{entry})
	})
	if err != nil {
		return nil, err
	}
	return s.GetPost(ctx, id)
}

// DeletePost soft-deletes a tenant's post. The row and its history stay for
// audit but the post is no longer listed, due or claimable. A post being
// processed cannot be deleted.
func (s *SQLite) DeletePost(ctx context.Context, tenantID, id string) (*model.Post, error) {
	var p *model.Post
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = scanPost(tx.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ? AND tenant_id = ? AND `+live, id, tenantID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("post %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if p.Status == model.StatusProcessing {
			return fmt.Errorf("post %s is processing: %w", id, ErrConflict)
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE posts SET deleted_at = ?, updated_at = ? WHERE id = ?`,
			now.UnixMilli(), now.UnixMilli(), id); err != nil {
			return err
		}
		return insertLogs(ctx, tx, id, []model.LogEntry{{At: now, Level: model.LogInfo, Message: "deleted"}})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLite) SetEvergreenStatus(ctx context.Context, tenantID, id string, status model.EvergreenStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET evergreen_status = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND is_evergreen = 1 AND `+live, string(status), time.Now().UTC().UnixMilli(), id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("evergreen post %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReclaimStale fails posts stuck in processing since before cutoff. A post
// with budget left is made due again at now.
func (s *SQLite) ReclaimStale(ctx context.Context, cutoff, now time.Time) ([]Reclaimed, error) {
	var out []Reclaimed
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, tenant_id, platform, retry_count, max_retries FROM posts
			WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		type stale struct {
			r        Reclaimed
			maxRetry int
		}
		var found []stale
		for rows.Next() {
			var (
				st       stale
				platform string
			)
			if err := rows.Scan(&st.r.PostID, &st.r.TenantID, &platform, &st.r.RetryCount, &st.maxRetry); err != nil {
				rows.Close()
				return err
			}
			st.r.Platform = model.Platform(platform)
			found = append(found, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		ms := now.UnixMilli()
		for _, st := range found {
			r := st.r
			r.RetryCount = min(r.RetryCount+1, st.maxRetry)
			msg := "processing lease expired"
			if r.RetryCount < st.maxRetry {
				t := now
				r.NextRetryAt = &t
				msg = fmt.Sprintf("attempt %d/%d failed: %s", r.RetryCount, st.maxRetry, msg)
			}
			res, err := tx.ExecContext(ctx, `UPDATE posts SET status = 'failed', retry_count = ?, next_retry_at = ?,
				error = ?, claimed_at = NULL, updated_at = ? WHERE id = ? AND status = 'processing'`,
				r.RetryCount, msOrNil(r.NextRetryAt), msg, ms, r.PostID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if err := insertLogs(ctx, tx, r.PostID, []model.LogEntry{{At: now, Level: model.LogWarn, Message: msg}}); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *SQLite) AppendPostLogs(ctx context.Context, id string, entries ...model.LogEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return insertLogs(ctx, tx, id, entries) })
}

func insertLogs(ctx context.Context, tx *sql.Tx, postID string, entries []model.LogEntry) error {
	for _, e := range entries {
		at := e.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO post_logs(post_id, at, level, message) VALUES(?,?,?,?)`,
			postID, at.UnixMilli(), string(e.Level), e.Message); err != nil {
			return err
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
