package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cadence/internal/model"
)

func (s *SQLite) CreateRule(ctx context.Context, r *model.Rule) error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("rule conditions: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("rule actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO rules(id, tenant_id, name, trigger, conditions, actions, priority, active, created_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TenantID, r.Name, string(r.Trigger), string(conds), string(actions), r.Priority, boolInt(r.Active), r.CreatedAt.UnixMilli())
	return err
}

// ActiveRules returns the tenant's active rules for trigger, highest priority first.
func (s *SQLite) ActiveRules(ctx context.Context, tenantID string, trigger model.Trigger) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, name, trigger, conditions, actions, priority, active, created_at
		FROM rules WHERE tenant_id = ? AND trigger = ? AND active = 1
		ORDER BY priority DESC, created_at, id`, tenantID, string(trigger))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		var r model.Rule
		var trig, conds, actions string
		var active int
		var created int64
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &trig, &conds, &actions, &r.Priority, &active, &created); err != nil {
			return nil, err
		}
		r.Trigger = model.Trigger(trig)
		r.Active = active != 0
		r.CreatedAt = fromMS(created)
		if err := decodeJSONNumbers(conds, &r.Conditions); err != nil {
			return nil, fmt.Errorf("rule %s conditions: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
			return nil, fmt.Errorf("rule %s actions: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// decodeJSONNumbers keeps numeric condition values as json.Number so large
// integers survive.
func decodeJSONNumbers(raw string, v any) error {
	dec := json.NewDecoder(bytesReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
