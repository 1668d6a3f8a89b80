package model

import "time"

type Trigger string

const (
	TriggerBeforeSchedule Trigger = "BEFORE_SCHEDULE"
	TriggerPostPublished  Trigger = "POST_PUBLISHED"
	TriggerPostFailed     Trigger = "POST_FAILED"
)

type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpLt          Operator = "lt"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpBetween     Operator = "between"
)

type ActionType string

const (
	ActionBlock  ActionType = "BLOCK"
	ActionWarn   ActionType = "WARN"
	ActionNotify ActionType = "NOTIFY"
	ActionLog    ActionType = "LOG"
)

type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

type Action struct {
	Type    ActionType `json:"type"`
	Message string     `json:"message"`
}

// Rule is a tenant-scoped policy evaluated at one lifecycle trigger.
type Rule struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	Name       string      `json:"name"`
	Trigger    Trigger     `json:"trigger"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	Priority   int         `json:"priority"`
	Active     bool        `json:"active"`
	CreatedAt  time.Time   `json:"created_at"`
}
