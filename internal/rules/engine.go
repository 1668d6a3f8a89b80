package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cadence/internal/model"
	"cadence/pkg/logx"
)

// RuleSource loads the active rules for one tenant and trigger.
type RuleSource interface {
	ActiveRules(ctx context.Context, tenantID string, trigger model.Trigger) ([]model.Rule, error)
}

// Hit is one fired action.
type Hit struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Message  string `json:"message"`
}

// Result buckets fired actions by type, in rule priority order.
type Result struct {
	Block  []Hit `json:"block,omitempty"`
	Warn   []Hit `json:"warn,omitempty"`
	Notify []Hit `json:"notify,omitempty"`
	Log    []Hit `json:"log,omitempty"`
}

func (r Result) Empty() bool {
	return len(r.Block) == 0 && len(r.Warn) == 0 && len(r.Notify) == 0 && len(r.Log) == 0
}

// Messages returns the messages of hits.
func Messages(hits []Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Message)
	}
	return out
}

// BlockError returns a *BlockedError when any BLOCK action fired.
func (r Result) BlockError() error {
	if len(r.Block) == 0 {
		return nil
	}
	return &BlockedError{Messages: Messages(r.Block)}
}

// BlockedError rejects a schedule request. The first message is primary.
type BlockedError struct {
	Messages []string
}

func (e *BlockedError) Error() string {
	if len(e.Messages) == 0 {
		return "blocked by rule"
	}
	return e.Messages[0]
}

type Engine struct {
	src RuleSource
	log logx.Logger
}

func New(src RuleSource, log logx.Logger) *Engine {
	return &Engine{src: src, log: log.With(logx.String("comp", "rules"))}
}

// Evaluate loads the tenant's active rules for trigger and runs them against data.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, trigger model.Trigger, data map[string]any) (Result, error) {
	rs, err := e.src.ActiveRules(ctx, tenantID, trigger)
	if err != nil {
		return Result{}, fmt.Errorf("load rules: %w", err)
	}
	res := e.evaluate(rs, data)
	if !res.Empty() {
		e.log.Debug("rules fired",
			logx.String("tenant_id", tenantID),
			logx.String("trigger", string(trigger)),
			logx.Int("block", len(res.Block)),
			logx.Int("warn", len(res.Warn)),
			logx.Int("notify", len(res.Notify)),
			logx.Int("log", len(res.Log)),
		)
	}
	return res, nil
}

// Evaluate runs rules against data without a store. Inactive rules are skipped.
func Evaluate(rs []model.Rule, data map[string]any) Result {
	return (&Engine{log: logx.Nop()}).evaluate(rs, data)
}

func (e *Engine) evaluate(rs []model.Rule, data map[string]any) Result {
	ordered := append([]model.Rule(nil), rs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	var res Result
	for _, r := range ordered {
		if !r.Active || !matches(r.Conditions, data) {
			continue
		}
		for _, a := range r.Actions {
			hit := Hit{RuleID: r.ID, RuleName: r.Name, Message: a.Message}
			switch strings.ToLower(string(a.Type)) {
			case "block":
				res.Block = append(res.Block, hit)
			case "warn":
				res.Warn = append(res.Warn, hit)
			case "notify":
				res.Notify = append(res.Notify, hit)
			case "log":
				res.Log = append(res.Log, hit)
			default:
				e.log.Debug("unknown rule action ignored", logx.String("rule_id", r.ID), logx.String("type", string(a.Type)))
			}
		}
	}
	return res
}

// matches is a logical AND; no conditions is vacuously true.
func matches(conds []model.Condition, data map[string]any) bool {
	for _, c := range conds {
		if !apply(c.Operator, contextValueAt(data, c.Field), c.Value) {
			return false
		}
	}
	return true
}

// contextValueAt resolves a dotted path ("post.content") over nested maps.
func contextValueAt(data map[string]any, field string) any {
	var cur any = data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}
