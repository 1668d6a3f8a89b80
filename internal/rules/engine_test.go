package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/model"
	"cadence/pkg/logx"
)

type staticSource struct {
	rules []model.Rule
	err   error
	calls []model.Trigger
}

func (s *staticSource) ActiveRules(_ context.Context, tenantID string, trigger model.Trigger) ([]model.Rule, error) {
	s.calls = append(s.calls, trigger)
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Rule
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.Trigger == trigger {
			out = append(out, r)
		}
	}
	return out, nil
}

func rule(id string, prio int, conds []model.Condition, actions ...model.Action) model.Rule {
	return model.Rule{ID: id, Name: id, TenantID: "t1", Trigger: model.TriggerBeforeSchedule, Priority: prio, Active: true, Conditions: conds, Actions: actions}
}

func TestEvaluate_EmptyConditionsAlwaysFire(t *testing.T) {
	t.Parallel()

	res := Evaluate([]model.Rule{rule("r1", 0, nil, model.Action{Type: model.ActionWarn, Message: "always"})}, map[string]any{})
	require.Len(t, res.Warn, 1)
	assert.Equal(t, "always", res.Warn[0].Message)
}

func TestEvaluate_AllConditionsMustHold(t *testing.T) {
	t.Parallel()

	r := rule("r1", 0, []model.Condition{
		{Field: "platform", Operator: model.OpEq, Value: "twitter"},
		{Field: "content", Operator: model.OpContains, Value: "SALE"},
	}, model.Action{Type: model.ActionBlock, Message: "no sales on twitter"})

	hit := Evaluate([]model.Rule{r}, map[string]any{"platform": "twitter", "content": "big sale today"})
	assert.Len(t, hit.Block, 1)

	miss := Evaluate([]model.Rule{r}, map[string]any{"platform": "linkedin", "content": "big sale today"})
	assert.Empty(t, miss.Block)
}

func TestEvaluate_PriorityOrderAndBuckets(t *testing.T) {
	t.Parallel()

	rs := []model.Rule{
		rule("low", 1, nil, model.Action{Type: model.ActionBlock, Message: "low"}),
		rule("high", 10, nil,
			model.Action{Type: model.ActionBlock, Message: "high"},
			model.Action{Type: "notify", Message: "tell someone"},
			model.Action{Type: model.ActionLog, Message: "write it down"},
			model.Action{Type: "EXPLODE", Message: "ignored"},
		),
	}
	res := Evaluate(rs, nil)
	assert.Equal(t, []string{"high", "low"}, Messages(res.Block))
	assert.Equal(t, []string{"tell someone"}, Messages(res.Notify))
	assert.Equal(t, []string{"write it down"}, Messages(res.Log))

	var blocked *BlockedError
	require.True(t, errors.As(res.BlockError(), &blocked))
	assert.Equal(t, "high", blocked.Error())
	assert.Equal(t, []string{"high", "low"}, blocked.Messages)
}

func TestEvaluate_InactiveSkipped(t *testing.T) {
	t.Parallel()

	r := rule("r1", 0, nil, model.Action{Type: model.ActionBlock, Message: "x"})
	r.Active = false
	assert.True(t, Evaluate([]model.Rule{r}, nil).Empty())
	assert.NoError(t, Evaluate([]model.Rule{r}, nil).BlockError())
}

func TestOperators(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		op       model.Operator
		actual   any
		expected any
		want     bool
	}{
		{"eq string", model.OpEq, "twitter", "twitter", true},
		{"eq numeric across types", model.OpEq, 3, 3.0, true},
		{"eq numeric string", model.OpEq, 3, "3", true},
		{"eq nil", model.OpEq, nil, "x", false},
		{"neq", model.OpNeq, "a", "b", true},
		{"gt", model.OpGt, 10, 5, true},
		{"gt false", model.OpGt, 5, 5, false},
		{"gt non numeric", model.OpGt, "abc", 5, false},
		{"lt", model.OpLt, 1.5, 2, true},
		{"lt time", model.OpLt, ts, ts.Add(time.Hour).Format(time.RFC3339), true},
		{"contains case insensitive", model.OpContains, "Hello World", "WORLD", true},
		{"contains list", model.OpContains, []string{"a.png", "b.mp4"}, "B.MP4", true},
		{"contains missing", model.OpContains, nil, "x", false},
		{"not_contains", model.OpNotContains, "Hello", "bye", true},
		{"not_contains hit", model.OpNotContains, "Hello", "ELL", false},
		{"between lower bound", model.OpBetween, 9, []any{9, 17}, true},
		{"between upper bound", model.OpBetween, 17, []any{9, 17}, true},
		{"between inside", model.OpBetween, 12.5, []float64{9, 17}, true},
		{"between outside", model.OpBetween, 18, []any{9, 17}, false},
		{"between reversed bound", model.OpBetween, 10, []any{17, 9}, true},
		{"between bad bound", model.OpBetween, 10, []any{9}, false},
		{"unknown operator", model.Operator("matches"), "a", "a", false},
		{"operator case", model.Operator("EQ"), "a", "a", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, apply(tc.op, tc.actual, tc.expected))
		})
	}
}

func TestContextValueAt(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"post": map[string]any{"content": "hi", "meta": map[string]any{"lang": "en"}},
		"n":    1,
	}
	assert.Equal(t, "hi", contextValueAt(data, "post.content"))
	assert.Equal(t, "en", contextValueAt(data, "post.meta.lang"))
	assert.Equal(t, 1, contextValueAt(data, "n"))
	assert.Nil(t, contextValueAt(data, "post.missing"))
	assert.Nil(t, contextValueAt(data, "n.deeper"))
}

func TestEngine_EvaluateLoadsByTrigger(t *testing.T) {
	t.Parallel()

	src := &staticSource{rules: []model.Rule{
		rule("r1", 0, []model.Condition{{Field: "scheduled_hour", Operator: model.OpBetween, Value: []any{0, 5}}},
			model.Action{Type: model.ActionWarn, Message: "posting at night"}),
	}}
	e := New(src, logx.Nop())

	post := &model.Post{TenantID: "t1", Platform: model.PlatformTwitter, Content: "x", ScheduledAt: time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)}
	res, err := e.Evaluate(context.Background(), "t1", model.TriggerBeforeSchedule, BuildPostContext(post))
	require.NoError(t, err)
	assert.Equal(t, []string{"posting at night"}, Messages(res.Warn))
	assert.Equal(t, []model.Trigger{model.TriggerBeforeSchedule}, src.calls)

	src.err = errors.New("db down")
	_, err = e.Evaluate(context.Background(), "t1", model.TriggerPostFailed, nil)
	assert.ErrorContains(t, err, "db down")
}
