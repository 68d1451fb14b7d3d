package automation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/observability"
)

const leadPlaybookYAML = `name: qualify-hot-leads
trigger:
  module: leads
  action: record.create
conditions:
  - field: status
    op: equals
    value: NEW
actions:
  - type: set_field
    field: status
    value: CONTACTED
`

func writePlaybook(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadPlaybook(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "leads.yaml", leadPlaybookYAML)

	playbook, err := LoadPlaybook(filepath.Join(dir, "leads.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "qualify-hot-leads", playbook.Name)
	assert.Equal(t, "leads", playbook.Trigger.Module)
	assert.Equal(t, "record.create", playbook.Trigger.Action)
	require.Len(t, playbook.Conditions, 1)
	assert.Equal(t, OpEquals, playbook.Conditions[0].Op)
	require.Len(t, playbook.Actions, 1)
	assert.Equal(t, ActionSetField, playbook.Actions[0].Type)
}

func TestLoadPlaybooksSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "good.yaml", leadPlaybookYAML)
	writePlaybook(t, dir, "broken.yaml", "name: [not\nvalid yaml")
	writePlaybook(t, dir, "unknown-module.yaml", `name: bad
trigger:
  module: spaceships
  action: record.create
actions:
  - type: webhook
    url: http://example.com
`)
	writePlaybook(t, dir, "notes.txt", "ignored")

	playbooks, err := LoadPlaybooks(dir, observability.NewNopLogger())
	require.NoError(t, err)
	require.Len(t, playbooks, 1)
	assert.Equal(t, "qualify-hot-leads", playbooks[0].Name)
}

func TestLoadPlaybooksMissingDir(t *testing.T) {
	_, err := LoadPlaybooks("/nonexistent/playbooks", observability.NewNopLogger())
	assert.Error(t, err)
}

func TestPlaybookValidate(t *testing.T) {
	base := func() *Playbook {
		return &Playbook{
			Name:    "p",
			Trigger: Trigger{Module: "leads", Action: "record.update"},
			Actions: []ActionSpec{{Type: ActionWebhook, URL: "http://example.com"}},
		}
	}

	assert.NoError(t, base().Validate())

	p := base()
	p.Name = ""
	assert.Error(t, p.Validate())

	p = base()
	p.Trigger.Action = "record.view"
	assert.Error(t, p.Validate())

	p = base()
	p.Conditions = []Condition{{Field: "status", Op: "approximates", Value: "NEW"}}
	assert.Error(t, p.Validate())

	p = base()
	p.Actions = nil
	assert.Error(t, p.Validate())

	p = base()
	p.Actions = []ActionSpec{{Type: ActionSetField}}
	assert.Error(t, p.Validate(), "set_field without field")

	p = base()
	p.Actions = []ActionSpec{{Type: ActionCreateActivity}}
	assert.Error(t, p.Validate(), "create_activity without subject")
}

func TestPlaybookMatches(t *testing.T) {
	playbook := &Playbook{
		Name:    "p",
		Trigger: Trigger{Module: "leads", Action: "record.create"},
		Conditions: []Condition{
			{Field: "status", Op: OpEquals, Value: "NEW"},
		},
	}

	event := Event{
		Module:   "leads",
		Action:   audit.ActionRecordCreate,
		Snapshot: map[string]interface{}{"status": "NEW"},
	}
	assert.True(t, playbook.Matches(event))

	event.Snapshot["status"] = "CONTACTED"
	assert.False(t, playbook.Matches(event))

	event.Snapshot["status"] = "NEW"
	event.Module = "deals"
	assert.False(t, playbook.Matches(event))

	event.Module = "leads"
	event.Action = audit.ActionRecordDelete
	assert.False(t, playbook.Matches(event))
}

func TestConditionOperators(t *testing.T) {
	snapshot := map[string]interface{}{
		"name":    "Acme Corporation",
		"revenue": float64(100),
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Field: "name", Op: OpEquals, Value: "Acme Corporation"}, true},
		{"equals number coerced", Condition{Field: "revenue", Op: OpEquals, Value: 100}, true},
		{"not_equals", Condition{Field: "name", Op: OpNotEquals, Value: "Initech"}, true},
		{"not_equals missing field holds", Condition{Field: "ghost", Op: OpNotEquals, Value: "x"}, true},
		{"contains case-insensitive", Condition{Field: "name", Op: OpContains, Value: "acme"}, true},
		{"contains non-string", Condition{Field: "revenue", Op: OpContains, Value: "10"}, false},
		{"exists", Condition{Field: "revenue", Op: OpExists}, true},
		{"exists missing", Condition{Field: "ghost", Op: OpExists}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cond.eval(snapshot))
		})
	}
}

func TestRuleSetReplaceAndMatch(t *testing.T) {
	rules := NewRuleSet(nil)
	event := Event{Module: "leads", Action: audit.ActionRecordCreate}

	assert.Empty(t, rules.Match(event))

	rules.Replace([]*Playbook{{
		Name:    "p",
		Trigger: Trigger{Module: "leads", Action: "record.create"},
	}})
	assert.Equal(t, 1, rules.Len())
	assert.Len(t, rules.Match(event), 1)
}
