package automation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/crm"
	"github.com/atriumhq/atrium/pkg/observability"
)

// Trigger names the mutation a playbook reacts to.
type Trigger struct {
	Module string `yaml:"module"`
	Action string `yaml:"action"`
}

// Condition is a single field predicate evaluated against the event
// snapshot. All conditions of a playbook must hold (AND).
type Condition struct {
	Field string      `yaml:"field"`
	Op    string      `yaml:"op"`
	Value interface{} `yaml:"value"`
}

// Condition operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpContains  = "contains"
	OpExists    = "exists"
)

// ActionSpec is one action of a playbook. Type selects which of the other
// fields apply.
type ActionSpec struct {
	Type string `yaml:"type"`

	// set_field
	Field string      `yaml:"field,omitempty"`
	Value interface{} `yaml:"value,omitempty"`

	// create_activity
	Subject string `yaml:"subject,omitempty"`
	Notes   string `yaml:"notes,omitempty"`

	// webhook
	URL    string `yaml:"url,omitempty"`
	Secret string `yaml:"secret,omitempty"`
}

// Action types.
const (
	ActionCreateActivity = "create_activity"
	ActionWebhook        = "webhook"
	ActionSetField       = "set_field"
)

// Playbook is one YAML-defined automation rule.
type Playbook struct {
	Name       string       `yaml:"name"`
	Trigger    Trigger      `yaml:"trigger"`
	Conditions []Condition  `yaml:"conditions,omitempty"`
	Actions    []ActionSpec `yaml:"actions"`
}

// Validate rejects playbooks that could never fire or would fail at run
// time.
func (p *Playbook) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("playbook name is required")
	}
	if crm.Module(p.Trigger.Module) == nil {
		return fmt.Errorf("playbook %q: unknown trigger module %q", p.Name, p.Trigger.Module)
	}
	switch audit.Action(p.Trigger.Action) {
	case audit.ActionRecordCreate, audit.ActionRecordUpdate, audit.ActionRecordDelete:
	default:
		return fmt.Errorf("playbook %q: unknown trigger action %q", p.Name, p.Trigger.Action)
	}
	for _, c := range p.Conditions {
		if c.Field == "" {
			return fmt.Errorf("playbook %q: condition field is required", p.Name)
		}
		switch c.Op {
		case OpEquals, OpNotEquals, OpContains, OpExists:
		default:
			return fmt.Errorf("playbook %q: unknown condition op %q", p.Name, c.Op)
		}
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("playbook %q: at least one action is required", p.Name)
	}
	for _, a := range p.Actions {
		switch a.Type {
		case ActionCreateActivity:
			if a.Subject == "" {
				return fmt.Errorf("playbook %q: create_activity requires subject", p.Name)
			}
		case ActionWebhook:
			if a.URL == "" {
				return fmt.Errorf("playbook %q: webhook requires url", p.Name)
			}
		case ActionSetField:
			if a.Field == "" {
				return fmt.Errorf("playbook %q: set_field requires field", p.Name)
			}
		default:
			return fmt.Errorf("playbook %q: unknown action type %q", p.Name, a.Type)
		}
	}
	return nil
}

// Matches reports whether the playbook's trigger and all its conditions
// hold for the event.
func (p *Playbook) Matches(event Event) bool {
	if p.Trigger.Module != event.Module || p.Trigger.Action != string(event.Action) {
		return false
	}
	for _, c := range p.Conditions {
		if !c.eval(event.Snapshot) {
			return false
		}
	}
	return true
}

func (c Condition) eval(snapshot map[string]interface{}) bool {
	value, ok := snapshot[c.Field]
	switch c.Op {
	case OpExists:
		return ok && value != nil
	case OpEquals:
		return ok && fmt.Sprintf("%v", value) == fmt.Sprintf("%v", c.Value)
	case OpNotEquals:
		return !ok || fmt.Sprintf("%v", value) != fmt.Sprintf("%v", c.Value)
	case OpContains:
		s, isString := value.(string)
		want, wantString := c.Value.(string)
		return ok && isString && wantString &&
			strings.Contains(strings.ToLower(s), strings.ToLower(want))
	}
	return false
}

// LoadPlaybook parses and validates a single YAML file.
func LoadPlaybook(path string) (*Playbook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook %s: %w", path, err)
	}
	var playbook Playbook
	if err := yaml.Unmarshal(raw, &playbook); err != nil {
		return nil, fmt.Errorf("failed to parse playbook %s: %w", path, err)
	}
	if err := playbook.Validate(); err != nil {
		return nil, err
	}
	return &playbook, nil
}

// LoadPlaybooks reads every .yaml/.yml file in dir, sorted by filename.
// Invalid files are skipped with a logged error; only a missing directory
// is fatal.
func LoadPlaybooks(dir string, logger *observability.Logger) ([]*Playbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	playbooks := make([]*Playbook, 0, len(names))
	for _, name := range names {
		playbook, err := LoadPlaybook(filepath.Join(dir, name))
		if err != nil {
			logger.WithError(err).WithField("file", name).Error("skipping invalid playbook")
			continue
		}
		playbooks = append(playbooks, playbook)
	}
	return playbooks, nil
}

// RuleSet is the live, swappable set of playbooks the dispatcher matches
// against. Replace is called by the directory watcher on reload.
type RuleSet struct {
	mu        sync.RWMutex
	playbooks []*Playbook
}

func NewRuleSet(playbooks []*Playbook) *RuleSet {
	return &RuleSet{playbooks: playbooks}
}

func (r *RuleSet) Replace(playbooks []*Playbook) {
	r.mu.Lock()
	r.playbooks = playbooks
	r.mu.Unlock()
}

// Match returns the playbooks whose trigger and conditions hold for event.
func (r *RuleSet) Match(event Event) []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Playbook
	for _, playbook := range r.playbooks {
		if playbook.Matches(event) {
			matched = append(matched, playbook)
		}
	}
	return matched
}

// Len reports the number of loaded playbooks.
func (r *RuleSet) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.playbooks)
}
