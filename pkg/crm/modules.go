package crm

import (
	"fmt"
	"sort"
	"time"

	"github.com/atriumhq/atrium/pkg/httputil"
)

// OwnerField is the wire name of the record owner on every module
const OwnerField = "assignedToId"

// AlwaysEditable are sub-object keys exempt from field-level edit masks
var AlwaysEditable = []string{"customFields", "documents"}

// FieldType is the schema type of a module field
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBool      FieldType = "bool"
	FieldTimestamp FieldType = "timestamp"
)

// FieldSpec describes one field of a module's schema
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	Enum     []string
}

// ModuleSpec is the schema of one CRM module
type ModuleSpec struct {
	Name   string
	Fields []FieldSpec

	byName map[string]*FieldSpec
}

// Field returns the spec for a field name, or nil
func (m *ModuleSpec) Field(name string) *FieldSpec {
	return m.byName[name]
}

// FieldNames returns the module's field names sorted
func (m *ModuleSpec) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// DealStages is the fixed pipeline for the deals module
var DealStages = []string{"Prospecting", "Qualified", "Proposal", "Negotiation", "Closed Won", "Closed Lost"}

var registry = buildRegistry()

func buildRegistry() map[string]*ModuleSpec {
	modules := []*ModuleSpec{
		{
			Name: "leads",
			Fields: []FieldSpec{
				{Name: "name", Type: FieldString, Required: true},
				{Name: "email", Type: FieldString},
				{Name: "phone", Type: FieldString},
				{Name: "company", Type: FieldString},
				{Name: "source", Type: FieldString},
				{Name: "status", Type: FieldString, Enum: []string{"NEW", "CONTACTED", "QUALIFIED", "UNQUALIFIED", "CONVERTED"}},
				{Name: "revenue", Type: FieldNumber},
				{Name: "notes", Type: FieldString},
			},
		},
		{
			Name: "contacts",
			Fields: []FieldSpec{
				{Name: "name", Type: FieldString, Required: true},
				{Name: "email", Type: FieldString},
				{Name: "phone", Type: FieldString},
				{Name: "title", Type: FieldString},
				{Name: "accountName", Type: FieldString},
				{Name: "notes", Type: FieldString},
			},
		},
		{
			Name: "deals",
			Fields: []FieldSpec{
				{Name: "name", Type: FieldString, Required: true},
				{Name: "stage", Type: FieldString, Enum: DealStages},
				{Name: "amount", Type: FieldNumber},
				{Name: "closeDate", Type: FieldTimestamp},
				{Name: "contactId", Type: FieldString},
				{Name: "notes", Type: FieldString},
			},
		},
		{
			Name: "tickets",
			Fields: []FieldSpec{
				{Name: "subject", Type: FieldString, Required: true},
				{Name: "status", Type: FieldString, Enum: []string{"OPEN", "PENDING", "RESOLVED", "CLOSED"}},
				{Name: "priority", Type: FieldString, Enum: []string{"LOW", "MEDIUM", "HIGH", "URGENT"}},
				{Name: "description", Type: FieldString},
				{Name: "contactId", Type: FieldString},
			},
		},
		{
			Name: "tasks",
			Fields: []FieldSpec{
				{Name: "subject", Type: FieldString, Required: true},
				{Name: "dueDate", Type: FieldTimestamp},
				{Name: "completed", Type: FieldBool},
				{Name: "priority", Type: FieldString, Enum: []string{"LOW", "MEDIUM", "HIGH"}},
				{Name: "relatedTo", Type: FieldString},
				{Name: "notes", Type: FieldString},
			},
		},
		{
			Name: "activities",
			Fields: []FieldSpec{
				{Name: "type", Type: FieldString, Required: true, Enum: []string{"CALL", "EMAIL", "MEETING", "NOTE"}},
				{Name: "subject", Type: FieldString, Required: true},
				{Name: "occurredAt", Type: FieldTimestamp},
				{Name: "durationMinutes", Type: FieldNumber},
				{Name: "relatedTo", Type: FieldString},
				{Name: "notes", Type: FieldString},
			},
		},
		{
			Name: "employees",
			Fields: []FieldSpec{
				{Name: "name", Type: FieldString, Required: true},
				{Name: "email", Type: FieldString, Required: true},
				{Name: "title", Type: FieldString},
				{Name: "department", Type: FieldString},
				{Name: "startDate", Type: FieldTimestamp},
			},
		},
	}

	out := make(map[string]*ModuleSpec, len(modules))
	for _, m := range modules {
		m.byName = make(map[string]*FieldSpec, len(m.Fields))
		for i := range m.Fields {
			m.byName[m.Fields[i].Name] = &m.Fields[i]
		}
		out[m.Name] = m
	}
	return out
}

// Module returns the spec for a module name, or nil for unknown modules.
// Unknown modules surface as 404 at the routing layer.
func Module(name string) *ModuleSpec {
	return registry[name]
}

// ModuleNames lists every registered module, sorted
func ModuleNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateCreate checks a create payload against the module schema:
// required fields present, known fields only, type and enum conformance.
// Schema validation is independent of permissions.
func (m *ModuleSpec) ValidateCreate(fields map[string]interface{}) []httputil.FieldViolation {
	violations := m.validateKnown(fields)
	for _, spec := range m.Fields {
		if !spec.Required {
			continue
		}
		if value, ok := fields[spec.Name]; !ok || value == nil || value == "" {
			violations = append(violations, httputil.FieldViolation{
				Field:   spec.Name,
				Message: spec.Name + " is required",
			})
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Field < violations[j].Field })
	return violations
}

// ValidateUpdate checks a partial update payload: known fields only, type
// and enum conformance, and required fields may not be nulled out.
func (m *ModuleSpec) ValidateUpdate(fields map[string]interface{}) []httputil.FieldViolation {
	violations := m.validateKnown(fields)
	for _, spec := range m.Fields {
		if !spec.Required {
			continue
		}
		if value, ok := fields[spec.Name]; ok && (value == nil || value == "") {
			violations = append(violations, httputil.FieldViolation{
				Field:   spec.Name,
				Message: spec.Name + " cannot be cleared",
			})
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Field < violations[j].Field })
	return violations
}

func (m *ModuleSpec) validateKnown(fields map[string]interface{}) []httputil.FieldViolation {
	var violations []httputil.FieldViolation
	for name, value := range fields {
		if name == OwnerField {
			if value != nil {
				if _, ok := value.(string); !ok {
					violations = append(violations, httputil.FieldViolation{
						Field: name, Message: name + " must be a string user ID",
					})
				}
			}
			continue
		}

		spec := m.Field(name)
		if spec == nil {
			violations = append(violations, httputil.FieldViolation{
				Field: name, Message: "unknown field for module " + m.Name,
			})
			continue
		}
		if value == nil {
			continue
		}
		if violation := checkType(spec, value); violation != nil {
			violations = append(violations, *violation)
		}
	}
	return violations
}

func checkType(spec *FieldSpec, value interface{}) *httputil.FieldViolation {
	switch spec.Type {
	case FieldString:
		s, ok := value.(string)
		if !ok {
			return &httputil.FieldViolation{Field: spec.Name, Message: spec.Name + " must be a string"}
		}
		if len(spec.Enum) > 0 && s != "" && !contains(spec.Enum, s) {
			return &httputil.FieldViolation{
				Field:   spec.Name,
				Message: fmt.Sprintf("%s must be one of %v", spec.Name, spec.Enum),
			}
		}
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int64, int32:
		default:
			return &httputil.FieldViolation{Field: spec.Name, Message: spec.Name + " must be a number"}
		}
	case FieldBool:
		if _, ok := value.(bool); !ok {
			return &httputil.FieldViolation{Field: spec.Name, Message: spec.Name + " must be a boolean"}
		}
	case FieldTimestamp:
		s, ok := value.(string)
		if !ok {
			return &httputil.FieldViolation{Field: spec.Name, Message: spec.Name + " must be an RFC3339 timestamp"}
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return &httputil.FieldViolation{Field: spec.Name, Message: spec.Name + " must be an RFC3339 timestamp"}
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
