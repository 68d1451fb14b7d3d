package memory

import "strings"

// entitySpec says where a tool's result keeps the entity it touched
type entitySpec struct {
	entityType string
	idField    string
	nameField  string
}

// toolEntityTable maps tool names to result extraction rules. Tools absent
// from the table produce no entity, which is fine: not every tool touches
// a record.
var toolEntityTable = map[string]entitySpec{
	"create_lead":       {entityType: "LEAD", idField: "id", nameField: "name"},
	"update_lead":       {entityType: "LEAD", idField: "id", nameField: "name"},
	"create_contact":    {entityType: "CONTACT", idField: "id", nameField: "name"},
	"create_deal":       {entityType: "DEAL", idField: "id", nameField: "name"},
	"update_deal_stage": {entityType: "DEAL", idField: "id", nameField: "name"},
	"create_task":       {entityType: "TASK", idField: "id", nameField: "subject"},
}

// ExtractEntityFromToolResult pulls an EntityRef out of a tool's result
// payload. Unknown tools and results without an ID yield nil, never an
// error. When the name field is empty, the first double-quoted substring
// of the result's message is used as a fallback.
func ExtractEntityFromToolResult(toolName string, result map[string]interface{}) *EntityRef {
	spec, ok := toolEntityTable[toolName]
	if !ok || result == nil {
		return nil
	}

	id, _ := result[spec.idField].(string)
	if id == "" {
		return nil
	}

	name, _ := result[spec.nameField].(string)
	if name == "" {
		if message, ok := result["message"].(string); ok {
			name = firstQuotedSubstring(message)
		}
	}

	return &EntityRef{Type: spec.entityType, ID: id, Name: name}
}

// firstQuotedSubstring returns the first "..." span of s, or ""
func firstQuotedSubstring(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}
