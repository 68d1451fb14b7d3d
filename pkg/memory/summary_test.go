package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildContextSummary(t *testing.T) {
	conv := &ConversationContext{
		RecentEntities: []EntityRef{
			{Type: "LEAD", ID: "ld_123", Name: "Acme Corp"},
			{Type: "DEAL", ID: "dl_9"},
		},
		Metadata: Metadata{Workspace: "sales"},
		LastToolCalls: []ToolCallRecord{
			{Tool: "create_lead", Success: true, Summary: "created Acme Corp"},
			{Tool: "update_deal_stage", Success: false},
		},
	}

	summary := BuildContextSummary(conv)
	assert.Contains(t, summary, `- LEAD: "Acme Corp" (ID: ld_123)`)
	assert.Contains(t, summary, "- DEAL: (ID: dl_9)")
	assert.Contains(t, summary, "Current workspace: sales")
	assert.Contains(t, summary, "✓ create_lead: created Acme Corp")
	assert.Contains(t, summary, "✗ update_deal_stage")

	// Entities render before tool calls
	assert.Less(t, strings.Index(summary, "LEAD"), strings.Index(summary, "create_lead"))
}

func TestBuildContextSummaryLastThreeToolCalls(t *testing.T) {
	conv := &ConversationContext{
		LastToolCalls: []ToolCallRecord{
			{Tool: "one", Success: true},
			{Tool: "two", Success: true},
			{Tool: "three", Success: true},
			{Tool: "four", Success: true},
			{Tool: "five", Success: true},
		},
	}

	summary := BuildContextSummary(conv)
	assert.NotContains(t, summary, "one")
	assert.NotContains(t, summary, "two")
	assert.Contains(t, summary, "three")
	assert.Contains(t, summary, "four")
	assert.Contains(t, summary, "five")
}

func TestBuildContextSummaryEmpty(t *testing.T) {
	assert.Empty(t, BuildContextSummary(nil))
	assert.Empty(t, BuildContextSummary(&ConversationContext{}))
}

func TestBuildContextSummaryDeterministic(t *testing.T) {
	conv := &ConversationContext{
		RecentEntities: []EntityRef{{Type: "LEAD", ID: "ld_1", Name: "A"}},
		LastToolCalls:  []ToolCallRecord{{Tool: "create_lead", Success: true}},
	}
	assert.Equal(t, BuildContextSummary(conv), BuildContextSummary(conv))
}
