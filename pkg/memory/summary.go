package memory

import (
	"fmt"
	"strings"
)

// BuildContextSummary renders the context into a prompt-injectable block:
// recent entities in order, the current workspace, and the last three tool
// calls. Pure function of the context.
func BuildContextSummary(conv *ConversationContext) string {
	if conv == nil {
		return ""
	}

	var b strings.Builder

	if len(conv.RecentEntities) > 0 {
		b.WriteString("Recently discussed records:\n")
		for _, entity := range conv.RecentEntities {
			if entity.Name != "" {
				fmt.Fprintf(&b, "- %s: %q (ID: %s)\n", entity.Type, entity.Name, entity.ID)
			} else {
				fmt.Fprintf(&b, "- %s: (ID: %s)\n", entity.Type, entity.ID)
			}
		}
	}

	if conv.Metadata.Workspace != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Current workspace: %s\n", conv.Metadata.Workspace)
	}

	if len(conv.LastToolCalls) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Recent actions:\n")
		calls := conv.LastToolCalls
		if len(calls) > 3 {
			calls = calls[len(calls)-3:]
		}
		for _, call := range calls {
			glyph := "✓"
			if !call.Success {
				glyph = "✗"
			}
			if call.Summary != "" {
				fmt.Fprintf(&b, "%s %s: %s\n", glyph, call.Tool, call.Summary)
			} else {
				fmt.Fprintf(&b, "%s %s\n", glyph, call.Tool)
			}
		}
	}

	return b.String()
}
