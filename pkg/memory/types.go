package memory

import "time"

// Window sizes applied on every save
const (
	MaxMessages  = 10
	MaxToolCalls = 5
	MaxEntities  = 10

	// DefaultTTL is the sliding session expiry
	DefaultTTL = 30 * time.Minute
)

// Message is one turn of the conversation
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallRecord summarizes one tool execution for later turns
type ToolCallRecord struct {
	Tool      string    `json:"tool"`
	Success   bool      `json:"success"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EntityRef points at a CRM record the conversation has touched
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Metadata tracks session-level bookkeeping
type Metadata struct {
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	MessageCount   int       `json:"messageCount"`
	Workspace      string    `json:"workspace,omitempty"`
}

// ConversationContext is the full session blob stored in Redis
type ConversationContext struct {
	SessionID      string           `json:"sessionId"`
	OrgID          string           `json:"orgId"`
	UserID         string           `json:"userId"`
	Messages       []Message        `json:"messages"`
	LastToolCalls  []ToolCallRecord `json:"lastToolCalls"`
	RecentEntities []EntityRef      `json:"recentEntities"`
	Metadata       Metadata         `json:"metadata"`
}

// Update carries the new material for one save
type Update struct {
	Messages  []Message
	ToolCall  *ToolCallRecord
	Entities  []EntityRef
	Workspace string
}
