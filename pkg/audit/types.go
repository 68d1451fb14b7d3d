package audit

import (
	"encoding/json"
	"time"
)

// ActorType identifies the kind of principal behind a mutation
type ActorType string

const (
	ActorUser    ActorType = "USER"
	ActorAIAgent ActorType = "AI_AGENT"
	ActorSystem  ActorType = "SYSTEM"
	ActorAPI     ActorType = "API"
)

// Action categorizes an audited operation
type Action string

const (
	// Record mutations
	ActionRecordCreate Action = "record.create"
	ActionRecordUpdate Action = "record.update"
	ActionRecordDelete Action = "record.delete"
	ActionRecordView   Action = "record.view"

	// Role management
	ActionRoleCreate Action = "role.create"
	ActionRoleUpdate Action = "role.update"
	ActionRoleDelete Action = "role.delete"
	ActionRoleAssign Action = "role.assign"

	// Assistant
	ActionToolCall    Action = "assistant.tool_call"
	ActionMemoryClear Action = "memory.clear"

	// Documents
	ActionDocumentUpload Action = "document.upload"
	ActionDocumentDelete Action = "document.delete"

	// Organization membership
	ActionOrgMemberAdd    Action = "org.member_add"
	ActionOrgMemberRemove Action = "org.member_remove"
)

// Entry is a single audit log row. Append-only: the application never
// updates or deletes entries; the retention sweeper is the only deleter.
type Entry struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"orgId"`
	Action        Action          `json:"action"`
	Module        string          `json:"module,omitempty"`
	RecordID      *string         `json:"recordId,omitempty"`
	ActorType     ActorType       `json:"actorType"`
	ActorID       *string         `json:"actorId,omitempty"`
	PreviousState json.RawMessage `json:"previousState,omitempty"`
	NewState      json.RawMessage `json:"newState,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	RequestID     *string         `json:"requestId,omitempty"`
	ParentLogID   *string         `json:"parentLogId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// SearchFilter narrows audit log queries
type SearchFilter struct {
	OrgID     string
	Module    string
	Actions   []Action
	ActorID   string
	ActorType ActorType
	RecordID  string
	RequestID string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Stats summarizes audit activity for an organization
type Stats struct {
	TotalEntries   int64                `json:"totalEntries"`
	ByAction       map[Action]int64     `json:"byAction"`
	ByActorType    map[ActorType]int64  `json:"byActorType"`
	UniqueActors   int64                `json:"uniqueActors"`
	Since          *time.Time           `json:"since,omitempty"`
}
