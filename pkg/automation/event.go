package automation

import (
	"time"

	"github.com/atriumhq/atrium/pkg/audit"
)

// Event describes a committed record mutation. Snapshot is the record state
// after the write (nil for deletes); automation only ever sees data the
// mutation already persisted.
type Event struct {
	OrgID     string                 `json:"orgId"`
	Module    string                 `json:"module"`
	Action    audit.Action           `json:"action"`
	RecordID  string                 `json:"recordId"`
	ActorID   string                 `json:"actorId,omitempty"`
	ActorType audit.ActorType        `json:"actorType"`
	RequestID string                 `json:"requestId,omitempty"`
	Snapshot  map[string]interface{} `json:"snapshot,omitempty"`
	At        time.Time              `json:"at"`
}
