package memory

import (
	"context"
	"time"

	"github.com/atriumhq/atrium/pkg/observability"
)

// Manager applies the windowing rules on top of the raw store
type Manager struct {
	store   *Store
	metrics *observability.Metrics
}

// NewManager creates a conversation manager. metrics may be nil.
func NewManager(store *Store, metrics *observability.Metrics) *Manager {
	return &Manager{store: store, metrics: metrics}
}

func (m *Manager) count(operation, status string) {
	if m.metrics != nil {
		m.metrics.MemoryOperationsTotal.WithLabelValues(operation, status).Inc()
	}
}

// GetContext returns the session's context, or nil when the session is
// absent or has expired
func (m *Manager) GetContext(ctx context.Context, orgID, sessionID string) (*ConversationContext, error) {
	conv, err := m.store.Get(ctx, orgID, sessionID)
	if err != nil {
		m.count("get", "error")
		return nil, err
	}
	if conv == nil {
		m.count("get", "miss")
		return nil, nil
	}
	m.count("get", "hit")
	return conv, nil
}

// SaveContext folds an update into the session and persists it. The
// read-modify-write is unlocked: one writer per session is assumed, and
// concurrent saves to the same session are last-write-wins.
func (m *Manager) SaveContext(ctx context.Context, orgID, sessionID, userID string, update Update) (*ConversationContext, error) {
	conv, err := m.store.Get(ctx, orgID, sessionID)
	if err != nil {
		m.count("save", "error")
		return nil, err
	}

	now := time.Now().UTC()
	if conv == nil {
		conv = &ConversationContext{
			SessionID: sessionID,
			OrgID:     orgID,
			UserID:    userID,
			Metadata:  Metadata{StartedAt: now},
		}
	}

	conv.Messages = append(conv.Messages, update.Messages...)
	if len(conv.Messages) > MaxMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-MaxMessages:]
	}

	if update.ToolCall != nil {
		conv.LastToolCalls = append(conv.LastToolCalls, *update.ToolCall)
		if len(conv.LastToolCalls) > MaxToolCalls {
			conv.LastToolCalls = conv.LastToolCalls[len(conv.LastToolCalls)-MaxToolCalls:]
		}
	}

	for _, entity := range update.Entities {
		conv.RecentEntities = appendEntity(conv.RecentEntities, entity)
	}
	if len(conv.RecentEntities) > MaxEntities {
		conv.RecentEntities = conv.RecentEntities[len(conv.RecentEntities)-MaxEntities:]
	}

	conv.Metadata.MessageCount += len(update.Messages)
	conv.Metadata.LastActivityAt = now
	if update.Workspace != "" {
		conv.Metadata.Workspace = update.Workspace
	}

	if err := m.store.Save(ctx, conv); err != nil {
		m.count("save", "error")
		return nil, err
	}
	m.count("save", "ok")
	return conv, nil
}

// ClearContext drops the session entirely
func (m *Manager) ClearContext(ctx context.Context, orgID, sessionID string) error {
	if err := m.store.Clear(ctx, orgID, sessionID); err != nil {
		m.count("clear", "error")
		return err
	}
	m.count("clear", "ok")
	return nil
}

// appendEntity appends with (type, id) dedup: re-adding a known entity
// moves it to the most-recent position and refreshes its name.
func appendEntity(entities []EntityRef, entity EntityRef) []EntityRef {
	for i, existing := range entities {
		if existing.Type == entity.Type && existing.ID == entity.ID {
			entities = append(entities[:i], entities[i+1:]...)
			break
		}
	}
	return append(entities, entity)
}
