package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	store, _ := setupMemoryStore(t)
	return NewManager(store, nil)
}

func TestSaveContextCreatesSession(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	conv, err := manager.SaveContext(ctx, "org_1", "sess_1", "usr_1", Update{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		Workspace: "sales",
	})
	require.NoError(t, err)
	assert.Equal(t, "usr_1", conv.UserID)
	assert.Equal(t, 1, conv.Metadata.MessageCount)
	assert.Equal(t, "sales", conv.Metadata.Workspace)
	assert.False(t, conv.Metadata.StartedAt.IsZero())
}

func TestSaveContextTruncatesMessageWindow(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := manager.SaveContext(ctx, "org_1", "sess_1", "usr_1", Update{
			Messages: []Message{{Role: "user", Content: fmt.Sprintf("msg %d", i)}},
		})
		require.NoError(t, err)
	}

	conv, err := manager.GetContext(ctx, "org_1", "sess_1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, MaxMessages)
	assert.Equal(t, "msg 5", conv.Messages[0].Content)
	assert.Equal(t, "msg 14", conv.Messages[9].Content)
	// The count keeps the full history even when the window drops turns
	assert.Equal(t, 15, conv.Metadata.MessageCount)
}

func TestSaveContextTruncatesToolCalls(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := manager.SaveContext(ctx, "org_1", "sess_1", "usr_1", Update{
			ToolCall: &ToolCallRecord{Tool: fmt.Sprintf("tool_%d", i), Success: true},
		})
		require.NoError(t, err)
	}

	conv, err := manager.GetContext(ctx, "org_1", "sess_1")
	require.NoError(t, err)
	require.Len(t, conv.LastToolCalls, MaxToolCalls)
	assert.Equal(t, "tool_3", conv.LastToolCalls[0].Tool)
	assert.Equal(t, "tool_7", conv.LastToolCalls[4].Tool)
}

func TestSaveContextDedupesEntities(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	_, err := manager.SaveContext(ctx, "org_1", "sess_1", "usr_1", Update{
		Entities: []EntityRef{
			{Type: "LEAD", ID: "ld_1", Name: "Acme"},
			{Type: "DEAL", ID: "dl_1", Name: "Acme Renewal"},
		},
	})
	require.NoError(t, err)

	// Re-adding ld_1 moves it to the most-recent position
	conv, err := manager.SaveContext(ctx, "org_1", "sess_1", "usr_1", Update{
		Entities: []EntityRef{{Type: "LEAD", ID: "ld_1", Name: "Acme Corp"}},
	})
	require.NoError(t, err)

	require.Len(t, conv.RecentEntities, 2)
	assert.Equal(t, "dl_1", conv.RecentEntities[0].ID)
	assert.Equal(t, "ld_1", conv.RecentEntities[1].ID)
	assert.Equal(t, "Acme Corp", conv.RecentEntities[1].Name)
}

func TestSaveContextEntityWindowDistinguishesTypes(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	// Same ID under different types is two entities
	conv, err := manager.SaveContext(ctx, "org_1", "sess_1", "usr_1", Update{
		Entities: []EntityRef{
			{Type: "LEAD", ID: "x_1"},
			{Type: "CONTACT", ID: "x_1"},
		},
	})
	require.NoError(t, err)
	assert.Len(t, conv.RecentEntities, 2)
}

func TestSaveContextTruncatesEntities(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	var entities []EntityRef
	for i := 0; i < 14; i++ {
		entities = append(entities, EntityRef{Type: "LEAD", ID: fmt.Sprintf("ld_%d", i)})
	}
	conv, err := manager.SaveContext(ctx, "org_1", "sess_1", "usr_1", Update{Entities: entities})
	require.NoError(t, err)

	require.Len(t, conv.RecentEntities, MaxEntities)
	assert.Equal(t, "ld_4", conv.RecentEntities[0].ID)
	assert.Equal(t, "ld_13", conv.RecentEntities[9].ID)
}

func TestClearContext(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	_, err := manager.SaveContext(ctx, "org_1", "sess_1", "usr_1", Update{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	require.NoError(t, manager.ClearContext(ctx, "org_1", "sess_1"))

	conv, err := manager.GetContext(ctx, "org_1", "sess_1")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestSaveContextUpdatesLastActivity(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	conv, err := manager.SaveContext(ctx, "org_1", "sess_1", "usr_1", Update{})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), conv.Metadata.LastActivityAt, 5*time.Second)
}
