package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium/pkg/observability"
)

func setupMemoryStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, observability.NewNopLogger(), 30*time.Minute), mr
}

func TestStoreGetAbsentSession(t *testing.T) {
	store, _ := setupMemoryStore(t)

	conv, err := store.Get(context.Background(), "org_1", "sess_1")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestStoreSaveAndGet(t *testing.T) {
	store, mr := setupMemoryStore(t)
	ctx := context.Background()

	conv := &ConversationContext{
		SessionID: "sess_1",
		OrgID:     "org_1",
		UserID:    "usr_1",
		Messages:  []Message{{Role: "user", Content: "hello"}},
	}
	require.NoError(t, store.Save(ctx, conv))

	got, err := store.Get(ctx, "org_1", "sess_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "usr_1", got.UserID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)

	// Keys are org-scoped
	assert.True(t, mr.Exists("conversation:org_1:sess_1"))
}

func TestStoreTTLExpiry(t *testing.T) {
	store, mr := setupMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &ConversationContext{SessionID: "sess_1", OrgID: "org_1"}))

	mr.FastForward(31 * time.Minute)

	conv, err := store.Get(ctx, "org_1", "sess_1")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestStoreSaveSlidesTTL(t *testing.T) {
	store, mr := setupMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &ConversationContext{SessionID: "sess_1", OrgID: "org_1"}))
	mr.FastForward(20 * time.Minute)

	// A save inside the window pushes expiry out again
	require.NoError(t, store.Save(ctx, &ConversationContext{SessionID: "sess_1", OrgID: "org_1"}))
	mr.FastForward(20 * time.Minute)

	conv, err := store.Get(ctx, "org_1", "sess_1")
	require.NoError(t, err)
	assert.NotNil(t, conv)
}

func TestStoreCorruptBlobTreatedAsMiss(t *testing.T) {
	store, mr := setupMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("conversation:org_1:sess_1", "{not json"))

	conv, err := store.Get(ctx, "org_1", "sess_1")
	require.NoError(t, err)
	assert.Nil(t, conv)
	assert.False(t, mr.Exists("conversation:org_1:sess_1"))
}

func TestStoreClear(t *testing.T) {
	store, mr := setupMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &ConversationContext{SessionID: "sess_1", OrgID: "org_1"}))
	require.NoError(t, store.Clear(ctx, "org_1", "sess_1"))
	assert.False(t, mr.Exists("conversation:org_1:sess_1"))

	// Clearing an absent session is not an error
	assert.NoError(t, store.Clear(ctx, "org_1", "sess_1"))
}
