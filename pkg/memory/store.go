package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/atriumhq/atrium/pkg/observability"
)

// Store persists conversation contexts in Redis with a sliding TTL
type Store struct {
	client *redis.Client
	logger *observability.Logger
	ttl    time.Duration
}

// NewStore creates a conversation store. ttl <= 0 falls back to DefaultTTL.
func NewStore(client *redis.Client, logger *observability.Logger, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, logger: logger, ttl: ttl}
}

// TTL returns the configured sliding expiry
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func sessionKey(orgID, sessionID string) string {
	return fmt.Sprintf("conversation:%s:%s", orgID, sessionID)
}

// Get loads a session's context. An absent or expired session returns
// (nil, nil). A corrupt blob is deleted best-effort and treated as a miss.
func (s *Store) Get(ctx context.Context, orgID, sessionID string) (*ConversationContext, error) {
	key := sessionKey(orgID, sessionID)

	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var conv ConversationContext
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("corrupt conversation blob, dropping")
		s.client.Del(ctx, key)
		return nil, nil
	}
	return &conv, nil
}

// Save writes the full context blob and refreshes the TTL. Every save
// slides the expiry window, active sessions never lapse.
func (s *Store) Save(ctx context.Context, conv *ConversationContext) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	key := sessionKey(conv.OrgID, conv.SessionID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Clear removes a session's context
func (s *Store) Clear(ctx context.Context, orgID, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(orgID, sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
