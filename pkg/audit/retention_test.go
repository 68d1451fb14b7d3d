package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/atriumhq/atrium/pkg/observability"
)

type sweepStore struct {
	nopStore
	cutoff  time.Time
	deleted int64
}

func (s *sweepStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.deleted, nil
}

func TestRetentionSweeperSweep(t *testing.T) {
	store := &sweepStore{deleted: 7}
	sweeper := NewRetentionSweeper(store, observability.NewNopLogger(), 90*24*time.Hour, nil)

	deleted := sweeper.Sweep(context.Background())
	assert.Equal(t, int64(7), deleted)

	wantCutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	assert.WithinDuration(t, wantCutoff, store.cutoff, 5*time.Second)
}
