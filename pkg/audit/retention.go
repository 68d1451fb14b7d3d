package audit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/atriumhq/atrium/pkg/observability"
)

// RetentionSweeper deletes audit entries past the retention horizon on a
// cron schedule. It runs in the sweeper binary, never in the request path.
type RetentionSweeper struct {
	store     Store
	logger    *observability.Logger
	retention time.Duration
	deleted   prometheus.Counter
	cron      *cron.Cron
}

// NewRetentionSweeper creates a sweeper with the given retention horizon
func NewRetentionSweeper(store Store, logger *observability.Logger, retention time.Duration, metrics *observability.Metrics) *RetentionSweeper {
	s := &RetentionSweeper{
		store:     store,
		logger:    logger,
		retention: retention,
	}
	if metrics != nil {
		s.deleted = metrics.AuditRetentionDeleted
	}
	return s
}

// Start schedules sweeps with the given cron expression and begins running
func (s *RetentionSweeper) Start(schedule string) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop cancels the schedule and waits for an in-flight sweep to finish
func (s *RetentionSweeper) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// Sweep runs one retention pass and returns the number of entries removed
func (s *RetentionSweeper) Sweep(ctx context.Context) int64 {
	cutoff := time.Now().UTC().Add(-s.retention)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("audit retention sweep failed")
		return 0
	}
	if s.deleted != nil {
		s.deleted.Add(float64(deleted))
	}
	s.logger.WithFields(map[string]interface{}{
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("audit retention sweep complete")
	return deleted
}
