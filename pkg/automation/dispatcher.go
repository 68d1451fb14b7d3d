package automation

import (
	"context"
	"time"

	"github.com/atriumhq/atrium/pkg/async"
	"github.com/atriumhq/atrium/pkg/observability"
)

// DispatcherConfig sizes the queue and worker pool.
type DispatcherConfig struct {
	Workers    int
	JobTimeout time.Duration
}

// DefaultDispatcherConfig runs 4 workers with a 30s per-event budget.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:    4,
		JobTimeout: 30 * time.Second,
	}
}

// Dispatcher fans committed mutation events out to matching playbooks on a
// bounded worker pool. Enqueue never blocks: when the queue is full the
// event is dropped, logged, and counted.
type Dispatcher struct {
	rules   *RuleSet
	runner  *ActionRunner
	retry   *RetryPolicy
	pool    *async.WorkerPool
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDispatcher starts the worker pool immediately. metrics may be nil.
func NewDispatcher(ctx context.Context, config DispatcherConfig, rules *RuleSet, runner *ActionRunner, retry *RetryPolicy, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if config.Workers < 1 {
		config.Workers = DefaultDispatcherConfig().Workers
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultDispatcherConfig().JobTimeout
	}
	if retry == nil {
		retry = NewRetryPolicy(DefaultRetryConfig())
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Dispatcher{
		rules:   rules,
		runner:  runner,
		retry:   retry,
		pool:    async.NewWorkerPool(ctx, config.Workers, "automation", config.JobTimeout, logger),
		logger:  logger,
		metrics: metrics,
	}
}

// Enqueue hands an event to the workers without ever blocking the caller.
// Returns false when the event was dropped (full queue or shutdown).
func (d *Dispatcher) Enqueue(event Event) bool {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	accepted := d.pool.TrySubmit(func(ctx context.Context) error {
		d.process(ctx, event)
		return nil
	})

	if !accepted {
		d.logger.WithFields(map[string]interface{}{
			"org_id": event.OrgID,
			"module": event.Module,
			"action": string(event.Action),
		}).Warn("automation queue full, dropping event")
		if d.metrics != nil {
			d.metrics.AutomationDropsTotal.Inc()
		}
	}
	if d.metrics != nil {
		d.metrics.AutomationQueueDepth.Set(float64(d.pool.Pending()))
	}
	return accepted
}

// Shutdown drains queued events, waiting up to timeout.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	return d.pool.Shutdown(timeout)
}

func (d *Dispatcher) process(ctx context.Context, event Event) {
	if d.metrics != nil {
		d.metrics.AutomationQueueDepth.Set(float64(d.pool.Pending()))
	}

	for _, playbook := range d.rules.Match(event) {
		d.runPlaybook(ctx, event, playbook)
	}
}

func (d *Dispatcher) runPlaybook(ctx context.Context, event Event, playbook *Playbook) {
	logger := d.logger.WithFields(map[string]interface{}{
		"playbook":  playbook.Name,
		"org_id":    event.OrgID,
		"module":    event.Module,
		"record_id": event.RecordID,
	})
	start := time.Now()
	failed := false

	for _, action := range playbook.Actions {
		err := d.retry.Do(ctx, func(ctx context.Context) error {
			return d.runner.Run(ctx, event, action)
		})
		if err != nil {
			// Terminal failure stays inside automation; the original
			// caller already got its response.
			failed = true
			logger.WithError(err).WithField("action", action.Type).Error("playbook action failed")
		}
	}

	status := "success"
	if failed {
		status = "failure"
	}
	if d.metrics != nil {
		d.metrics.AutomationJobsTotal.WithLabelValues(string(event.Action), status).Inc()
		d.metrics.AutomationJobDuration.WithLabelValues(string(event.Action)).Observe(time.Since(start).Seconds())
	}
}
