package automation

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/atriumhq/atrium/pkg/observability"
)

// Watcher hot-reloads the playbook directory into a RuleSet. File events
// are debounced so an editor writing several files triggers one reload.
type Watcher struct {
	dir      string
	rules    *RuleSet
	debounce time.Duration
	logger   *observability.Logger

	fsWatcher *fsnotify.Watcher
}

// NewWatcher performs an initial load and starts watching dir. Close stops
// the watch.
func NewWatcher(dir string, rules *RuleSet, debounce time.Duration, logger *observability.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	playbooks, err := LoadPlaybooks(dir, logger)
	if err != nil {
		return nil, err
	}
	rules.Replace(playbooks)
	logger.WithFields(map[string]interface{}{
		"dir":   dir,
		"count": len(playbooks),
	}).Info("loaded playbooks")

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		dir:       dir,
		rules:     rules,
		debounce:  debounce,
		logger:    logger,
		fsWatcher: fsWatcher,
	}, nil
}

// Run processes file events until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("playbook watcher error")

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

// Close stops the underlying filesystem watcher; Run returns shortly after.
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}

func (w *Watcher) reload() {
	playbooks, err := LoadPlaybooks(w.dir, w.logger)
	if err != nil {
		// Keep serving the last good set
		w.logger.WithError(err).Error("playbook reload failed")
		return
	}
	w.rules.Replace(playbooks)
	w.logger.WithField("count", len(playbooks)).Info("reloaded playbooks")
}
