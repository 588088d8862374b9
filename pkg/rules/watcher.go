package rules

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a rule bundle file and swaps a freshly loaded RuleSet into
// the classifier when the file changes. The RuleSet in effect is never
// mutated in place.
type Watcher struct {
	bundlePath   string
	classifier   *Classifier
	watcher      *fsnotify.Watcher
	logger       *slog.Logger
	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	debounceTime time.Duration
	onSwap       func(*RuleSet) // reload observer, may be nil
}

// NewWatcher creates a bundle file watcher bound to classifier.
func NewWatcher(bundlePath string, classifier *Classifier, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		bundlePath:   bundlePath,
		classifier:   classifier,
		watcher:      fw,
		logger:       logger,
		stopCh:       make(chan struct{}),
		debounceTime: time.Second,
	}, nil
}

// Start begins watching the bundle file for changes.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory rather than the file; editors and atomic writers
	// replace the file by rename.
	if err := w.watcher.Add(filepath.Dir(w.bundlePath)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.logger.Info("Bundle watcher started", "bundle_path", w.bundlePath)

	go w.watchLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	return w.watcher.Close()
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// OnReload registers fn to observe every rule set the watcher swaps in,
// e.g. to feed reload metrics. Must be called before Start.
func (w *Watcher) OnReload(fn func(*RuleSet)) {
	w.onSwap = fn
}

// Reload loads the bundle immediately and swaps it in. Used for SIGHUP.
func (w *Watcher) Reload() {
	rs := Load(w.logger, w.bundlePath)
	old := w.classifier.Swap(rs)
	domains, patterns := rs.Size()
	w.logger.Info("Rule set reloaded",
		"source", rs.Source(),
		"domains", domains,
		"patterns", patterns,
		"previous_source", old.Source())
	if w.onSwap != nil {
		w.onSwap(rs)
	}
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !w.isBundleEvent(event) {
				continue
			}

			w.logger.Debug("Bundle file event", "event", event.Op.String(), "file", event.Name)

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounceTime, w.Reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Bundle watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Bundle watcher stopped")
			return

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) isBundleEvent(event fsnotify.Event) bool {
	eventPath, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	bundlePath, err := filepath.Abs(w.bundlePath)
	if err != nil {
		return false
	}
	return eventPath == bundlePath
}
