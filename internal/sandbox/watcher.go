package sandbox

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"datasage/internal/logging"
)

// stagingWatcher observes the staging directory while a run executes and
// records the artifact files that appear there, debounced across rapid
// rewrites. It mirrors the broker's records; a divergence between the two
// is logged for diagnosis, never acted on.
type stagingWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	dir      string
	pending  map[string]time.Time
	seen     map[string]bool
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newStagingWatcher(dir string) (*stagingWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	w := &stagingWatcher{
		watcher:  watcher,
		dir:      dir,
		pending:  make(map[string]time.Time),
		seen:     make(map[string]bool),
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *stagingWatcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.WatchDebug("staging watcher: %v", err)

		case <-ticker.C:
			w.settle()
		}
	}
}

func (w *stagingWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return
	}
	rel, err := filepath.Rel(w.dir, event.Name)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.pending[rel] = time.Now()
	w.mu.Unlock()
	logging.WatchDebug("staging watcher: observed %s (%s)", rel, event.Op)
}

// settle promotes events older than the debounce window into the seen set.
func (w *stagingWatcher) settle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for name, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			w.seen[name] = true
			delete(w.pending, name)
		}
	}
}

// stop shuts the watcher down and returns every file it observed, settled
// or not, sorted.
func (w *stagingWatcher) stop() []string {
	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		logging.WatchDebug("staging watcher: close: %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for name := range w.pending {
		w.seen[name] = true
	}
	out := make([]string, 0, len(w.seen))
	for name := range w.seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
