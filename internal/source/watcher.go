package source

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/types"
)

// DefaultDebounce is the quiet period before a changed file is reloaded
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a dataset when its file changes and reports the parents
// whose listings changed
type Watcher struct {
	path     string
	ds       *Dataset
	watcher  *fsnotify.Watcher
	debounce time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	onChange func(parents []types.NodeID)
	onError  func(err error)

	reloads int64
	errors  int64
}

// NewWatcher creates a watcher for the dataset file at path
func NewWatcher(path string, ds *Dataset, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     abs,
		ds:       ds,
		watcher:  watcher,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetCallbacks sets the callbacks invoked after a reload. Both run on the
// watcher goroutine.
func (w *Watcher) SetCallbacks(onChange func(parents []types.NodeID), onError func(err error)) {
	w.onChange = onChange
	w.onError = onError
}

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are picked up.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.wg.Add(1)
	go w.processEvents()
	debug.LogSource("watching %s\n", w.path)
	return nil
}

// Stop stops the watcher and waits for its goroutine. Pending changes are
// dropped.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		log.Printf("Error closing dataset watcher: %v", err)
	}
	return err
}

// Reload re-reads the file and swaps the dataset contents
func (w *Watcher) Reload() ([]types.NodeID, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", w.path, err)
	}
	parents, err := w.ds.Replace(doc.Entries)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&w.reloads, 1)
	return parents, nil
}

// Stats returns the number of successful reloads and failed ones
func (w *Watcher) Stats() (reloads, errors int64) {
	return atomic.LoadInt64(&w.reloads), atomic.LoadInt64(&w.errors)
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op == fsnotify.Chmod {
				continue
			}
			debug.LogSource("event %v for %s\n", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.flush()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Dataset watcher error: %v", err)
		}
	}
}

func (w *Watcher) flush() {
	parents, err := w.Reload()
	if err != nil {
		// A half-written file is retried on the next write event
		atomic.AddInt64(&w.errors, 1)
		debug.LogSource("reload failed: %v\n", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	debug.LogSource("reloaded %s, %d listings changed\n", w.path, len(parents))
	if len(parents) > 0 && w.onChange != nil {
		w.onChange(parents)
	}
}
