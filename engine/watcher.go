package engine

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce is how long the watcher waits for a burst of events to settle
const watchDebounce = 250 * time.Millisecond

// DocumentWatcher invalidates thumbnails when PDFs under the document root
// change or disappear
type DocumentWatcher struct {
	fsWatcher  *fsnotify.Watcher
	rootDir    string
	invalidate func(relPath string)

	mu       sync.Mutex
	pending  map[string]struct{}
	debounce *time.Timer
	closed   bool
	flushing sync.WaitGroup
	stop     chan struct{}
	done     chan struct{}
}

// StartWatcher watches the document root and runs an invalidate job for each
// changed PDF
func (serverHandler *ServerHandler) StartWatcher() (*DocumentWatcher, error) {
	return NewDocumentWatcher(serverHandler.ServerConfig.DocumentPath, func(relPath string) {
		if _, err := serverHandler.invalidateJobFunc(relPath, "watcher"); err != nil {
			Logger.Warn("Unable to invalidate changed document", "path", relPath, "error", err)
		}
	})
}

// NewDocumentWatcher watches rootDir recursively. invalidate receives slash
// separated paths relative to rootDir, once per debounced batch.
func NewDocumentWatcher(rootDir string, invalidate func(relPath string)) (*DocumentWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &DocumentWatcher{
		fsWatcher:  fsw,
		rootDir:    filepath.Clean(rootDir),
		invalidate: invalidate,
		pending:    make(map[string]struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	// fsnotify doesn't watch subdirs automatically
	if err := w.addRecursive(w.rootDir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	Logger.Info("Watching documents for changes", "path", w.rootDir)
	return w, nil
}

func (w *DocumentWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil // Skip unreadable subdirectories
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
}

func (w *DocumentWatcher) run() {
	defer close(w.done)

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			Logger.Warn("Document watcher error", "error", err)
		}
	}
}

func (w *DocumentWatcher) handle(event fsnotify.Event) {
	// Watch newly created directories (recursively in case of mkdir -p)
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
			return
		}
	}
	if !strings.EqualFold(filepath.Ext(event.Name), ".pdf") {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	rel, err := filepath.Rel(w.rootDir, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	Logger.Debug("Document changed", "path", rel, "op", event.Op.String())

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[filepath.ToSlash(rel)] = struct{}{}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(watchDebounce, w.flush)
}

// flush invalidates every path collected since the last flush
func (w *DocumentWatcher) flush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	paths := w.pending
	w.pending = make(map[string]struct{})
	w.flushing.Add(1)
	defer w.flushing.Done()
	w.mu.Unlock()

	for relPath := range paths {
		w.invalidate(relPath)
	}
}

// Stop shuts down the watcher. Pending events are dropped and a flush that is
// already invalidating is waited for.
func (w *DocumentWatcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()

	close(w.stop)
	w.fsWatcher.Close()
	<-w.done
	w.flushing.Wait()
}
