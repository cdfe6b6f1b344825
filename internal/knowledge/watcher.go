package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Watcher keeps a Store in sync with a repository tree. Filesystem events
// mark the tree dirty; after a quiet period the whole tree is re-indexed,
// which is cheap because the manifest skips unchanged files.
type Watcher struct {
	store    *Store
	repoRoot string
	debounce time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher that re-indexes repoRoot into store.
func NewWatcher(store *Store, repoRoot string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		store:    store,
		repoRoot: repoRoot,
		debounce: debounce,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Run watches until ctx is cancelled. It blocks; callers run it in a
// goroutine or as the body of a watch command.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addTree(w.repoRoot); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			// New directories must be added to the watch set; fsnotify does
			// not recurse.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("watching new directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			result, err := w.store.Index(ctx, w.repoRoot)
			if err != nil {
				w.logger.Error("re-indexing after change", zap.Error(err))
				continue
			}
			if result.FilesIndexed > 0 || result.FilesRemoved > 0 {
				w.logger.Info("knowledge refreshed",
					zap.Int("files_indexed", result.FilesIndexed),
					zap.Int("files_removed", result.FilesRemoved),
					zap.Int("chunks_embedded", result.ChunksEmbedded),
				)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		}
	}
}

// addTree registers root and its subdirectories with the watcher, skipping
// the same directories indexing skips.
func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if defaultSkipDirs[filepath.Base(path)] && path != root {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}
