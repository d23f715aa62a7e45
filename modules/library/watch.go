package library

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/printernizer/printernizer/modules/storage"
)

// settleDelay is how long a file must be quiet before it is ingested.
// Slicers write large exports incrementally.
const settleDelay = 2 * time.Second

var watchedExtensions = map[string]bool{
	".3mf":    true,
	".gcode":  true,
	".bgcode": true,
	".stl":    true,
}

// watcher mirrors a set of folders into the library. A full scan runs at
// startup; after that fsnotify events drive incremental ingestion.
type watcher struct {
	lib             *Library
	folders         []string
	removeOriginals bool

	mu      sync.Mutex
	pending map[string]time.Time
}

func newWatcher(lib *Library, folders []string, removeOriginals bool) *watcher {
	return &watcher{lib: lib, folders: folders, removeOriginals: removeOriginals, pending: map[string]time.Time{}}
}

func (w *watcher) run(ctx context.Context) error {
	if len(w.folders) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, folder := range w.folders {
		if err := fsw.Add(folder); err != nil {
			slog.Error("failed to watch folder", "error", err, "folder", folder)
			continue
		}
		slog.Info("watching folder", "folder", folder)
		w.scan(ctx, folder)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !watchedExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			slog.Error("folder watcher error", "error", err)

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush ingests pending files that have been quiet long enough.
func (w *watcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= settleDelay {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.ingest(ctx, path)
	}
}

func (w *watcher) scan(ctx context.Context, folder string) {
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if watchedExtensions[strings.ToLower(filepath.Ext(path))] {
			w.ingest(ctx, path)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("watch folder scan failed", "error", err, "folder", folder)
	}
}

func (w *watcher) ingest(ctx context.Context, path string) {
	_, err := w.lib.Ingest(ctx, path, storage.Source{
		Kind:         storage.SourceWatchFolder,
		Identifier:   filepath.Dir(path),
		Name:         filepath.Base(filepath.Dir(path)),
		OriginalPath: path,
	})
	if err != nil {
		slog.Error("failed to ingest watched file", "error", err, "path", path)
		return
	}
	if w.removeOriginals {
		if err := os.Remove(path); err != nil {
			slog.Error("failed to remove ingested original", "error", err, "path", path)
		}
	}
}
