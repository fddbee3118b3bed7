package depgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch rebuilds the graph whenever an index file under paths changes and
// hands the result to onChange. Bursts of events within debounce collapse
// into one rebuild. The initial graph is delivered before watching starts.
// Watch returns when ctx is done.
func Watch(ctx context.Context, paths []string, debounce time.Duration, logger *zap.Logger, onChange func(*Graph, error)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Files are watched through their directory so editors that replace the
	// file by rename keep being observed.
	watched := make(map[string]bool)
	dirs := make(map[string]bool)
	files := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("index path %s: %w", p, err)
		}
		dir := abs
		if info.IsDir() {
			dirs[abs] = true
		} else {
			dir = filepath.Dir(abs)
			files[abs] = true
		}
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watched[dir] = true
	}

	relevant := func(name string) bool {
		abs, err := filepath.Abs(name)
		if err != nil {
			return false
		}
		if files[abs] {
			return true
		}
		return dirs[filepath.Dir(abs)] && isIndexFile(abs)
	}

	onChange(LoadGraph(ctx, paths...))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				logger.Debug("index changed", zap.String("op", event.Op.String()), zap.String("file", event.Name))
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("fsnotify error", zap.Error(err))
		case <-timer.C:
			onChange(LoadGraph(ctx, paths...))
		}
	}
}
