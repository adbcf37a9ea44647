package roster

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// Watch notifies on the returned channel when the roster file changes.
// Events are debounced so an editor or atomic-rename update triggers a
// single notification. The watcher shuts down when ctx is canceled.
func Watch(ctx context.Context, log *slog.Logger, path string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// watch the directory; atomic renames replace the file inode
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	baseName := filepath.Base(path)
	changes := make(chan struct{}, 1)

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer

		for {
			var debounceC <-chan time.Time
			if debounceTimer != nil {
				debounceC = debounceTimer.C
			}

			select {
			case <-debounceC:
				debounceTimer = nil
				select {
				case changes <- struct{}{}:
				default:
				}

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != baseName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Debug("roster file changed", "event", event.String())
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.NewTimer(debounceInterval)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("roster watcher error", "err", err)

			case <-ctx.Done():
				return
			}
		}
	}()

	return changes, nil
}
