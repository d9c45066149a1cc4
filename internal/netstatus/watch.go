package netstatus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const signalDebounce = 50 * time.Millisecond

// ReadSignalFile interprets the contents of a connectivity signal file.
// "offline", "0", "false" and "down" mean offline; anything else, including
// a missing file, means online.
func ReadSignalFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "offline", "0", "false", "down":
		return false, nil
	}
	return true, nil
}

// WatchFile calls fn with the state read from path at start and after every
// change to it, until ctx is done. The parent directory is watched so the
// file may be created, replaced or removed freely.
func WatchFile(ctx context.Context, path string, logger *slog.Logger, fn func(online bool)) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	emit := func() {
		online, err := ReadSignalFile(path)
		if err != nil {
			logger.Warn("read network signal file failed", "path", path, "error", err)
			return
		}
		fn(online)
	}
	emit()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			logger.Debug("network signal file event", "op", event.Op.String())
			debounce = time.After(signalDebounce)
		case <-debounce:
			debounce = nil
			emit()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("network signal watcher error", "error", err)
		}
	}
}
