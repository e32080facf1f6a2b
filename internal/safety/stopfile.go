package safety

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"scalpctl/internal/logger"
)

// WatchStopFile fires a confirmed FULL kill when the operator creates path.
// A stop file present at startup fires immediately. It blocks until ctx ends.
func WatchStopFile(ctx context.Context, path string, ks *KillSwitch) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("stop file path: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("stop file dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("stop file watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	fire := func() {
		logger.Warnf("stop file %s detected", abs)
		_, err := ks.Trigger(context.WithoutCancel(ctx), KillRequest{
			Variant:   VariantFull,
			Reason:    "operator stop file",
			Confirmed: true,
			Source:    "stop_file",
		})
		if err != nil {
			logger.Errorf("stop file kill: %v", err)
		}
	}
	if _, err := os.Stat(abs); err == nil {
		fire()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				fire()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warnf("stop file watcher: %v", err)
			}
		}
	}
}
