package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// WatchConfig watches the YAML config file and invokes onChange with the
// freshly parsed configuration after each modification. Events are debounced
// because editors typically emit several write events per save. The watcher
// stops when ctx is cancelled. A reload that fails to parse is logged and
// skipped; the previous configuration stays active.
func WatchConfig(ctx context.Context, path string, onChange func(*Config)) error {
	if path == "" || onChange == nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: rename-based saves replace the file inode and a
	// file-level watch would go stale after the first save.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, func() {
					cfg, errLoad := LoadConfig(path)
					if errLoad != nil {
						log.WithError(errLoad).Warn("config reload failed, keeping previous configuration")
						return
					}
					if _, errValidate := ValidateConfig(cfg); errValidate != nil {
						log.WithError(errValidate).Warn("config reload invalid, keeping previous configuration")
						return
					}
					log.WithField("path", path).Info("configuration reloaded")
					onChange(cfg)
				})
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(errWatch).Warn("config watcher error")
			}
		}
	}()
	return nil
}
