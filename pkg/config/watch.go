package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/marmos91/netstore/internal/logger"
)

// Watch watches the config file at path and invokes onChange with the freshly
// loaded configuration whenever the file is rewritten. Invalid intermediate
// states (editors writing in place, truncate-then-write) are logged and
// skipped. The watcher stops when the stop channel is closed.
//
// Only the logging section is expected to be applied live; listener-level
// settings require a restart.
func Watch(path string, onChange func(*Config), stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory rather than the file: most editors replace the
	// file, which would otherwise drop the watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("Ignoring config change", "path", path, "error", err)
					continue
				}
				logger.Info("Configuration reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", "error", err)
			case <-stop:
				return
			}
		}
	}()

	return nil
}
