// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/synesis-ai/synesis/pkg/logging"
)

// Watch re-resolves the hierarchy whenever an overlay file changes and
// delivers the new config to onReload. A reload that fails validation
// is dropped; the previous config stays active.
//
// Returns immediately; the watcher goroutine stops when ctx ends. When
// no overlay paths are configured, Watch is a no-op.
func Watch(ctx context.Context, log *logging.Logger, onReload func(*Config)) error {
	var paths []string
	for _, key := range []string{"ORG_DEFAULTS", "PROJECT_MANIFEST"} {
		if p := os.Getenv(EnvPrefix + key); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			log.Warn("overlay watch failed", "path", p, "error", err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load()
				if err != nil {
					log.Warn("overlay reload rejected", "path", event.Name, "error", err)
					continue
				}
				log.Info("configuration overlay reloaded", "path", event.Name)
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("overlay watcher error", "error", err)
			}
		}
	}()
	return nil
}
