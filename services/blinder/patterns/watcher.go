// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads operator rule overrides from a directory when its contents
// change. The embedded built-in rules are immutable; only the override layer
// is live-reloaded.
type Watcher struct {
	dir      string
	onReload func([]Rule)
	watcher  *fsnotify.Watcher
}

// NewWatcher starts watching dir. onReload receives the full re-parsed
// override set after every relevant filesystem event. Returns nil (no
// watcher) when dir is empty.
func NewWatcher(dir string, onReload func([]Rule)) (*Watcher, error) {
	if dir == "" {
		return nil, nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{dir: dir, onReload: onReload, watcher: fsw}, nil
}

// Run blocks, dispatching reloads until ctx is cancelled. Parse failures are
// logged and the previous rule set stays active.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rules, err := LoadDir(w.dir)
			if err != nil {
				slog.Error("pattern override reload failed, keeping previous rules",
					"dir", w.dir, "error", err)
				continue
			}
			slog.Info("pattern overrides reloaded", "dir", w.dir, "rules", len(rules))
			w.onReload(rules)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("pattern watcher error", "error", err)
		}
	}
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
