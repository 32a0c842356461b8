package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const debounceDelay = 250 * time.Millisecond

// Watcher reloads the config file when it changes and hands every valid
// result to onChange. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	w        *fsnotify.Watcher
	onChange func(*Config)
}

// Watch starts watching the directory of path. Editors often replace the
// file instead of writing it, so events are matched by base name.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, w: w, onChange: onChange}, nil
}

// Run delivers reloads until ctx ends, then closes the watcher.
func (cw *Watcher) Run(ctx context.Context) {
	defer cw.w.Close()
	file := filepath.Base(cw.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			if ctx.Err() != nil {
				return
			}
			cfg, err := Load(cw.path)
			if err != nil {
				log.Warn().Err(err).Str("path", cw.path).Msg("config reload rejected")
				return
			}
			log.Info().Str("path", cw.path).Msg("config reloaded")
			cw.onChange(cfg)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", cw.path).Msg("config watch error")
		}
	}
}
