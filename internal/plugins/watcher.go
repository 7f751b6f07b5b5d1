package plugins

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/nekobot/pkg/pluginsdk"
)

// StartWatching loads packages that appear in the user plugin directory and
// reloads plugins whose entry module changes. It does nothing unless
// Config.Watch is set.
func (rt *Runtime) StartWatching(ctx context.Context) error {
	if !rt.cfg.Watch {
		return nil
	}

	rt.watchMu.Lock()
	defer rt.watchMu.Unlock()
	if rt.watchCancel != nil {
		return nil
	}

	root, err := filepath.Abs(rt.cfg.PluginDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return err
	}
	if entries, err := os.ReadDir(root); err == nil {
		for _, entry := range entries {
			if entry.IsDir() && !skipDir(entry.Name()) {
				if err := watcher.Add(filepath.Join(root, entry.Name())); err != nil {
					rt.logger.Debug("failed to watch plugin path", "dir", entry.Name(), "error", err)
				}
			}
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	rt.watchCancel = cancel
	rt.watchWg.Add(1)
	go rt.watchLoop(watchCtx, watcher, root)
	rt.logger.Info("watching plugin directory", "dir", root)
	return nil
}

// StopWatching stops the directory watcher and waits for it to exit.
func (rt *Runtime) StopWatching() {
	rt.watchMu.Lock()
	cancel := rt.watchCancel
	rt.watchCancel = nil
	rt.watchMu.Unlock()
	if cancel != nil {
		cancel()
	}
	rt.watchWg.Wait()
}

func (rt *Runtime) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, root string) {
	defer rt.watchWg.Done()
	defer watcher.Close()

	debounce := rt.cfg.WatchDebounce
	fire := make(chan string)
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	schedule := func(dir string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[dir]; ok {
			t.Stop()
		}
		timers[dir] = time.AfterFunc(debounce, func() {
			select {
			case fire <- dir:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case dir := <-fire:
			mu.Lock()
			delete(timers, dir)
			mu.Unlock()
			rt.handlePackageChange(ctx, dir)
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			dir, relevant := packageDirFor(root, event.Name)
			if !relevant {
				continue
			}
			if event.Op&fsnotify.Create != 0 && event.Name == dir {
				if info, err := os.Stat(dir); err == nil && info.IsDir() {
					if err := watcher.Add(dir); err != nil {
						rt.logger.Debug("failed to watch plugin path", "dir", dir, "error", err)
					}
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule(dir)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			rt.logger.Warn("plugin watch error", "error", err)
		}
	}
}

// packageDirFor maps a watched path to its package directory. Only the
// package directory itself and its manifest or entry module are relevant.
func packageDirFor(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if skipDir(parts[0]) {
		return "", false
	}
	dir := filepath.Join(root, parts[0])
	switch {
	case len(parts) == 1:
		return dir, true
	case len(parts) == 2 && (parts[1] == pluginsdk.EntryFilename || parts[1] == pluginsdk.ManifestFilename):
		return dir, true
	default:
		return "", false
	}
}

func (rt *Runtime) handlePackageChange(ctx context.Context, dir string) {
	var (
		name string
		inst *instance
	)
	rt.mu.RLock()
	for n, candidate := range rt.plugins {
		if candidate.dir == dir {
			name, inst = n, candidate
			break
		}
	}
	rt.mu.RUnlock()

	if inst == nil {
		if !isPackageDir(dir) {
			return
		}
		if _, err := rt.load(ctx, dir, false); err != nil {
			if KindOf(err) == KindDuplicateName {
				rt.logger.Debug("watched package already loaded", "dir", dir)
				return
			}
			rt.logger.Warn("watched plugin load failed", "dir", dir, "error", err)
		}
		return
	}

	info, err := os.Stat(filepath.Join(dir, pluginsdk.EntryFilename))
	if err != nil {
		if _, dirErr := os.Stat(dir); errors.Is(dirErr, fs.ErrNotExist) {
			if err := rt.Unload(ctx, name); err != nil && KindOf(err) != KindNotLoaded {
				rt.logger.Warn("unload of removed plugin failed", "plugin", name, "error", err)
			}
		}
		return
	}
	if info.ModTime().Equal(inst.entryMod) {
		return
	}
	if _, err := rt.Reload(ctx, name); err != nil {
		rt.logger.Warn("watched plugin reload failed", "plugin", name, "error", err)
		return
	}
	rt.logger.Info("plugin reloaded after change", "plugin", name)
}
