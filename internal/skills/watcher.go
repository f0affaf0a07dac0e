package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Editors fire bursts of writes per save; coalesce them before reloading.
const watchDebounce = 500 * time.Millisecond

// Watch hot-reloads skills when their folders change on disk. Touching any
// file inside skills/<id>/ reloads that skill; removing the folder unloads
// it; a new folder with a manifest is picked up.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.root); err != nil {
		watcher.Close()
		return err
	}
	// Watch existing skill folders too; fsnotify is not recursive.
	entries, _ := os.ReadDir(l.root)
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			if err := watcher.Add(filepath.Join(l.root, e.Name())); err != nil {
				slog.Warn("skills.watch_add_failed", "dir", e.Name(), "error", err)
			}
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	l.watcher = watcher
	l.wcancel = cancel

	l.stopWait.Add(1)
	go l.watchLoop(wctx, watcher)
	slog.Info("skills.watching", "dir", l.root)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer l.stopWait.Done()

	pending := make(map[string]struct{})
	var pendingMu sync.Mutex
	var timer *time.Timer

	flush := func() {
		pendingMu.Lock()
		dirty := pending
		pending = make(map[string]struct{})
		pendingMu.Unlock()

		for id := range dirty {
			l.reloadDirty(ctx, id)
		}
	}

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
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			id := l.skillIDFor(event.Name)
			if id == "" {
				continue
			}
			// A brand-new skill folder needs its own watch.
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						slog.Warn("skills.watch_add_failed", "dir", id, "error", err)
					}
				}
			}

			pendingMu.Lock()
			pending[id] = struct{}{}
			pendingMu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, flush)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("skills.watch_error", "error", err)
		}
	}
}

// reloadDirty applies whatever the filesystem now says about one skill id:
// load it, reload it, or unload it if the folder is gone.
func (l *Loader) reloadDirty(ctx context.Context, id string) {
	dir := filepath.Join(l.root, id)
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
		if os.IsNotExist(err) {
			l.Unload(id)
			return
		}
		slog.Warn("skills.reload_stat_failed", "skill", id, "error", err)
		return
	}

	slog.Info("skills.hot_reload", "skill", id)
	if err := l.loadSkill(ctx, dir); err != nil {
		slog.Warn("skills.hot_reload_failed", "skill", id, "error", err)
	}
}

// skillIDFor maps an fsnotify path to the skill folder it belongs to.
func (l *Loader) skillIDFor(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	id := parts[0]
	if id == "" || strings.HasPrefix(id, ".") {
		return ""
	}
	return id
}

