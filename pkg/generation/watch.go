package generation

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/pool"
)

const watchDebounce = time.Second * 2

// WatchManifest watches the manifest file and runs Update when it
// changes, so a redeploy rolls a new static generation in without a
// restart. Blocks until closeSignal is closed; meant to run under
// safe_close.Attach.
func (m *Manager) WatchManifest(path string, done func(), closeSignal <-chan struct{}) {
	defer done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.opts.Logger.Error("failed to create manifest watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		m.opts.Logger.Warn("failed to watch manifest", zap.String("file", path), zap.Error(err))
	}

	timer := pool.GetTimer(time.Hour)
	defer pool.ReleaseTimer(timer)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	needReWatch := false
	for {
		select {
		case <-closeSignal:
			return

		case e, ok := <-watcher.Events:
			if !ok {
				return
			}
			if e.Has(fsnotify.Chmod) {
				continue
			}
			// Editors and deploy scripts replace the file; re-add the
			// watch path after the debounce window.
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			pool.ResetAndDrainTimer(timer, watchDebounce)

		case <-timer.C:
			if needReWatch {
				needReWatch = false
				_ = watcher.Remove(path)
				if err := watcher.Add(path); err != nil {
					m.opts.Logger.Warn("failed to re-watch manifest", zap.String("file", path), zap.Error(err))
				}
			}
			manifest, err := LoadManifest(path)
			if err != nil {
				m.opts.Logger.Error("failed to reload manifest", zap.String("file", path), zap.Error(err))
				continue
			}
			if err := m.Update(context.Background(), manifest); err != nil {
				m.opts.Logger.Error("failed to install new version", zap.String("version", manifest.Version), zap.Error(err))
				continue
			}

		case err := <-watcher.Errors:
			if err != nil {
				m.opts.Logger.Error("manifest watcher error", zap.Error(err))
			}
		}
	}
}
