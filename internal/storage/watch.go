package storage

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	logx "macrosched/pkg/logx"
)

const watchDebounce = 300 * time.Millisecond

// Watch reloads the catalog when its documents are edited by another process
// and calls onChange after a reload that changed something. Writes made by
// this store are recognized by content hash and ignored. It blocks until ctx
// is done. Only the OS filesystem can be watched.
func (s *fileStore) Watch(ctx context.Context, onChange func()) error {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		s.log.Debug("storage watch disabled (non-OS filesystem)")
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(s.macrosPath)
	if err := w.Add(dir); err != nil {
		return err
	}
	names := map[string]bool{
		filepath.Base(s.macrosPath):    true,
		filepath.Base(s.schedulesPath): true,
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			changed, err := s.Reload()
			if err != nil {
				s.log.Warn("storage reload failed", logx.String("dir", dir), logx.Err(err))
				return
			}
			if !changed {
				return
			}
			s.log.Info("storage changed on disk; reloaded", logx.String("dir", dir))
			if onChange != nil {
				onChange()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !names[filepath.Base(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("storage watch error", logx.Err(err))
		}
	}
}
