package mediastore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/embedpick/picker-server-go/pickerservice"
)

// Watch starts mirroring filesystem changes into the index. Events coalesce
// for the configured debounce window and then trigger a rescan; because an
// unchanged file costs only a stat comparison, the rescan touches just what
// moved. The watch loop stops when ctx is canceled or the store closes.
//
// Callers normally run one Scan first so the initial state does not arrive
// as a burst of change signals.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("media watcher: %w", err)
	}
	if err := s.addWatchDirs(w); err != nil {
		_ = w.Close()
		return fmt.Errorf("media watcher: %w", err)
	}
	s.watcher = w
	go s.runWatch(ctx, w)
	return nil
}

// addWatchDirs registers every non-hidden directory under the root.
// Individual registration failures are logged and skipped; the rest of the
// tree stays watched.
func (s *Store) addWatchDirs(w *fsnotify.Watcher) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != s.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.Add(p); err != nil {
			s.log.Debug("mediastore.watch.add_failed",
				slog.String("path", p),
				slog.String("error", err.Error()))
		}
		return nil
	})
}

func (s *Store) runWatch(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			s.handleEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Debug("mediastore.watch.error", slog.String("error", err.Error()))
		}
	}
}

func (s *Store) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			// New subtree: watch it, then index whatever it contains.
			if err := w.Add(ev.Name); err != nil {
				s.log.Debug("mediastore.watch.add_failed",
					slog.String("path", ev.Name),
					slog.String("error", err.Error()))
			}
			s.bumpRescan()
			return
		}
	}
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// Could be a directory; always worth reconciling.
		s.bumpRescan()
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if _, ok := pickerservice.MediaTypeByExtension(filepath.Ext(ev.Name)); ok {
			s.bumpRescan()
		}
	}
}

// bumpRescan arms (or re-arms) the debounced rescan. The rescan itself runs
// on a background context: the library outlives any one session or request.
func (s *Store) bumpRescan() {
	s.rescanMu.Lock()
	defer s.rescanMu.Unlock()
	if s.rescanTimer != nil {
		s.rescanTimer.Stop()
	}
	s.rescanTimer = time.AfterFunc(s.debounce, func() {
		select {
		case <-s.done:
			return
		default:
		}
		if _, err := s.Scan(context.Background()); err != nil {
			s.log.Warn("mediastore.rescan_failed", slog.String("error", err.Error()))
		}
	})
}
