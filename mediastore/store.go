package mediastore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/embedpick/picker-server-go/pickerservice"

	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded sqlite build
)

// Store is a persistent media index over a directory tree. Metadata that is
// expensive to derive (image dimensions, thumbnails) is computed once during
// a scan and kept in a SQLite database, so listings stay cheap across
// process restarts.
//
// A Store implements the media, albums and selection-resolver capability
// surfaces from package pickerservice; a single instance can be handed to
// pickerservice.NewHost for all of them. Hidden files and directories
// (dot-prefixed) are never indexed, which keeps the index database itself
// out of the library when it lives under the media root.
type Store struct {
	db   *sql.DB
	root string // absolute, symlink-resolved media root

	dbPath    string
	baseURI   string
	thumbDir  string
	thumbBase string
	thumbW    int
	thumbH    int
	scanLimit int
	pageSize  int
	debounce  time.Duration
	log       *slog.Logger

	notifier pickerservice.ChangeNotifier

	// scanMu serializes full scans so a watcher-triggered rescan cannot
	// interleave with an explicit one.
	scanMu sync.Mutex

	rescanMu    sync.Mutex
	rescanTimer *time.Timer

	watcher *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithDatabasePath sets where the index database lives. Defaults to
// .picker/index.db under the media root.
func WithDatabasePath(p string) Option {
	return func(s *Store) { s.dbPath = p }
}

// WithBaseURI sets the URI prefix minted for indexed items. Defaults to
// "media://".
func WithBaseURI(base string) Option {
	return func(s *Store) { s.baseURI = strings.TrimRight(base, "/") }
}

// WithThumbnailDir sets where generated thumbnails are written. Defaults to
// a thumbs directory next to the index database.
func WithThumbnailDir(dir string) Option {
	return func(s *Store) { s.thumbDir = dir }
}

// WithThumbnailSize bounds generated thumbnails. Images are scaled down to
// fit within w x h preserving aspect ratio. Defaults to 320x320.
func WithThumbnailSize(w, h int) Option {
	return func(s *Store) {
		if w > 0 && h > 0 {
			s.thumbW, s.thumbH = w, h
		}
	}
}

// WithThumbnailBaseURI sets the URL prefix under which the transport serves
// thumbnails; listed items carry it in ThumbnailURI. Defaults to "/thumbs".
func WithThumbnailBaseURI(base string) Option {
	return func(s *Store) { s.thumbBase = strings.TrimRight(base, "/") }
}

// WithScanConcurrency bounds how many files a scan probes in parallel.
// Defaults to 4.
func WithScanConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.scanLimit = n
		}
	}
}

// WithPageSize sets the listing page size. Defaults to 50.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithDebounce sets how long the watcher coalesces filesystem events before
// re-indexing. Defaults to 250ms.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open opens (creating if needed) the index database for the media library
// rooted at root and brings its schema up to date. The media root must
// exist. Open does not index anything; call Scan for that.
func Open(ctx context.Context, root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("media root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("media root: %w", err)
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("media root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("media root %s is not a directory", resolved)
	}

	s := &Store{
		root:      resolved,
		baseURI:   "media://",
		thumbBase: "/thumbs",
		thumbW:    320,
		thumbH:    320,
		scanLimit: 4,
		pageSize:  50,
		debounce:  250 * time.Millisecond,
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.dbPath == "" {
		s.dbPath = filepath.Join(s.root, ".picker", "index.db")
	}
	if s.thumbDir == "" {
		s.thumbDir = filepath.Join(filepath.Dir(s.dbPath), "thumbs")
	}

	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	db, err := sql.Open("sqlite3", s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect index: %w", err)
	}
	if err := runMigrations(ctx, db, s.log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply index migrations: %w", err)
	}
	if err := verifyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verify index migrations: %w", err)
	}
	s.db = db
	return s, nil
}

// Close stops the watcher, releases change subscribers and closes the
// database. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.rescanMu.Lock()
		if s.rescanTimer != nil {
			s.rescanTimer.Stop()
		}
		s.rescanMu.Unlock()
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		s.notifier.Close()
		err = s.db.Close()
	})
	return err
}

// Subscriber implements pickerservice.ChangeSubscriber. The returned
// channel receives a signal whenever indexing changes the item set.
func (s *Store) Subscriber() <-chan struct{} {
	return s.notifier.Subscriber()
}

// itemURI mints the URI for a slash-separated library-relative path.
func (s *Store) itemURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURI + "/" + strings.Join(segs, "/")
}

// albumFor derives the album for a relative path: its first-level
// directory, or none for items at the library root.
func albumFor(rel string) string {
	if i := strings.IndexByte(rel, '/'); i > 0 {
		return rel[:i]
	}
	return ""
}

var (
	_ pickerservice.ChangeSubscriber = (*Store)(nil)
)
