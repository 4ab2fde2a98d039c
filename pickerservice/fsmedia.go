package pickerservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
)

// mediaExtMimes maps the file extensions FSMedia treats as displayable media
// to their mime types. The table is consulted before the OS mime database so
// listings stay identical across platforms.
var mediaExtMimes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".heic": "image/heic",
	".heif": "image/heif",
	".avif": "image/avif",
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".3gp":  "video/3gpp",
	".avi":  "video/x-msvideo",
}

// MediaTypeByExtension resolves a displayable mime type for an extension, or
// ok=false when the extension is not recognized as image or video.
func MediaTypeByExtension(ext string) (string, bool) {
	ext = strings.ToLower(ext)
	if m, ok := mediaExtMimes[ext]; ok {
		return m, true
	}
	if m := mime.TypeByExtension(ext); m != "" {
		if strings.HasPrefix(m, "image/") || strings.HasPrefix(m, "video/") {
			return m, true
		}
	}
	return "", false
}

// FSMedia serves a restricted slice of a filesystem as a picker library. It
// can wrap either an os dir (preferred when you need to defend against
// symlink escape) or an arbitrary fs.FS (such as embed.FS or fstest.MapFS).
// Only files with a recognized image or video extension are visible.
//
// Item IDs are the slash-separated paths relative to the root; URIs prefix
// them with the configured base. First-level directories double as albums:
// FSMedia provides both the media and the albums capability, so a single
// instance can be passed to NewHost for both.
//
// Security: when configured with an OS directory root, FSMedia prevents
// traversal outside the configured root, even through symlinks. When
// configured with a generic fs.FS, symlinks are not followed and parent
// traversal is rejected.
type FSMedia struct {
	// backing filesystem. When osRoot != "", this will be os.DirFS(osRoot).
	fsys   fs.FS
	osRoot string // absolute, symlink-evaluated root on disk (if set)

	// presentation
	baseURI  string
	pageSize int

	// change detection
	pollInterval time.Duration // <= 0 means fsnotify only
	debounce     time.Duration
	notifier     ChangeNotifier
	watchOnce    sync.Once
	watching     atomic.Bool

	debMu sync.Mutex
	deb   *debouncer
}

// FSMediaOption configures FSMedia.
type FSMediaOption func(*FSMedia)

// WithMediaDir sets the root to an OS directory. The path must exist.
// Symlinks are resolved and reads are constrained to the resolved root.
func WithMediaDir(root string) FSMediaOption {
	return func(fm *FSMedia) {
		if !filepath.IsAbs(root) {
			if abs, err := filepath.Abs(root); err == nil {
				root = abs
			}
		}
		if real, err := filepath.EvalSymlinks(root); err == nil {
			root = real
		}
		// A missing root surfaces as an empty library at first use.
		fm.osRoot = root
		fm.fsys = os.DirFS(root)
	}
}

// WithMediaFS provides a generic fs.FS (e.g., embed.FS). Parent traversal is
// rejected and symlinks are not followed.
func WithMediaFS(f fs.FS) FSMediaOption {
	return func(fm *FSMedia) { fm.fsys = f; fm.osRoot = "" }
}

// WithMediaBaseURI sets the URI prefix used in MediaItem.URI, e.g.
// "media://library". Defaults to "media://".
func WithMediaBaseURI(base string) FSMediaOption {
	return func(fm *FSMedia) { fm.baseURI = strings.TrimRight(base, "/") }
}

// WithFSMediaPageSize sets the listing page size. Defaults to 50.
func WithFSMediaPageSize(n int) FSMediaOption {
	return func(fm *FSMedia) {
		if n > 0 {
			fm.pageSize = n
		}
	}
}

// WithMediaPolling enables list-changed detection by polling at the provided
// interval instead of fsnotify. Polling starts lazily on the first Register
// call. Use it for generic fs.FS roots, where no watch API exists.
func WithMediaPolling(interval time.Duration) FSMediaOption {
	return func(fm *FSMedia) { fm.pollInterval = interval }
}

// WithMediaDebounce configures how long change bursts are coalesced before a
// single list_changed fires. A camera import dropping hundreds of files
// should produce one notification, not hundreds. Set 0 to disable.
// Defaults to 250ms.
func WithMediaDebounce(d time.Duration) FSMediaOption {
	return func(fm *FSMedia) { fm.debounce = d }
}

// NewFSMedia constructs a filesystem-backed media capability.
func NewFSMedia(opts ...FSMediaOption) *FSMedia {
	fm := &FSMedia{
		baseURI:  "media://",
		pageSize: 50,
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(fm)
		}
	}
	return fm
}

// ProvideMedia implements MediaCapabilityProvider.
func (fm *FSMedia) ProvideMedia(ctx context.Context, session sessions.Session) (MediaCapability, bool, error) {
	return fm, true, nil
}

// ProvideAlbums implements AlbumsCapabilityProvider. The albums view is a
// thin adapter over the same tree; it exists because the media and albums
// capabilities each declare their own GetListChangedCapability.
func (fm *FSMedia) ProvideAlbums(ctx context.Context, session sessions.Session) (AlbumsCapability, bool, error) {
	return fsMediaAlbums{fm: fm}, true, nil
}

// Albums returns the AlbumsCapability view over the same tree, for callers
// wiring capabilities directly instead of through providers.
func (fm *FSMedia) Albums() AlbumsCapability {
	return fsMediaAlbums{fm: fm}
}

type fsMediaAlbums struct{ fm *FSMedia }

func (a fsMediaAlbums) ListAlbums(ctx context.Context, session sessions.Session, cursor string) (Page[picker.Album], error) {
	return a.fm.ListAlbums(ctx, session, cursor)
}

func (a fsMediaAlbums) GetListChangedCapability(ctx context.Context, _ sessions.Session) (AlbumListChangedCapability, bool, error) {
	if a.fm.osRoot == "" && a.fm.pollInterval <= 0 {
		return nil, false, nil
	}
	return albumsListChangedFromSubscriber{sub: a.fm}, true, nil
}

// ListMedia implements MediaCapability.
func (fm *FSMedia) ListMedia(ctx context.Context, session sessions.Session, req *picker.ListMediaRequest) (Page[picker.MediaItem], error) {
	var (
		cursor   string
		albumID  string
		reqMimes []string
	)
	if req != nil {
		cursor = req.Cursor
		albumID = req.AlbumID
		reqMimes = req.MimeTypes
	}
	featMimes := sessionMimeFilters(session)

	all, err := fm.scanItems(ctx)
	if err != nil {
		return Page[picker.MediaItem]{}, err
	}
	filtered := all[:0]
	for _, it := range all {
		if albumID != "" && it.AlbumID != albumID {
			continue
		}
		if !MimeAllowed(it.MimeType, featMimes) || !MimeAllowed(it.MimeType, reqMimes) {
			continue
		}
		filtered = append(filtered, it)
	}
	return PageOf(filtered, cursor, fm.pageSize), nil
}

// ReadMedia implements MediaCapability. The item ID is the slash-separated
// path relative to the root.
func (fm *FSMedia) ReadMedia(ctx context.Context, session sessions.Session, itemID string) (picker.MediaItem, error) {
	rel := path.Clean(itemID)
	if !validMediaPath(rel) {
		return picker.MediaItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if _, ok := MediaTypeByExtension(path.Ext(rel)); !ok {
		return picker.MediaItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}

	if fm.osRoot != "" {
		full := filepath.Join(fm.osRoot, filepath.FromSlash(rel))
		real, err := filepath.EvalSymlinks(full)
		if err != nil {
			return picker.MediaItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		if !withinRoot(real, fm.osRoot) {
			return picker.MediaItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		info, err := os.Stat(real)
		if err != nil || info.IsDir() {
			return picker.MediaItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		return fm.itemFor(rel, info), nil
	}

	if fm.fsys == nil {
		return picker.MediaItem{}, errors.New("no fs configured")
	}
	info, err := fs.Stat(fm.fsys, rel)
	if err != nil || info.IsDir() {
		return picker.MediaItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return fm.itemFor(rel, info), nil
}

// ResolveURI implements MediaURIResolver.
func (fm *FSMedia) ResolveURI(ctx context.Context, session sessions.Session, uri string) (picker.MediaItem, bool, error) {
	rel, ok := fm.uriToRel(uri)
	if !ok {
		return picker.MediaItem{}, false, nil
	}
	item, err := fm.ReadMedia(ctx, session, rel)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return picker.MediaItem{}, false, nil
		}
		return picker.MediaItem{}, false, err
	}
	return item, true, nil
}

// ListAlbums implements AlbumsCapability. Each first-level directory that
// contains at least one media file becomes an album keyed by its name.
func (fm *FSMedia) ListAlbums(ctx context.Context, session sessions.Session, cursor string) (Page[picker.Album], error) {
	items, err := fm.scanItems(ctx)
	if err != nil {
		return Page[picker.Album]{}, err
	}

	counts := make(map[string]int)
	covers := make(map[string]string)
	for _, it := range items {
		if it.AlbumID == "" {
			continue
		}
		counts[it.AlbumID]++
		if _, ok := covers[it.AlbumID]; !ok {
			covers[it.AlbumID] = it.ID
		}
	}

	albums := make([]picker.Album, 0, len(counts))
	for id, n := range counts {
		albums = append(albums, picker.Album{
			ID:          id,
			DisplayName: id,
			CoverItemID: covers[id],
			ItemCount:   n,
		})
	}
	sort.Slice(albums, func(i, j int) bool { return albums[i].ID < albums[j].ID })
	return PageOf(albums, cursor, fm.pageSize), nil
}

// GetListChangedCapability implements MediaCapability. List-changed support
// requires either an OS dir root (fsnotify) or a polling interval.
func (fm *FSMedia) GetListChangedCapability(ctx context.Context, _ sessions.Session) (MediaListChangedCapability, bool, error) {
	if fm.osRoot == "" && fm.pollInterval <= 0 {
		return nil, false, nil
	}
	return mediaListChangedFromSubscriber{sub: fm}, true, nil
}

// Subscriber implements ChangeSubscriber. The watcher or poller starts
// lazily on the first call and runs for the life of the process.
func (fm *FSMedia) Subscriber() <-chan struct{} {
	fm.watchOnce.Do(func() {
		if fm.osRoot != "" && fm.pollInterval <= 0 {
			go fm.runFsnotify(context.Background())
		} else if fm.pollInterval > 0 {
			go fm.runPoller(context.Background())
		}
	})
	return fm.notifier.Subscriber()
}

// bump coalesces change signals through the configured debounce window.
func (fm *FSMedia) bump() {
	fm.debMu.Lock()
	if fm.deb == nil {
		fm.deb = &debouncer{
			interval: fm.debounce,
			fire:     func() { _ = fm.notifier.Notify(context.Background()) },
		}
	}
	db := fm.deb
	fm.debMu.Unlock()
	db.trigger()
}

func (fm *FSMedia) runPoller(ctx context.Context) {
	if !fm.watching.CompareAndSwap(false, true) {
		return
	}
	defer fm.watching.Store(false)

	// Prime last snapshot.
	lastSnap, _ := fm.snapshot(ctx)
	ticker := time.NewTicker(fm.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			curSnap, err := fm.snapshot(ctx)
			if err != nil {
				continue
			}
			changed := false
			for p, cur := range curSnap {
				if prev, ok := lastSnap[p]; !ok || !prev.eq(cur) {
					changed = true
					break
				}
			}
			if !changed {
				for p := range lastSnap {
					if _, ok := curSnap[p]; !ok {
						changed = true
						break
					}
				}
			}
			if changed {
				lastSnap = curSnap
				_ = fm.notifier.Notify(ctx)
			}
		}
	}
}

// runFsnotify watches the OS directory tree rooted at osRoot and coalesces
// events into debounced list_changed signals. Requires WithMediaDir.
func (fm *FSMedia) runFsnotify(ctx context.Context) {
	if fm.osRoot == "" {
		return
	}
	if !fm.watching.CompareAndSwap(false, true) {
		return
	}
	defer fm.watching.Store(false)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("media.watch.unavailable", slog.String("err", err.Error()))
		return
	}
	defer func() { _ = w.Close() }()

	// Recursively add all directories under the root.
	addDirs := func() error {
		return filepath.WalkDir(fm.osRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			return w.Add(p)
		})
	}
	if err := addDirs(); err != nil {
		slog.Debug("media.watch.add_dirs_failed", slog.String("err", err.Error()))
	}

	// Signal one list_changed on startup to normalize initial state.
	_ = fm.notifier.Notify(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				// New directories need a watch; new media files are a
				// list change.
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
					fm.bump()
					continue
				}
				if _, ok := MediaTypeByExtension(filepath.Ext(ev.Name)); ok {
					fm.bump()
				}
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Could be a directory; watches on removed dirs are
				// auto-removed.
				fm.bump()
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0 {
				if _, ok := MediaTypeByExtension(filepath.Ext(ev.Name)); ok {
					fm.bump()
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Debug("media.watch.error", slog.String("err", err.Error()))
		}
	}
}

// snapshot returns path -> metadata for all visible media files.
func (fm *FSMedia) snapshot(ctx context.Context) (map[string]fileMeta, error) {
	if fm.fsys == nil {
		return nil, errors.New("no fs configured")
	}
	rows := make(map[string]fileMeta)
	err := fs.WalkDir(fm.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable nodes
		}
		if d.IsDir() {
			return nil
		}
		if isSymlinkEntry(d) || !validMediaPath(p) {
			return nil
		}
		if _, ok := MediaTypeByExtension(path.Ext(p)); !ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var sz int64
		var mt time.Time
		if info, e := d.Info(); e == nil {
			sz = info.Size()
			mt = info.ModTime()
		}
		rows[p] = fileMeta{size: sz, mod: mt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type fileMeta struct {
	size int64
	mod  time.Time
}

func (a fileMeta) eq(b fileMeta) bool { return a.size == b.size && a.mod.Equal(b.mod) }

// scanItems walks the tree and returns all media items sorted by ID.
func (fm *FSMedia) scanItems(ctx context.Context) ([]picker.MediaItem, error) {
	if fm.fsys == nil {
		return nil, errors.New("no fs configured")
	}
	var out []picker.MediaItem
	err := fs.WalkDir(fm.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort listing
		}
		if d.IsDir() {
			return nil
		}
		if isSymlinkEntry(d) || !validMediaPath(p) {
			return nil
		}
		if _, ok := MediaTypeByExtension(path.Ext(p)); !ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var info fs.FileInfo
		if fi, e := d.Info(); e == nil {
			info = fi
		}
		out = append(out, fm.itemFor(p, info))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// itemFor builds the wire descriptor for a relative media path. info may be
// nil when metadata could not be read.
func (fm *FSMedia) itemFor(rel string, info fs.FileInfo) picker.MediaItem {
	mt, _ := MediaTypeByExtension(path.Ext(rel))
	item := picker.MediaItem{
		ID:          rel,
		URI:         fm.relToURI(rel),
		DisplayName: path.Base(rel),
		MimeType:    mt,
	}
	if dir := path.Dir(rel); dir != "." {
		// First path segment is the album.
		if i := strings.IndexByte(dir, '/'); i >= 0 {
			dir = dir[:i]
		}
		item.AlbumID = dir
	}
	if info != nil {
		item.SizeBytes = info.Size()
		if mt := info.ModTime(); !mt.IsZero() {
			item.TakenAt = mt.UTC().Format(time.RFC3339)
		}
	}
	return item
}

func (fm *FSMedia) relToURI(rel string) string {
	// rel uses '/' separators. Encode path segments for safety.
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return fm.baseURI + "/" + strings.Join(segs, "/")
}

func (fm *FSMedia) uriToRel(uri string) (string, bool) {
	base := strings.TrimRight(fm.baseURI, "/") + "/"
	if !strings.HasPrefix(uri, base) {
		return "", false
	}
	segs := strings.Split(strings.TrimPrefix(uri, base), "/")
	for i, s := range segs {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", false
		}
		segs[i] = dec
	}
	rel := path.Clean(strings.Join(segs, "/"))
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func isSymlinkEntry(d fs.DirEntry) bool {
	if d == nil {
		return false
	}
	if d.Type()&fs.ModeSymlink != 0 {
		return true
	}
	// Some FS don't set Type; fall back to Info.
	if info, err := d.Info(); err == nil {
		return info.Mode()&fs.ModeSymlink != 0
	}
	return false
}

func validMediaPath(p string) bool {
	// fs.ValidPath requires clean, no leading slash, and no ".." segments.
	if !fs.ValidPath(p) {
		return false
	}
	// Reject Windows volume roots or scheme-looking segments.
	return !strings.Contains(p, ":")
}

// withinRoot reports whether target equals root or lives under it.
func withinRoot(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !strings.HasPrefix(rel, "../")
}

var (
	_ MediaCapability          = (*FSMedia)(nil)
	_ MediaCapabilityProvider  = (*FSMedia)(nil)
	_ AlbumsCapabilityProvider = (*FSMedia)(nil)
	_ MediaURIResolver         = (*FSMedia)(nil)
	_ ChangeSubscriber         = (*FSMedia)(nil)
	_ AlbumsCapability         = fsMediaAlbums{}
)

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	interval time.Duration
	fire     func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 {
		d.fire()
		return
	}
	if d.pending {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.flush)
	} else {
		d.timer.Reset(d.interval)
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	d.pending = false
	d.mu.Unlock()
	d.fire()
}
