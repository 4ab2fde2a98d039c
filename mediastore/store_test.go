package mediastore

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/pickerservice"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/theme"
)

type fakeSession struct {
	id   string
	feat picker.FeatureInfo
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, feat: picker.DefaultFeatureInfo()}
}

func (s *fakeSession) SessionID() string            { return s.id }
func (s *fakeSession) CallerPackage() string        { return "com.example.gallery" }
func (s *fakeSession) CallerUID() int64             { return 10042 }
func (s *fakeSession) ProtocolVersion() string      { return picker.LatestProtocolVersion }
func (s *fakeSession) Action() theme.Action         { return theme.ActionPickImages }
func (s *fakeSession) Features() picker.FeatureInfo { return s.feat }
func (s *fakeSession) Accent() theme.Accent         { return theme.Accent{} }
func (s *fakeSession) GetGrantAckCapability() (sessions.GrantAckCapability, bool) {
	return nil, false
}

// writePNG writes a decodable PNG of the given dimensions. Pixel content
// varies with size so different dimensions never collide on byte size.
func writePNG(t *testing.T, root, rel string, w, h int) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create %s: %v", rel, err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", rel, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", rel, err)
	}
}

func writeRaw(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func touch(t *testing.T, root, rel string, at time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.Chtimes(p, at, at); err != nil {
		t.Fatalf("chtimes %s: %v", rel, err)
	}
}

func openStore(t *testing.T, root string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), root, append([]Option{WithBaseURI("media://test")}, opts...)...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	default:
		t.Fatal("expected a change signal")
	}
}

func mustNoSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected change signal")
	default:
	}
}

func awaitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change signal")
	}
}

func TestOpen_MigratesAndReopens(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "state", "index.db")

	s, err := Open(ctx, root, WithDatabasePath(dbPath))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != len(ms) {
		t.Fatalf("applied %d migrations, want %d", applied, len(ms))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must treat every migration as already applied.
	s2, err := Open(ctx, root, WithDatabasePath(dbPath))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("close after reopen: %v", err)
	}

	if _, err := Open(ctx, filepath.Join(root, "missing")); err == nil {
		t.Fatal("expected error opening a store on a missing root")
	}
}

func TestScan_IndexesLibrary(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePNG(t, root, "camera/a.png", 3, 2)
	writeRaw(t, root, "camera/clip.mp4", "\x00not really mp4")
	writeRaw(t, root, "camera/notes.txt", "not media")
	writePNG(t, root, "screenshots/shot.png", 1, 1)
	writePNG(t, root, "top.png", 2, 2)

	s := openStore(t, root)
	stats, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if stats.Added != 4 || stats.Updated != 0 || stats.Removed != 0 {
		t.Fatalf("stats = %+v, want 4 added", stats)
	}

	page, err := s.ListMedia(ctx, newFakeSession("s1"), nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := make([]string, 0, len(page.Items))
	for _, it := range page.Items {
		ids = append(ids, it.ID)
	}
	want := []string{"camera/a.png", "camera/clip.mp4", "screenshots/shot.png", "top.png"}
	if len(ids) != len(want) {
		t.Fatalf("listed %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("listed %v, want %v", ids, want)
		}
	}

	it := page.Items[0]
	if it.URI != "media://test/camera/a.png" {
		t.Errorf("URI = %q", it.URI)
	}
	if it.DisplayName != "a.png" || it.MimeType != "image/png" || it.AlbumID != "camera" {
		t.Errorf("metadata = %+v", it)
	}
	if it.Width != 3 || it.Height != 2 {
		t.Errorf("dimensions = %dx%d, want 3x2", it.Width, it.Height)
	}
	if it.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d", it.SizeBytes)
	}
	if _, err := time.Parse(time.RFC3339, it.TakenAt); err != nil {
		t.Errorf("TakenAt %q: %v", it.TakenAt, err)
	}
	if it.ThumbnailURI != "/thumbs/camera/a.png" {
		t.Errorf("ThumbnailURI = %q", it.ThumbnailURI)
	}

	clip := page.Items[1]
	if clip.MimeType != "video/mp4" {
		t.Errorf("clip mime = %q", clip.MimeType)
	}
	if clip.Width != 0 || clip.Height != 0 {
		t.Errorf("clip dimensions = %dx%d, want none", clip.Width, clip.Height)
	}
	if clip.ThumbnailURI != "" {
		t.Errorf("clip ThumbnailURI = %q, want none", clip.ThumbnailURI)
	}
}

func TestScan_Incremental(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePNG(t, root, "camera/a.png", 3, 2)
	writePNG(t, root, "top.png", 1, 1)

	s := openStore(t, root)
	if stats, err := s.Scan(ctx); err != nil || stats.Added != 2 {
		t.Fatalf("first scan = %+v, %v", stats, err)
	}

	stats, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if stats.Added != 0 || stats.Updated != 0 || stats.Removed != 0 || stats.Unchanged != 2 {
		t.Fatalf("second scan = %+v, want all unchanged", stats)
	}

	writePNG(t, root, "camera/a.png", 5, 4)
	touch(t, root, "camera/a.png", time.Now().Add(3*time.Second))
	stats, err = s.Scan(ctx)
	if err != nil {
		t.Fatalf("rescan after rewrite: %v", err)
	}
	if stats.Updated != 1 || stats.Unchanged != 1 {
		t.Fatalf("rescan = %+v, want 1 updated", stats)
	}
	it, err := s.ReadMedia(ctx, nil, "camera/a.png")
	if err != nil {
		t.Fatalf("read after rewrite: %v", err)
	}
	if it.Width != 5 || it.Height != 4 {
		t.Fatalf("dimensions = %dx%d, want 5x4", it.Width, it.Height)
	}

	if err := os.Remove(filepath.Join(root, "top.png")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	stats, err = s.Scan(ctx)
	if err != nil {
		t.Fatalf("rescan after remove: %v", err)
	}
	if stats.Removed != 1 {
		t.Fatalf("rescan = %+v, want 1 removed", stats)
	}
	if _, err := s.ReadMedia(ctx, nil, "top.png"); !errors.Is(err, pickerservice.ErrItemNotFound) {
		t.Fatalf("read removed item: %v", err)
	}
}

func TestScan_Notifies(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePNG(t, root, "a.png", 1, 1)

	s := openStore(t, root)
	ch := s.Subscriber()

	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	mustSignal(t, ch)

	// A no-op rescan must stay silent.
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	mustNoSignal(t, ch)

	writePNG(t, root, "b.png", 2, 2)
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("rescan after add: %v", err)
	}
	mustSignal(t, ch)
}

func TestWatch_IndexesNewFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	writePNG(t, root, "a.png", 1, 1)

	s := openStore(t, root, WithDebounce(10*time.Millisecond))
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("initial scan: %v", err)
	}
	ch := s.Subscriber()

	if err := s.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// Even if the event for the file inside the fresh directory is missed,
	// the debounced rescan reconciles the whole tree.
	writePNG(t, root, "camera/new.png", 2, 2)
	awaitSignal(t, ch)

	it, err := s.ReadMedia(ctx, nil, "camera/new.png")
	if err != nil {
		t.Fatalf("read after watch pickup: %v", err)
	}
	if it.AlbumID != "camera" {
		t.Fatalf("AlbumID = %q, want camera", it.AlbumID)
	}
}
