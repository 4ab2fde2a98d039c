package mediastore

import (
	"context"
	"errors"
	"image"
	"os"
	"strings"
	"testing"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/pickerservice"
	"github.com/embedpick/picker-server-go/sessions"
)

// indexedStore opens a store over a small mixed library and scans it.
func indexedStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	writePNG(t, root, "camera/a.png", 3, 2)
	writeRaw(t, root, "camera/clip.mp4", "\x00not really mp4")
	writePNG(t, root, "screenshots/shot.png", 1, 1)
	writePNG(t, root, "top.png", 2, 2)

	s := openStore(t, root, opts...)
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return s, root
}

func listIDs(t *testing.T, s *Store, session sessions.Session, req *picker.ListMediaRequest) []string {
	t.Helper()
	page, err := s.ListMedia(context.Background(), session, req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := make([]string, 0, len(page.Items))
	for _, it := range page.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

func TestListMedia_FiltersAndPagination(t *testing.T) {
	ctx := context.Background()
	s, _ := indexedStore(t)

	if ids := listIDs(t, s, nil, nil); len(ids) != 4 {
		t.Fatalf("unfiltered ids = %v", ids)
	}

	// Album filter runs in SQL.
	ids := listIDs(t, s, nil, &picker.ListMediaRequest{AlbumID: "camera"})
	if len(ids) != 2 || ids[0] != "camera/a.png" || ids[1] != "camera/clip.mp4" {
		t.Fatalf("camera ids = %v", ids)
	}

	// Request mime filter.
	ids = listIDs(t, s, nil, &picker.ListMediaRequest{MimeTypes: []string{"video/*"}})
	if len(ids) != 1 || ids[0] != "camera/clip.mp4" {
		t.Fatalf("video ids = %v", ids)
	}

	// Session descriptor filter composes with the request.
	sess := newFakeSession("s1")
	sess.feat.MimeTypes = []string{"image/*"}
	if ids := listIDs(t, s, sess, nil); len(ids) != 3 {
		t.Fatalf("image ids = %v", ids)
	}
	ids = listIDs(t, s, sess, &picker.ListMediaRequest{MimeTypes: []string{"video/mp4"}})
	if len(ids) != 0 {
		t.Fatalf("contradictory filters listed %v", ids)
	}

	// Cursor walk with a page size of 2.
	paged, _ := indexedStore(t, WithPageSize(2))
	var all []string
	cursor := ""
	for {
		page, err := paged.ListMedia(ctx, nil, &picker.ListMediaRequest{
			PaginatedRequest: picker.PaginatedRequest{Cursor: cursor},
		})
		if err != nil {
			t.Fatalf("paged list: %v", err)
		}
		if len(page.Items) > 2 {
			t.Fatalf("page holds %d items, want at most 2", len(page.Items))
		}
		for _, it := range page.Items {
			all = append(all, it.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(all) != 4 {
		t.Fatalf("cursor walk visited %v", all)
	}
}

func TestReadAndResolve(t *testing.T) {
	ctx := context.Background()
	s, _ := indexedStore(t)

	it, err := s.ReadMedia(ctx, nil, "screenshots/shot.png")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if it.URI != "media://test/screenshots/shot.png" {
		t.Fatalf("URI = %q", it.URI)
	}

	if _, err := s.ReadMedia(ctx, nil, "nope.png"); !errors.Is(err, pickerservice.ErrItemNotFound) {
		t.Fatalf("read unknown: %v", err)
	}

	got, ok, err := s.ResolveURI(ctx, nil, it.URI)
	if err != nil || !ok || got.ID != it.ID {
		t.Fatalf("resolve = %+v, %v, %v", got, ok, err)
	}
	if _, ok, err := s.ResolveURI(ctx, nil, "media://other/shot.png"); err != nil || ok {
		t.Fatalf("foreign URI resolved: ok=%v err=%v", ok, err)
	}
}

func TestAlbums(t *testing.T) {
	ctx := context.Background()
	s, _ := indexedStore(t)

	albums := s.Albums()
	page, err := albums.ListAlbums(ctx, nil, "")
	if err != nil {
		t.Fatalf("list albums: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("albums = %+v", page.Items)
	}
	cam := page.Items[0]
	if cam.ID != "camera" || cam.DisplayName != "camera" || cam.ItemCount != 2 || cam.CoverItemID != "camera/a.png" {
		t.Fatalf("camera album = %+v", cam)
	}
	if page.Items[1].ID != "screenshots" || page.Items[1].ItemCount != 1 {
		t.Fatalf("screenshots album = %+v", page.Items[1])
	}
}

func TestAlbums_ListChangedRegister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, root := indexedStore(t)

	lc, ok, err := s.Albums().GetListChangedCapability(ctx, nil)
	if err != nil || !ok {
		t.Fatalf("albums list-changed capability: ok=%v err=%v", ok, err)
	}
	fired := make(chan struct{}, 1)
	ok, err = lc.Register(ctx, nil, func(ctx context.Context, _ sessions.Session) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil || !ok {
		t.Fatalf("register: ok=%v err=%v", ok, err)
	}

	writePNG(t, root, "vacation/beach.png", 2, 2)
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	awaitSignal(t, fired)
}

func TestThumbnails(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePNG(t, root, "photo.png", 100, 80)
	writeRaw(t, root, "clip.mp4", "\x00not really mp4")

	s := openStore(t, root, WithThumbnailSize(16, 16))
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	p, err := s.ThumbnailPath(ctx, "photo.png")
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if !strings.HasSuffix(p, ".jpg") {
		t.Fatalf("thumbnail path = %q", p)
	}
	f, err := os.Open(p)
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	cfg, _, err := image.DecodeConfig(f)
	_ = f.Close()
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if cfg.Width > 16 || cfg.Height > 16 || cfg.Width == 0 {
		t.Fatalf("thumbnail is %dx%d, want within 16x16", cfg.Width, cfg.Height)
	}

	// Second request reuses the cached rendition.
	again, err := s.ThumbnailPath(ctx, "photo.png")
	if err != nil || again != p {
		t.Fatalf("cached thumbnail = %q, %v; want %q", again, err, p)
	}

	// A deleted rendition is regenerated from the original.
	if err := os.Remove(p); err != nil {
		t.Fatalf("remove rendition: %v", err)
	}
	regen, err := s.ThumbnailPath(ctx, "photo.png")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if _, err := os.Stat(regen); err != nil {
		t.Fatalf("regenerated rendition missing: %v", err)
	}

	if _, err := s.ThumbnailPath(ctx, "clip.mp4"); !errors.Is(err, ErrNoThumbnail) {
		t.Fatalf("video thumbnail err = %v", err)
	}
	if _, err := s.ThumbnailPath(ctx, "missing.png"); !errors.Is(err, pickerservice.ErrItemNotFound) {
		t.Fatalf("unknown item err = %v", err)
	}

	// Thumbnails live outside the library index.
	ids := listIDs(t, s, nil, nil)
	if len(ids) != 2 {
		t.Fatalf("library grew after thumbnail generation: %v", ids)
	}
}
