package pickerservice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/embedpick/picker-server-go/picker"
)

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestFSMedia_ListAndAlbums(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	dir := t.TempDir()
	writeFile(t, dir, "camera/a.jpg", "jpeg-bytes")
	writeFile(t, dir, "camera/b.mp4", "mp4-bytes")
	writeFile(t, dir, "screenshots/c.png", "png-bytes")
	writeFile(t, dir, "top.gif", "gif-bytes")
	writeFile(t, dir, "notes.txt", "not media")

	fm := NewFSMedia(WithMediaDir(dir), WithMediaBaseURI("media://test"))

	page, err := fm.ListMedia(ctx, sess, nil)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(page.Items) != 4 {
		t.Fatalf("expected 4 media items (txt excluded), got %d: %v", len(page.Items), page.Items)
	}
	first := page.Items[0]
	if first.ID != "camera/a.jpg" || first.URI != "media://test/camera/a.jpg" {
		t.Fatalf("unexpected first item: %+v", first)
	}
	if first.MimeType != "image/jpeg" || first.AlbumID != "camera" || first.SizeBytes == 0 {
		t.Fatalf("unexpected metadata: %+v", first)
	}
	if first.TakenAt == "" {
		t.Fatalf("expected takenAt timestamp, got %+v", first)
	}

	page, err = fm.ListMedia(ctx, sess, &picker.ListMediaRequest{AlbumID: "camera"})
	if err != nil {
		t.Fatalf("ListMedia album: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 camera items, got %d", len(page.Items))
	}

	page, err = fm.ListMedia(ctx, sess, &picker.ListMediaRequest{MimeTypes: []string{"image/*"}})
	if err != nil {
		t.Fatalf("ListMedia mime: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 images, got %d", len(page.Items))
	}

	albums, err := fm.ListAlbums(ctx, sess, "")
	if err != nil {
		t.Fatalf("ListAlbums: %v", err)
	}
	if len(albums.Items) != 2 {
		t.Fatalf("expected 2 albums, got %v", albums.Items)
	}
	cam := albums.Items[0]
	if cam.ID != "camera" || cam.ItemCount != 2 || cam.CoverItemID != "camera/a.jpg" {
		t.Fatalf("unexpected camera album: %+v", cam)
	}
	if albums.Items[1].ID != "screenshots" || albums.Items[1].ItemCount != 1 {
		t.Fatalf("unexpected screenshots album: %+v", albums.Items[1])
	}
}

func TestFSMedia_ReadAndResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	dir := t.TempDir()
	writeFile(t, dir, "camera/my pic.png", "png-bytes")
	writeFile(t, dir, "notes.txt", "not media")

	fm := NewFSMedia(WithMediaDir(dir), WithMediaBaseURI("media://test"))

	item, err := fm.ReadMedia(ctx, sess, "camera/my pic.png")
	if err != nil {
		t.Fatalf("ReadMedia: %v", err)
	}
	if item.URI != "media://test/camera/my%20pic.png" || item.DisplayName != "my pic.png" {
		t.Fatalf("unexpected item: %+v", item)
	}

	if _, err := fm.ReadMedia(ctx, sess, "notes.txt"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("non-media file must read as not found, got %v", err)
	}
	if _, err := fm.ReadMedia(ctx, sess, "../outside.jpg"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("parent traversal must read as not found, got %v", err)
	}

	got, ok, err := fm.ResolveURI(ctx, sess, item.URI)
	if err != nil || !ok || got.ID != item.ID {
		t.Fatalf("ResolveURI roundtrip: got=%+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, err := fm.ResolveURI(ctx, sess, "media://other/x.jpg"); ok || err != nil {
		t.Fatalf("foreign base URI must miss, ok=%v err=%v", ok, err)
	}
}

func TestFSMedia_SymlinkEscapeDenied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	outside := t.TempDir()
	secret := writeFile(t, outside, "secret.jpg", "outside-bytes")
	dir := t.TempDir()
	if err := os.Symlink(secret, filepath.Join(dir, "link.jpg")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	fm := NewFSMedia(WithMediaDir(dir), WithMediaBaseURI("media://test"))

	if _, err := fm.ReadMedia(ctx, sess, "link.jpg"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("symlink escape must read as not found, got %v", err)
	}
	page, err := fm.ListMedia(ctx, sess, nil)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("symlinked file must not be listed, got %v", page.Items)
	}
}

func TestFSMedia_GenericFS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	now := time.Now()
	fsys := fstest.MapFS{
		"vacation/beach.jpg": &fstest.MapFile{Data: []byte("jpeg"), ModTime: now},
		"vacation/reef.mp4":  &fstest.MapFile{Data: []byte("mp4"), ModTime: now},
		"readme.md":          &fstest.MapFile{Data: []byte("skip")},
	}

	fm := NewFSMedia(WithMediaFS(fsys), WithMediaBaseURI("media://embed"))

	page, err := fm.ListMedia(ctx, sess, nil)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %v", page.Items)
	}
	if page.Items[0].AlbumID != "vacation" {
		t.Fatalf("unexpected album: %+v", page.Items[0])
	}

	// Without an OS root or polling there is no change detection.
	if _, ok, err := fm.GetListChangedCapability(ctx, sess); ok || err != nil {
		t.Fatalf("expected no list-changed capability, ok=%v err=%v", ok, err)
	}
}

func TestFSMedia_PageSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	fsys := fstest.MapFS{
		"a.jpg": &fstest.MapFile{Data: []byte("1")},
		"b.jpg": &fstest.MapFile{Data: []byte("2")},
		"c.jpg": &fstest.MapFile{Data: []byte("3")},
	}
	fm := NewFSMedia(WithMediaFS(fsys), WithFSMediaPageSize(2))

	page, err := fm.ListMedia(ctx, sess, nil)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected first page of 2 with cursor, got %d (next %q)", len(page.Items), page.NextCursor)
	}
	page, err = fm.ListMedia(ctx, sess, &picker.ListMediaRequest{PaginatedRequest: picker.PaginatedRequest{Cursor: page.NextCursor}})
	if err != nil {
		t.Fatalf("ListMedia page 2: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "" {
		t.Fatalf("expected final page of 1, got %d (next %q)", len(page.Items), page.NextCursor)
	}
}

func TestFSMedia_PollerDetectsChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", "1")

	fm := NewFSMedia(
		WithMediaDir(dir),
		WithMediaPolling(10*time.Millisecond),
		WithMediaDebounce(0),
	)

	ch := fm.Subscriber()
	// Let the poller prime its snapshot before mutating the tree.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "b.jpg", "2")
	awaitSignal(t, ch)

	sess := newFakeSession("s1")
	if _, ok, err := fm.GetListChangedCapability(context.Background(), sess); !ok || err != nil {
		t.Fatalf("expected list-changed capability with polling, ok=%v err=%v", ok, err)
	}
}
