package tests

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/embedpick/picker-server-go/examples/gallery"
	"github.com/embedpick/picker-server-go/examples/gallery_fs"
	"github.com/embedpick/picker-server-go/examples/media_per_session"
	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/theme"
)

// fakeSession satisfies sessions.Session for driving capabilities directly,
// without a transport underneath.
type fakeSession struct {
	id  string
	pkg string
	uid int64
}

func (s fakeSession) SessionID() string            { return s.id }
func (s fakeSession) CallerPackage() string        { return s.pkg }
func (s fakeSession) CallerUID() int64             { return s.uid }
func (s fakeSession) ProtocolVersion() string      { return picker.LatestProtocolVersion }
func (s fakeSession) Action() theme.Action         { return theme.ActionPickImages }
func (s fakeSession) Features() picker.FeatureInfo { return picker.DefaultFeatureInfo() }
func (s fakeSession) Accent() theme.Accent         { return theme.Accent{} }
func (s fakeSession) GetGrantAckCapability() (sessions.GrantAckCapability, bool) {
	return nil, false
}

func TestLib_Gallery(t *testing.T) {
	t.Parallel()
	caps := gallery.New()
	sess := fakeSession{id: "s1", pkg: "com.example.a", uid: 1}
	ctx := context.Background()

	mediaCap, ok, err := caps.GetMediaCapability(ctx, sess)
	if err != nil || !ok || mediaCap == nil {
		t.Fatalf("media capability missing: ok=%v err=%v", ok, err)
	}
	page, err := mediaCap.ListMedia(ctx, sess, &picker.ListMediaRequest{})
	if err != nil || len(page.Items) != 3 {
		t.Fatalf("unexpected media list: %+v err=%v", page, err)
	}
	if page.Items[0].ID != "harbor" {
		t.Fatalf("listing order: first item %q", page.Items[0].ID)
	}
	item, err := mediaCap.ReadMedia(ctx, sess, "sunset")
	if err != nil || item.MimeType != "image/jpeg" {
		t.Fatalf("read sunset: %+v err=%v", item, err)
	}

	selCap, ok, err := caps.GetSelectionCapability(ctx, sess)
	if err != nil || !ok || selCap == nil {
		t.Fatalf("selection capability missing: ok=%v err=%v", ok, err)
	}
	added, err := selCap.Select(ctx, sess, []string{"harbor"})
	if err != nil || len(added) != 1 {
		t.Fatalf("select: added=%+v err=%v", added, err)
	}
	sel, err := selCap.ListSelection(ctx, sess, "")
	if err != nil || len(sel.Items) != 1 || sel.Items[0].ID != "harbor" {
		t.Fatalf("selection list: %+v err=%v", sel, err)
	}
}

func TestLib_GalleryFS(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "album1"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.jpg", "album1/b.png", "album1/c.webp", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(name)), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	caps := gallery_fs.New(root)
	sess := fakeSession{id: "s2", pkg: "com.example.b", uid: 2}
	ctx := context.Background()

	mediaCap, ok, err := caps.GetMediaCapability(ctx, sess)
	if err != nil || !ok || mediaCap == nil {
		t.Fatalf("media capability missing: ok=%v err=%v", ok, err)
	}
	page, err := mediaCap.ListMedia(ctx, sess, &picker.ListMediaRequest{})
	if err != nil {
		t.Fatalf("list media: %v", err)
	}
	// notes.txt has no displayable extension and must not surface.
	if len(page.Items) != 3 {
		t.Fatalf("media list: got %d items: %+v", len(page.Items), page.Items)
	}
	item, err := mediaCap.ReadMedia(ctx, sess, "album1/b.png")
	if err != nil || item.AlbumID != "album1" || item.MimeType != "image/png" {
		t.Fatalf("read album item: %+v err=%v", item, err)
	}

	albumsCap, ok, err := caps.GetAlbumsCapability(ctx, sess)
	if err != nil || !ok || albumsCap == nil {
		t.Fatalf("albums capability missing: ok=%v err=%v", ok, err)
	}
	albums, err := albumsCap.ListAlbums(ctx, sess, "")
	if err != nil || len(albums.Items) != 1 {
		t.Fatalf("album list: %+v err=%v", albums, err)
	}
	if a := albums.Items[0]; a.ID != "album1" || a.ItemCount != 2 {
		t.Fatalf("album: %+v", a)
	}
}

func TestLib_MediaPerSession(t *testing.T) {
	t.Parallel()
	caps := media_per_session.New()
	ctx := context.Background()

	alice := fakeSession{id: "sa", pkg: "com.alice.app", uid: 1001}
	bob := fakeSession{id: "sb", pkg: "com.bob.gallery", uid: 2002}

	mediaA, ok, err := caps.GetMediaCapability(ctx, alice)
	if err != nil || !ok {
		t.Fatalf("media capability A: ok=%v err=%v", ok, err)
	}
	mediaB, ok, err := caps.GetMediaCapability(ctx, bob)
	if err != nil || !ok {
		t.Fatalf("media capability B: ok=%v err=%v", ok, err)
	}

	pageA, err := mediaA.ListMedia(ctx, alice, &picker.ListMediaRequest{})
	if err != nil || len(pageA.Items) == 0 {
		t.Fatalf("list A: %+v err=%v", pageA, err)
	}
	pageB, err := mediaB.ListMedia(ctx, bob, &picker.ListMediaRequest{})
	if err != nil || len(pageB.Items) == 0 {
		t.Fatalf("list B: %+v err=%v", pageB, err)
	}
	if !strings.HasPrefix(pageA.Items[0].URI, "content://com.alice.app/1001/") {
		t.Fatalf("caller-scoped URI A: %q", pageA.Items[0].URI)
	}
	if !strings.HasPrefix(pageB.Items[0].URI, "content://com.bob.gallery/2002/") {
		t.Fatalf("caller-scoped URI B: %q", pageB.Items[0].URI)
	}

	// Selections share one store but stay isolated per session.
	selA, ok, err := caps.GetSelectionCapability(ctx, alice)
	if err != nil || !ok {
		t.Fatalf("selection capability A: ok=%v err=%v", ok, err)
	}
	selB, ok, err := caps.GetSelectionCapability(ctx, bob)
	if err != nil || !ok {
		t.Fatalf("selection capability B: ok=%v err=%v", ok, err)
	}
	if _, err := selA.Select(ctx, alice, []string{"avatar"}); err != nil {
		t.Fatalf("select A: %v", err)
	}
	listA, err := selA.ListSelection(ctx, alice, "")
	if err != nil || len(listA.Items) != 1 {
		t.Fatalf("selection A: %+v err=%v", listA, err)
	}
	listB, err := selB.ListSelection(ctx, bob, "")
	if err != nil || len(listB.Items) != 0 {
		t.Fatalf("selection B leaked: %+v err=%v", listB, err)
	}
}
