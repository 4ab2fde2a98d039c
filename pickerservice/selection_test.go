package pickerservice

import (
	"context"
	"errors"
	"testing"

	"github.com/embedpick/picker-server-go/sessions"
)

type fakeAck struct {
	calls int
	uris  [][]string
	acked bool
	err   error
}

func (f *fakeAck) AckGrants(ctx context.Context, uris []string, opts ...sessions.GrantAckOption) (bool, error) {
	f.calls++
	f.uris = append(f.uris, append([]string(nil), uris...))
	return f.acked, f.err
}

func TestSelectionContainer_SelectEnforcesLimits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	sess.feat.MaxSelection = 2
	sc := NewSelectionContainer(NewMediaContainer(sampleLibrary()...))

	added, err := sc.Select(ctx, sess, []string{"cam-1", "scr-1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(added) != 2 || added[0].ID != "cam-1" || added[1].ID != "scr-1" {
		t.Fatalf("unexpected added items: %v", added)
	}

	// Duplicates are skipped without error and without consuming the limit.
	added, err = sc.Select(ctx, sess, []string{"cam-1"})
	if err != nil || len(added) != 0 {
		t.Fatalf("duplicate select: added=%v err=%v", added, err)
	}

	if _, err := sc.Select(ctx, sess, []string{"scr-2"}); !errors.Is(err, ErrSelectionLimit) {
		t.Fatalf("expected ErrSelectionLimit, got %v", err)
	}
	if _, err := sc.Select(ctx, sess, []string{"ghost"}); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}

	page, err := sc.ListSelection(ctx, sess, "")
	if err != nil {
		t.Fatalf("ListSelection: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("failed selects must not mutate state, got %d items", len(page.Items))
	}
}

func TestSelectionContainer_SelectHonorsMimeFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	sess.feat.MimeTypes = []string{"image/*"}
	sc := NewSelectionContainer(NewMediaContainer(sampleLibrary()...))

	if _, err := sc.Select(ctx, sess, []string{"cam-2"}); !errors.Is(err, ErrMimeNotAllowed) {
		t.Fatalf("expected ErrMimeNotAllowed for video, got %v", err)
	}
	if _, err := sc.Select(ctx, sess, []string{"cam-1"}); err != nil {
		t.Fatalf("image select should pass: %v", err)
	}
}

func TestSelectionContainer_DeselectAndListing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	sess.feat.OrderedSelection = true
	sc := NewSelectionContainer(NewMediaContainer(sampleLibrary()...))

	if _, err := sc.Select(ctx, sess, []string{"top-1", "cam-1", "scr-1"}); err != nil {
		t.Fatalf("Select: %v", err)
	}

	page, err := sc.ListSelection(ctx, sess, "")
	if err != nil {
		t.Fatalf("ListSelection: %v", err)
	}
	if page.Items[0].ID != "top-1" || page.Items[1].ID != "cam-1" || page.Items[2].ID != "scr-1" {
		t.Fatalf("expected pick order, got %v", page.Items)
	}

	// Without orderedSelection the listing falls back to a stable ID order.
	sess.feat.OrderedSelection = false
	page, err = sc.ListSelection(ctx, sess, "")
	if err != nil {
		t.Fatalf("ListSelection: %v", err)
	}
	if page.Items[0].ID != "cam-1" || page.Items[1].ID != "scr-1" || page.Items[2].ID != "top-1" {
		t.Fatalf("expected ID order, got %v", page.Items)
	}
	sess.feat.OrderedSelection = true

	removed, err := sc.Deselect(ctx, sess, []string{"cam-1", "absent"})
	if err != nil {
		t.Fatalf("Deselect: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "cam-1" || removed[0].URI != "media://lib/cam-1.jpg" {
		t.Fatalf("unexpected removed items: %v", removed)
	}

	removed, err = sc.Deselect(ctx, sess, []string{"cam-1"})
	if err != nil || len(removed) != 0 {
		t.Fatalf("second deselect: removed=%v err=%v", removed, err)
	}

	page, err = sc.ListSelection(ctx, sess, "")
	if err != nil {
		t.Fatalf("ListSelection: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "top-1" {
		t.Fatalf("expected top-1, scr-1 remaining, got %v", page.Items)
	}
}

func TestSelectionContainer_CommitFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ack := &fakeAck{acked: true}
	sess := newFakeSession("s1")
	sess.feat.OrderedSelection = true
	sess.ack = ack
	sc := NewSelectionContainer(NewMediaContainer(sampleLibrary()...))

	if _, err := sc.Select(ctx, sess, []string{"scr-1", "cam-1"}); err != nil {
		t.Fatalf("Select: %v", err)
	}

	res, err := sc.Commit(ctx, sess)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	wantURIs := []string{"media://lib/scr-1.png", "media://lib/cam-1.jpg"}
	if len(res.URIs) != 2 || res.URIs[0] != wantURIs[0] || res.URIs[1] != wantURIs[1] {
		t.Fatalf("expected URIs in pick order %v, got %v", wantURIs, res.URIs)
	}
	if !res.Acked || ack.calls != 1 {
		t.Fatalf("expected one acked grant, acked=%v calls=%d", res.Acked, ack.calls)
	}

	// A replayed commit returns the stored outcome without re-acking.
	res2, err := sc.Commit(ctx, sess)
	if err != nil {
		t.Fatalf("replayed Commit: %v", err)
	}
	if len(res2.URIs) != 2 || !res2.Acked || ack.calls != 1 {
		t.Fatalf("replay should not re-ack: %+v calls=%d", res2, ack.calls)
	}

	if _, err := sc.Select(ctx, sess, []string{"top-1"}); !errors.Is(err, ErrSelectionCommitted) {
		t.Fatalf("expected ErrSelectionCommitted on select, got %v", err)
	}
	if _, err := sc.Deselect(ctx, sess, []string{"cam-1"}); !errors.Is(err, ErrSelectionCommitted) {
		t.Fatalf("expected ErrSelectionCommitted on deselect, got %v", err)
	}
}

func TestSelectionContainer_CommitWithoutAckCapability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	sc := NewSelectionContainer(NewMediaContainer(sampleLibrary()...))

	if _, err := sc.Select(ctx, sess, []string{"cam-1"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	res, err := sc.Commit(ctx, sess)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Acked {
		t.Fatal("commit without ack capability must not report acked")
	}
	if len(res.URIs) != 1 {
		t.Fatalf("unexpected URIs: %v", res.URIs)
	}
}

func TestSelectionContainer_CommitAckFailureIsRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ack := &fakeAck{err: errors.New("stream gone")}
	sess := newFakeSession("s1")
	sess.ack = ack
	sc := NewSelectionContainer(NewMediaContainer(sampleLibrary()...))

	if _, err := sc.Select(ctx, sess, []string{"cam-1"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := sc.Commit(ctx, sess); err == nil {
		t.Fatal("expected commit error when ack fails")
	}

	// The failed commit is not persisted, so the selection stays mutable
	// and a later commit succeeds.
	if _, err := sc.Select(ctx, sess, []string{"scr-1"}); err != nil {
		t.Fatalf("Select after failed commit: %v", err)
	}
	ack.err = nil
	ack.acked = true
	res, err := sc.Commit(ctx, sess)
	if err != nil {
		t.Fatalf("retried Commit: %v", err)
	}
	if len(res.URIs) != 2 || !res.Acked {
		t.Fatalf("unexpected retried result: %+v", res)
	}
}

func TestSelectionContainer_EmptyCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ack := &fakeAck{acked: true}
	sess := newFakeSession("s1")
	sess.ack = ack
	sc := NewSelectionContainer(NewMediaContainer(sampleLibrary()...))

	res, err := sc.Commit(ctx, sess)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.URIs == nil || len(res.URIs) != 0 {
		t.Fatalf("expected empty non-nil URIs, got %#v", res.URIs)
	}
	if res.Acked || ack.calls != 0 {
		t.Fatalf("empty commit must skip the ack roundtrip, acked=%v calls=%d", res.Acked, ack.calls)
	}
}

func TestSelectionContainer_SeedFromFeatures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	sess.feat.OrderedSelection = true
	sess.feat.PreselectedURIs = []string{
		"media://lib/scr-2.png",
		"media://lib/unknown.jpg",
		"media://lib/cam-1.jpg",
		"media://lib/scr-2.png",
	}
	sc := NewSelectionContainer(NewMediaContainer(sampleLibrary()...))

	n, err := sc.SeedFromFeatures(ctx, sess)
	if err != nil {
		t.Fatalf("SeedFromFeatures: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 seeded entries, got %d", n)
	}

	page, err := sc.ListSelection(ctx, sess, "")
	if err != nil {
		t.Fatalf("ListSelection: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "scr-2" || page.Items[1].ID != "cam-1" {
		t.Fatalf("expected seeded selection in descriptor order, got %v", page.Items)
	}

	// Seeding is a one-shot: existing state is left alone.
	n, err = sc.SeedFromFeatures(ctx, sess)
	if err != nil || n != 0 {
		t.Fatalf("second seed should be a no-op, n=%d err=%v", n, err)
	}
}

func TestSelectionContainer_ForgetDropsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	sc := NewSelectionContainer(NewMediaContainer(sampleLibrary()...))

	if _, err := sc.Select(ctx, sess, []string{"cam-1"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := sc.Forget(ctx, sess.SessionID()); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	page, err := sc.ListSelection(ctx, sess, "")
	if err != nil {
		t.Fatalf("ListSelection: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected empty selection after forget, got %v", page.Items)
	}
}

func TestSelectionContainer_DeselectSurvivesLibraryChurn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := newFakeSession("s1")
	mc := NewMediaContainer(sampleLibrary()...)
	sc := NewSelectionContainer(mc)

	if _, err := sc.Select(ctx, sess, []string{"cam-1"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	mc.Remove(ctx, "cam-1")

	removed, err := sc.Deselect(ctx, sess, []string{"cam-1"})
	if err != nil {
		t.Fatalf("Deselect: %v", err)
	}
	if len(removed) != 1 || removed[0].URI != "media://lib/cam-1.jpg" {
		t.Fatalf("expected recorded URI to survive churn, got %v", removed)
	}
}
