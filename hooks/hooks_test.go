package hooks_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/embedpick/picker-server-go/hooks"
	"github.com/embedpick/picker-server-go/hooks/hookstest"
	"github.com/embedpick/picker-server-go/theme"
)

func TestFuncsSkipsNilCallbacks(t *testing.T) {
	ctx := context.Background()

	var opened int
	h := hooks.Funcs{
		SessionOpened: func(ctx context.Context, info hooks.SessionInfo) { opened++ },
	}

	// Only SessionOpened is set; the other callbacks must be no-ops.
	h.OnSessionOpened(ctx, hooks.SessionInfo{SessionID: "s1"})
	h.OnSessionClosed(ctx, hooks.SessionInfo{SessionID: "s1"})
	h.OnSelectionCommitted(ctx, hooks.CommitInfo{SessionID: "s1"})

	if opened != 1 {
		t.Fatalf("opened = %d, want 1", opened)
	}
}

func TestMultiFansOutInOrder(t *testing.T) {
	ctx := context.Background()

	a := hookstest.NewRecorder()
	b := hookstest.NewRecorder()
	m := hooks.Multi(a, nil, b)

	info := hooks.SessionInfo{
		SessionID:       "sess-1",
		PackageName:     "com.example.gallery",
		UID:             10007,
		ProtocolVersion: "2026-03-26",
		Action:          theme.ActionPickImages,
	}
	m.OnSessionOpened(ctx, info)
	m.OnSelectionCommitted(ctx, hooks.CommitInfo{
		SessionID: "sess-1",
		URIs:      []string{"picker://sess-1/a"},
		Acked:     true,
	})
	m.OnSessionClosed(ctx, info)

	for name, r := range map[string]*hookstest.Recorder{"a": a, "b": b} {
		if got := r.Opened(); len(got) != 1 || !reflect.DeepEqual(got[0], info) {
			t.Fatalf("recorder %s opened = %+v, want [%+v]", name, got, info)
		}
		if got := r.Closed(); len(got) != 1 {
			t.Fatalf("recorder %s closed = %+v, want one event", name, got)
		}
		commits := r.Commits()
		if len(commits) != 1 || !commits[0].Acked || len(commits[0].URIs) != 1 {
			t.Fatalf("recorder %s commits = %+v", name, commits)
		}
	}
}

func TestRecorderReset(t *testing.T) {
	r := hookstest.NewRecorder()
	r.OnSessionOpened(context.Background(), hooks.SessionInfo{SessionID: "s"})
	r.Reset()
	if got := r.Opened(); len(got) != 0 {
		t.Fatalf("opened after reset = %+v, want empty", got)
	}
}
