package surface

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embedpick/picker-server-go/internal/sessioncore"
	"github.com/embedpick/picker-server-go/picker"
)

func newTestHub(t *testing.T, signer *sessioncore.MemoryJWS, opts ...HubOption) (*Hub, string) {
	t.Helper()
	hub := NewHub(NewIssuer(signer), opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func mustIssue(t *testing.T, issuer *Issuer, sessionID, surfaceID string) string {
	t.Helper()
	token, err := issuer.Issue(sessionID, surfaceID, "com.example.gallery")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func dialSurface(t *testing.T, wsBase, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		t.Fatalf("dial surface: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_PushFrame(t *testing.T) {
	signer := newTestSigner(t)
	hub, wsBase := newTestHub(t, signer)
	issuer := NewIssuer(signer)

	a := dialSurface(t, wsBase, mustIssue(t, issuer, "sess-1", "sfc-a"))
	b := dialSurface(t, wsBase, mustIssue(t, issuer, "sess-1", "sfc-b"))
	other := dialSurface(t, wsBase, mustIssue(t, issuer, "sess-2", "sfc-c"))

	waitFor(t, func() bool { return hub.AttachedCount("sess-1") == 2 }, "sess-1 surfaces")
	waitFor(t, func() bool { return hub.AttachedCount("sess-2") == 1 }, "sess-2 surface")

	frame := Frame{
		Revision: 1,
		Grid: Grid{
			AlbumID:    "camera",
			Items:      []picker.MediaItem{{ID: "camera/a.png", MimeType: "image/png"}},
			NextCursor: "2",
		},
		Theme:     map[string]string{"--picker-accent": "#336699"},
		Selection: []string{"camera/a.png"},
	}
	if err := hub.PushFrame("sess-1", frame); err != nil {
		t.Fatalf("push frame: %v", err)
	}
	if err := hub.PushFrame("sess-2", Frame{Revision: 7}); err != nil {
		t.Fatalf("push frame: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		if env.Type != "frame" || env.Frame == nil {
			t.Fatalf("envelope = %+v", env)
		}
		if env.Frame.Revision != 1 || env.Frame.Grid.AlbumID != "camera" {
			t.Errorf("frame = %+v", env.Frame)
		}
		if len(env.Frame.Grid.Items) != 1 || env.Frame.Grid.Items[0].ID != "camera/a.png" {
			t.Errorf("grid items = %+v", env.Frame.Grid.Items)
		}
		if env.Frame.Theme["--picker-accent"] != "#336699" {
			t.Errorf("theme = %+v", env.Frame.Theme)
		}
		if !reflect.DeepEqual(env.Frame.Selection, []string{"camera/a.png"}) {
			t.Errorf("selection = %+v", env.Frame.Selection)
		}
	}

	// Delivery on a connection is ordered, so if the first message sess-2
	// sees is its own frame, the sess-1 push never crossed sessions.
	env := readEnvelope(t, other)
	if env.Frame == nil || env.Frame.Revision != 7 {
		t.Errorf("cross-session envelope = %+v", env)
	}
}

func TestHub_RejectsBadTokens(t *testing.T) {
	signer := newTestSigner(t)
	_, wsBase := newTestHub(t, signer)

	past := NewIssuer(signer, WithIssuerClock(func() time.Time { return time.Now().Add(-time.Hour) }))
	expired := mustIssue(t, past, "sess-1", "sfc-1")

	cases := []struct {
		name string
		url  string
	}{
		{"missing token", wsBase},
		{"garbage token", wsBase + "?token=nonsense"},
		{"expired token", wsBase + "?token=" + url.QueryEscape(expired)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(tc.url, nil)
			if err == nil {
				conn.Close()
				t.Fatal("dial succeeded")
			}
			if resp == nil {
				t.Fatal("no handshake response")
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func TestHub_InboundEvents(t *testing.T) {
	type inbound struct {
		claims GrantClaims
		evt    UIEvent
	}
	got := make(chan inbound, 4)

	signer := newTestSigner(t)
	_, wsBase := newTestHub(t, signer,
		WithInboundHandler(func(_ context.Context, claims GrantClaims, evt UIEvent) {
			got <- inbound{claims: claims, evt: evt}
		}))
	issuer := NewIssuer(signer)

	conn := dialSurface(t, wsBase, mustIssue(t, issuer, "sess-1", "sfc-1"))

	// A malformed event is dropped without ending the stream; the valid
	// event behind it still arrives.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"explode"}`)); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"select","itemIds":["camera/a.png"]}`)); err != nil {
		t.Fatalf("write select: %v", err)
	}

	select {
	case in := <-got:
		if in.claims.SessionID != "sess-1" || in.claims.SurfaceID != "sfc-1" {
			t.Errorf("claims = %+v", in.claims)
		}
		if in.evt.Type != EventSelect || !reflect.DeepEqual(in.evt.ItemIDs, []string{"camera/a.png"}) {
			t.Errorf("event = %+v", in.evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestHub_AttachLimit(t *testing.T) {
	signer := newTestSigner(t)
	hub, wsBase := newTestHub(t, signer, WithMaxAttachedSurfaces(1))
	issuer := NewIssuer(signer)

	dialSurface(t, wsBase, mustIssue(t, issuer, "sess-1", "sfc-a"))
	waitFor(t, func() bool { return hub.AttachedCount("sess-1") == 1 }, "first surface")

	// The upgrade itself succeeds; the hub then refuses the attach with a
	// policy violation close.
	over, _, err := websocket.DefaultDialer.Dial(
		wsBase+"?token="+url.QueryEscape(mustIssue(t, issuer, "sess-1", "sfc-b")), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer over.Close()
	_ = over.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := over.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("over-limit read error = %v, want policy violation close", err)
	}
	if n := hub.AttachedCount("sess-1"); n != 1 {
		t.Errorf("attached = %d, want 1", n)
	}
}

func TestHub_CloseSessionAndOnEmpty(t *testing.T) {
	emptied := make(chan string, 2)

	signer := newTestSigner(t)
	hub, wsBase := newTestHub(t, signer,
		WithOnSessionEmpty(func(sessionID string) { emptied <- sessionID }))
	issuer := NewIssuer(signer)

	connA := dialSurface(t, wsBase, mustIssue(t, issuer, "sess-1", "sfc-a"))
	connB := dialSurface(t, wsBase, mustIssue(t, issuer, "sess-2", "sfc-b"))
	waitFor(t, func() bool {
		return hub.AttachedCount("sess-1") == 1 && hub.AttachedCount("sess-2") == 1
	}, "both surfaces")

	// Server-driven teardown sends a closed notice and ends the stream
	// without firing onEmpty.
	hub.CloseSession("sess-2")
	if env := readEnvelope(t, connB); env.Type != "closed" {
		t.Errorf("close envelope = %+v", env)
	}
	_ = connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Error("stream still open after close notice")
	}
	if n := hub.AttachedCount("sess-2"); n != 0 {
		t.Errorf("attached after close = %d", n)
	}

	// A client-driven detach of the last surface fires onEmpty.
	_ = connA.Close()
	select {
	case sessionID := <-emptied:
		if sessionID != "sess-1" {
			t.Errorf("emptied session = %q", sessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onEmpty")
	}
	select {
	case sessionID := <-emptied:
		t.Errorf("unexpected onEmpty for %q", sessionID)
	default:
	}
}
