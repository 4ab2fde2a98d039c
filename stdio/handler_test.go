package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/embedpick/picker-server-go/hooks/hookstest"
	"github.com/embedpick/picker-server-go/internal/jsonrpc"
	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/pickerservice"
	"github.com/embedpick/picker-server-go/theme"
)

const (
	testPackage = "com.example.notes"
	testUID     = int64(5001)
)

// staticCaller pins the OS identity for tests.
type staticCaller struct{ uid int64 }

func (s staticCaller) CallerUID() (int64, error) { return s.uid, nil }

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t        *testing.T
	ctx      context.Context
	cancel   context.CancelFunc
	stdinW   *io.PipeWriter
	stdoutR  *bufio.Scanner
	serveErr chan error
	outMu    sync.Mutex
	lines    []string
}

func galleryItems() []picker.MediaItem {
	return []picker.MediaItem{
		{ID: "img-001", URI: "content://media/img-001", DisplayName: "Beach", MimeType: "image/jpeg", SizeBytes: 1024, Width: 800, Height: 600},
		{ID: "img-002", URI: "content://media/img-002", DisplayName: "Mountain", MimeType: "image/png", SizeBytes: 2048, Width: 1024, Height: 768},
	}
}

func galleryHost() (pickerservice.HostCapabilities, *pickerservice.MediaContainer) {
	media := pickerservice.NewMediaContainer(galleryItems()...)
	sel := pickerservice.NewSelectionContainer(media)
	caps := pickerservice.NewHost(
		pickerservice.WithHostInfo(pickerservice.StaticHostInfo("stdio-host", "0.0.1")),
		pickerservice.WithMediaCapability(media),
		pickerservice.WithSelectionCapability(sel),
	)
	return caps, media
}

func defaultOpenRequest() picker.OpenSessionRequest {
	return picker.OpenSessionRequest{
		ProtocolVersion: picker.LatestProtocolVersion,
		Action:          theme.ActionPickImages,
		PackageName:     testPackage,
		UID:             testUID,
		Features:        picker.DefaultFeatureInfo(),
		ClientInfo:      picker.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}
}

func newHarness(t *testing.T, caps pickerservice.HostCapabilities, opts ...Option) *testHarness {
	t.Helper()

	// wire stdio via io.Pipe
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	// handler writes to outW, reads from inR
	// Use default logger to surface engine/handler logs in test output
	base := []Option{WithIO(inR, outW), WithLogger(slog.Default()), WithCallerProvider(staticCaller{uid: testUID})}
	h := NewHandler(caps, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, ctx: ctx, cancel: cancel, stdinW: inW, stdoutR: bufio.NewScanner(outR), serveErr: make(chan error, 1)}

	// start handler
	go func() {
		th.serveErr <- h.Serve(ctx)
	}()

	// start stdout collector
	go func() {
		for th.stdoutR.Scan() {
			line := strings.TrimSpace(th.stdoutR.Text())
			th.t.Logf("OUT: %s", line)
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		// allow goroutines to wind down
		time.Sleep(10 * time.Millisecond)
	})
	return th
}

// send writes a JSON-RPC request (as marshalled JSON + newline) to stdin.
func (th *testHarness) send(req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := th.stdinW.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// sendResponse writes a JSON-RPC response to stdin, answering a
// host-initiated request.
func (th *testHarness) sendResponse(res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if _, err := th.stdinW.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse(timeout time.Duration) (*jsonrpc.Response, error) {
	line, err := th.nextLine(timeout)
	if err != nil {
		return nil, err
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &any); err != nil {
		return nil, err
	}
	if any.Type() != "response" {
		return nil, fmt.Errorf("expected response, got %s", any.Type())
	}
	return any.AsResponse(), nil
}

// awaitResponse pops the next response, skipping interleaved session
// notifications.
func (th *testHarness) awaitResponse(timeout time.Duration) (*jsonrpc.Response, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := th.nextLine(10 * time.Millisecond)
		if err != nil {
			continue
		}
		var any jsonrpc.AnyMessage
		if json.Unmarshal([]byte(line), &any) != nil {
			continue
		}
		if any.Type() == "response" {
			return any.AsResponse(), nil
		}
	}
	return nil, fmt.Errorf("timeout waiting for response")
}

func (th *testHarness) openSession(t *testing.T, id string, req picker.OpenSessionRequest) *picker.OpenSessionResult {
	t.Helper()

	openReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(picker.SessionOpenMethod),
		ID:             jsonrpc.NewRequestID(id),
		Params:         mustJSON(t, req),
	}

	if err := th.send(openReq); err != nil {
		t.Fatalf("send session/open: %v", err)
	}

	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatalf("expect session/open response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("session/open failed: %+v", res.Error)
	}

	var openRes picker.OpenSessionResult
	if err := json.Unmarshal(res.Result, &openRes); err != nil {
		t.Fatalf("decode session/open result: %v", err)
	}
	return &openRes
}

func (th *testHarness) markReady(t *testing.T) {
	t.Helper()
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.SessionReadyNotificationMethod)}
	if err := th.send(note); err != nil {
		t.Fatalf("send ready: %v", err)
	}
}

func (th *testHarness) drainUntilMethod(method string, timeout time.Duration) (*jsonrpc.Request, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := th.nextLine(10 * time.Millisecond)
		if err != nil {
			continue
		}
		var any jsonrpc.AnyMessage
		if json.Unmarshal([]byte(line), &any) != nil {
			continue
		}
		if any.Type() == "response" {
			// push response back into queue for future expectations
			th.outMu.Lock()
			th.lines = append([]string{line}, th.lines...)
			th.outMu.Unlock()
			continue
		}
		req := any.AsRequest()
		if req != nil && req.Method == method {
			return req, true
		}
	}
	return nil, false
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// --- Tests ---

func TestOpenSession_HappyPath(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps)

	openRes := th.openSession(t, "open-1", defaultOpenRequest())
	if openRes.SessionID == "" {
		t.Fatalf("missing session id")
	}
	if openRes.ProtocolVersion != picker.LatestProtocolVersion {
		t.Fatalf("protocol version mismatch: %s", openRes.ProtocolVersion)
	}
	if openRes.HostInfo.Name != "stdio-host" {
		t.Fatalf("host info missing: %+v", openRes.HostInfo)
	}
	if openRes.Capabilities.Media == nil || !openRes.Capabilities.Media.ListChanged {
		t.Fatalf("media capability not advertised: %+v", openRes.Capabilities)
	}
	if openRes.Capabilities.Selection == nil {
		t.Fatalf("selection capability not advertised: %+v", openRes.Capabilities)
	}
	if openRes.Capabilities.Surface == nil {
		t.Fatalf("surface capability not advertised: %+v", openRes.Capabilities)
	}
	if openRes.SurfacePackage.ID == "" || openRes.SurfacePackage.Token == "" {
		t.Fatalf("surface package incomplete: %+v", openRes.SurfacePackage)
	}
	if openRes.Theme != nil {
		t.Fatalf("unexpected theme for unset accent: %+v", openRes.Theme)
	}
}

func TestOpenSession_CallerMismatch(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps)

	// Request claims a uid other than the one the OS reports.
	req := defaultOpenRequest()
	req.UID = testUID + 1

	openReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(picker.SessionOpenMethod),
		ID:             jsonrpc.NewRequestID("open-1"),
		Params:         mustJSON(t, req),
	}
	if err := th.send(openReq); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil {
		t.Fatalf("expected error response, got %s", string(res.Result))
	}
	if res.Error.Code != jsonrpc.ErrorCodeInvalidParams || res.Error.Message != "caller mismatch" {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
}

func TestOpenSession_Redundant(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps)

	_ = th.openSession(t, "open-1", defaultOpenRequest())

	second := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(picker.SessionOpenMethod),
		ID:             jsonrpc.NewRequestID("open-2"),
		Params:         mustJSON(t, defaultOpenRequest()),
	}
	if err := th.send(second); err != nil {
		t.Fatal(err)
	}
	res, err := th.awaitResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Message != "session already open" {
		t.Fatalf("expected redundant-open rejection, got %+v", res)
	}
}

func TestHandshake_RequestBeforeOpenRejected(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps)

	listReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.MediaListMethod), ID: jsonrpc.NewRequestID("1")}
	if err := th.send(listReq); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid-request error, got %+v", res)
	}
	if res.Error.Message != "expected session/open request" {
		t.Fatalf("unexpected message: %q", res.Error.Message)
	}
}

func TestMedia_ListAndRead(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps)

	_ = th.openSession(t, "open-1", defaultOpenRequest())

	listReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.MediaListMethod), ID: jsonrpc.NewRequestID("1")}
	if err := th.send(listReq); err != nil {
		t.Fatal(err)
	}
	res, err := th.awaitResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("list error: %+v", res.Error)
	}
	var list picker.ListMediaResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 2 || list.Items[0].ID != "img-001" || list.Items[1].ID != "img-002" {
		t.Fatalf("unexpected items: %+v", list.Items)
	}

	readReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(picker.MediaReadMethod),
		ID:             jsonrpc.NewRequestID("2"),
		Params:         mustJSON(t, picker.ReadMediaRequest{ID: "img-001"}),
	}
	if err := th.send(readReq); err != nil {
		t.Fatal(err)
	}
	res, err = th.awaitResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("read error: %+v", res.Error)
	}
	var read picker.ReadMediaResult
	if err := json.Unmarshal(res.Result, &read); err != nil {
		t.Fatal(err)
	}
	if read.Item.ID != "img-001" || read.Item.URI != "content://media/img-001" {
		t.Fatalf("unexpected item: %+v", read.Item)
	}
}

func TestPing_AfterOpen(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps)

	_ = th.openSession(t, "open-1", defaultOpenRequest())

	ping := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.PingMethod), ID: jsonrpc.NewRequestID("p1")}
	if err := th.send(ping); err != nil {
		t.Fatal(err)
	}
	res, err := th.awaitResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("ping error: %+v", res.Error)
	}
}

func TestUnknownMethod_Rejected(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps)

	_ = th.openSession(t, "open-1", defaultOpenRequest())

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "media/zap", ID: jsonrpc.NewRequestID("1")}
	if err := th.send(req); err != nil {
		t.Fatal(err)
	}
	res, err := th.awaitResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", res)
	}
}

// After ready the session pump should carry media list_changed notifications
// onto the pipe when the library mutates.
func TestEagerWiring_MediaListChanged(t *testing.T) {
	caps, media := galleryHost()
	th := newHarness(t, caps)

	_ = th.openSession(t, "open-1", defaultOpenRequest())
	th.markReady(t)

	// A ping round trip proves the ready notification was consumed: the
	// loop handles notifications inline before reading the next line.
	ping := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.PingMethod), ID: jsonrpc.NewRequestID("p1")}
	if err := th.send(ping); err != nil {
		t.Fatal(err)
	}
	if _, err := th.awaitResponse(1 * time.Second); err != nil {
		t.Fatalf("ping after ready: %v", err)
	}

	// Change 1
	grown := append(galleryItems(), picker.MediaItem{ID: "img-003", URI: "content://media/img-003", MimeType: "image/jpeg"})
	media.Replace(t.Context(), grown)
	if note, ok := th.drainUntilMethod(string(picker.MediaListChangedNotificationMethod), 2*time.Second); !ok {
		t.Fatalf("expected %s after first change", picker.MediaListChangedNotificationMethod)
	} else if note.ID != nil && !note.ID.IsNil() {
		t.Fatalf("notification should not have ID: %+v", note.ID)
	}

	// Change 2
	media.Replace(t.Context(), galleryItems())
	if _, ok := th.drainUntilMethod(string(picker.MediaListChangedNotificationMethod), 2*time.Second); !ok {
		t.Fatalf("expected %s after second change", picker.MediaListChangedNotificationMethod)
	}
}

func TestClientRoundTrip_GrantAck(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps)

	req := defaultOpenRequest()
	req.Capabilities = picker.ClientCapabilities{GrantAck: &struct{}{}}
	req.Features.MaxSelection = 5
	req.Features.PreselectedURIs = []string{"content://media/img-001"}

	_ = th.openSession(t, "open-1", req)
	th.markReady(t)

	// Preselection is seeded at ready.
	listReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.SelectionListMethod), ID: jsonrpc.NewRequestID("s1")}
	if err := th.send(listReq); err != nil {
		t.Fatal(err)
	}
	res, err := th.awaitResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("selection list error: %+v", res.Error)
	}
	var sel picker.ListSelectionResult
	if err := json.Unmarshal(res.Result, &sel); err != nil {
		t.Fatal(err)
	}
	if len(sel.Items) != 1 || sel.Items[0].ID != "img-001" {
		t.Fatalf("unexpected selection: %+v", sel.Items)
	}

	// Commit blocks on the client acknowledging the grant; the host's
	// client/grantAck request must arrive while the commit is in flight.
	commitReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.SelectionCommitMethod), ID: jsonrpc.NewRequestID("c1")}
	if err := th.send(commitReq); err != nil {
		t.Fatal(err)
	}

	ack, ok := th.drainUntilMethod(string(picker.ClientGrantAckMethod), 2*time.Second)
	if !ok {
		t.Fatalf("expected %s request during commit", picker.ClientGrantAckMethod)
	}
	if ack.ID == nil || ack.ID.IsNil() {
		t.Fatalf("grant ack request missing ID")
	}
	var grant picker.GrantAckRequest
	if err := json.Unmarshal(ack.Params, &grant); err != nil {
		t.Fatal(err)
	}
	if len(grant.URIs) != 1 || grant.URIs[0] != "content://media/img-001" {
		t.Fatalf("unexpected grant uris: %+v", grant.URIs)
	}

	ackRes, err := jsonrpc.NewResultResponse(ack.ID, map[string]any{"acked": true})
	if err != nil {
		t.Fatal(err)
	}
	if err := th.sendResponse(ackRes); err != nil {
		t.Fatal(err)
	}

	res, err = th.awaitResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("commit error: %+v", res.Error)
	}
	var commit picker.CommitSelectionResult
	if err := json.Unmarshal(res.Result, &commit); err != nil {
		t.Fatal(err)
	}
	if len(commit.URIs) != 1 || commit.URIs[0] != "content://media/img-001" {
		t.Fatalf("unexpected commit uris: %+v", commit.URIs)
	}
	if !commit.Acked {
		t.Fatalf("expected acked commit: %+v", commit)
	}
}

func TestCancellation_SelectionCommit(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps)

	req := defaultOpenRequest()
	req.Capabilities = picker.ClientCapabilities{GrantAck: &struct{}{}}
	req.Features.MaxSelection = 5
	req.Features.PreselectedURIs = []string{"content://media/img-001"}

	_ = th.openSession(t, "open-1", req)
	th.markReady(t)

	rid := "c9"
	commitReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.SelectionCommitMethod), ID: jsonrpc.NewRequestID(rid)}
	if err := th.send(commitReq); err != nil {
		t.Fatal(err)
	}

	// Wait for the grant ack request so the commit is known to be parked,
	// then cancel instead of answering.
	if _, ok := th.drainUntilMethod(string(picker.ClientGrantAckMethod), 2*time.Second); !ok {
		t.Fatalf("expected %s request during commit", picker.ClientGrantAckMethod)
	}

	cancelNote := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(picker.CancelledNotificationMethod),
		Params:         mustJSON(t, picker.CancelledNotification{RequestID: rid, Reason: "test"}),
	}
	if err := th.send(cancelNote); err != nil {
		t.Fatal(err)
	}

	res, err := th.awaitResponse(2 * time.Second)
	if err != nil {
		t.Fatalf("expect cancellation response: %v", err)
	}
	if res.Error == nil {
		t.Fatalf("expected error response, got: %+v", res)
	}
	if res.Error.Message != "cancelled" {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
}

func TestKeepAlive_MissedPingEndsServe(t *testing.T) {
	caps, _ := galleryHost()
	th := newHarness(t, caps, WithKeepAliveInterval(100*time.Millisecond))

	_ = th.openSession(t, "open-1", defaultOpenRequest())

	// Answer the first keepalive ping.
	ping, ok := th.drainUntilMethod(string(picker.PingMethod), 2*time.Second)
	if !ok {
		t.Fatalf("expected keepalive ping")
	}
	pong, err := jsonrpc.NewResultResponse(ping.ID, &picker.EmptyResult{})
	if err != nil {
		t.Fatal(err)
	}
	if err := th.sendResponse(pong); err != nil {
		t.Fatal(err)
	}

	// Ignore the next ping; the missed response window ends Serve.
	if _, ok := th.drainUntilMethod(string(picker.PingMethod), 2*time.Second); !ok {
		t.Fatalf("expected a second keepalive ping")
	}

	select {
	case err := <-th.serveErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled serve, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not end after missed keepalive")
	}
}

func TestEOF_ClosesSession(t *testing.T) {
	caps, _ := galleryHost()
	rec := hookstest.NewRecorder()
	th := newHarness(t, caps, WithHooks(rec))

	_ = th.openSession(t, "open-1", defaultOpenRequest())

	// Peer exits: EOF on stdin ends Serve cleanly and tears the session
	// down.
	_ = th.stdinW.Close()

	select {
	case err := <-th.serveErr:
		if err != nil {
			t.Fatalf("expected clean serve exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not end on EOF")
	}

	if opened := rec.Opened(); len(opened) != 1 {
		t.Fatalf("expected 1 opened session, got %d", len(opened))
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if closed := rec.Closed(); len(closed) == 1 {
			if closed[0].SessionID == "" {
				t.Fatalf("closed hook missing session id: %+v", closed[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session close hook never fired: %+v", rec.Closed())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
