package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/embedpick/picker-server-go/auth/authtest"
	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/pickerservice"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/sessions/memoryhost"
	"github.com/embedpick/picker-server-go/streaminghttp"
)

const (
	testPackage = "com.example.client"
	testUID     = int64(10101)

	sessionHeader = "Picker-Session-Id"
	versionHeader = "Picker-Protocol-Version"
)

// galleryCaps builds a three-item host with selection support. Item URIs are
// stable so tests can preselect and commit against them.
func galleryCaps() pickerservice.HostCapabilities {
	media := pickerservice.NewMediaContainer(
		picker.MediaItem{ID: "img-a", URI: "content://media/img-a", MimeType: "image/jpeg", DisplayName: "a.jpg", SizeBytes: 1200},
		picker.MediaItem{ID: "img-b", URI: "content://media/img-b", MimeType: "image/png", DisplayName: "b.png", SizeBytes: 3400},
		picker.MediaItem{ID: "img-c", URI: "content://media/img-c", MimeType: "image/jpeg", DisplayName: "c.jpg", SizeBytes: 5600},
	)
	return pickerservice.NewHost(
		pickerservice.WithHostInfo(pickerservice.StaticHostInfo("e2e-host", "0.0.1")),
		pickerservice.WithMediaCapability(media),
		pickerservice.WithSelectionCapability(pickerservice.NewSelectionContainer(media)),
	)
}

// newPickerServer starts an httptest server around a freshly built streaming
// handler with an in-memory session host and a static authenticated caller.
// Extra options are appended after the defaults.
func newPickerServer(t *testing.T, caps pickerservice.HostCapabilities, opts ...streaminghttp.Option) *httptest.Server {
	t.Helper()
	return newPickerServerWithHost(t, caps, memoryhost.New(), opts...)
}

func newPickerServerWithHost(t *testing.T, caps pickerservice.HostCapabilities, host sessions.SessionHost, opts ...streaminghttp.Option) *httptest.Server {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handler.ServeHTTP(w, r) }))
	t.Cleanup(srv.Close)

	h, err := streaminghttp.New(
		context.Background(),
		srv.URL,
		host,
		caps,
		authtest.NewStatic(testPackage, testUID),
		opts...,
	)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	handler = h
	return srv
}

// openParams returns a minimal well-formed session/open params object for the
// static test caller. Tests mutate the map to shape the session.
func openParams() map[string]any {
	return map[string]any{
		"protocolVersion": picker.LatestProtocolVersion,
		"action":          "picker/pick-images",
		"packageName":     testPackage,
		"uid":             testUID,
		"hostToken":       "host-token",
		"displayId":       0,
		"width":           1080,
		"height":          1920,
		"features":        map[string]any{},
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "e2e", "version": "0"},
	}
}

func rpcBody(id string, method string, params any) map[string]any {
	body := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != "" {
		body["id"] = id
	}
	if params != nil {
		body["params"] = params
	}
	return body
}

// postPicker sends a JSON-RPC body to the picker endpoint. The protocol
// version header is attached for in-session calls only; session/open carries
// the version in its params.
func postPicker(ctx context.Context, srv *httptest.Server, sessID string, body map[string]any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if sessID != "" {
		req.Header.Set(sessionHeader, sessID)
		req.Header.Set(versionHeader, picker.LatestProtocolVersion)
	}
	return http.DefaultClient.Do(req)
}

// rpcMessage is the decode envelope for frames read off an SSE stream.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// callPicker performs an in-session request and returns the decoded result,
// failing the test on transport or RPC errors.
func callPicker(t *testing.T, ctx context.Context, srv *httptest.Server, sessID, id, method string, params any) json.RawMessage {
	t.Helper()

	resp, err := postPicker(ctx, srv, sessID, rpcBody(id, method, params))
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("%s status: %d", method, resp.StatusCode)
	}
	data, err := firstSSEData(ctx, resp.Body)
	if err != nil {
		t.Fatalf("%s response read: %v", method, err)
	}
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("%s decode: %v", method, err)
	}
	if msg.Error != nil {
		t.Fatalf("%s rpc error %d: %s", method, msg.Error.Code, msg.Error.Message)
	}
	return msg.Result
}

// callPickerExpectError performs an in-session request and returns the RPC
// error it produced.
func callPickerExpectError(t *testing.T, ctx context.Context, srv *httptest.Server, sessID, id, method string, params any) *rpcError {
	t.Helper()

	resp, err := postPicker(ctx, srv, sessID, rpcBody(id, method, params))
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("%s status: %d", method, resp.StatusCode)
	}
	data, err := nextSSEData(ctx, newSSEScanner(resp.Body))
	resp.Body.Close()
	if err != nil {
		t.Fatalf("%s response read: %v", method, err)
	}
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("%s decode: %v", method, err)
	}
	if msg.Error == nil {
		t.Fatalf("%s: expected rpc error, got result %s", method, string(msg.Result))
	}
	return msg.Error
}

// notifyPicker sends a notification and asserts the 202 acknowledgement.
func notifyPicker(t *testing.T, ctx context.Context, srv *httptest.Server, sessID, method string, params any) {
	t.Helper()

	resp, err := postPicker(ctx, srv, sessID, rpcBody("", method, params))
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("%s status: %d", method, resp.StatusCode)
	}
}

// mustOpen opens a session with the given params and returns the session id
// plus the decoded open result.
func mustOpen(t *testing.T, ctx context.Context, srv *httptest.Server, params map[string]any) (string, picker.OpenSessionResult) {
	t.Helper()

	resp, err := postPicker(ctx, srv, "", rpcBody("1", string(picker.SessionOpenMethod), params))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("open status: %d", resp.StatusCode)
	}
	sessID := resp.Header.Get(sessionHeader)
	if sessID == "" {
		resp.Body.Close()
		t.Fatalf("open: missing session id header")
	}
	data, err := firstSSEData(ctx, resp.Body)
	if err != nil {
		t.Fatalf("open response read: %v", err)
	}
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("open decode: %v", err)
	}
	if msg.Error != nil {
		t.Fatalf("open rpc error %d: %s", msg.Error.Code, msg.Error.Message)
	}
	var res picker.OpenSessionResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("open result decode: %v", err)
	}
	return sessID, res
}

// startSessionStream attaches the session GET stream and returns the live
// response. Callers own resp.Body.Close().
func startSessionStream(ctx context.Context, srv *httptest.Server, sessID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionHeader, sessID)
	req.Header.Set(versionHeader, picker.LatestProtocolVersion)
	return http.DefaultClient.Do(req)
}

// deleteSession issues the session DELETE and returns the status code.
func deleteSession(ctx context.Context, srv *httptest.Server, sessID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, srv.URL+"/", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set(sessionHeader, sessID)
	req.Header.Set(versionHeader, picker.LatestProtocolVersion)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
