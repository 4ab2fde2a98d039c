package stdio

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embedpick/picker-server-go/features"
	"github.com/embedpick/picker-server-go/hooks"
	"github.com/embedpick/picker-server-go/internal/engine"
	"github.com/embedpick/picker-server-go/internal/jsonrpc"
	"github.com/embedpick/picker-server-go/internal/logctx"
	"github.com/embedpick/picker-server-go/internal/sessioncore"
	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/pickerservice"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/sessions/memoryhost"
	"github.com/embedpick/picker-server-go/surface"
	"github.com/embedpick/picker-server-go/theme"
)

// maxLineBytes bounds a single inbound JSON-RPC line.
const maxLineBytes = 4 << 20

// localIssuer is recorded on sessions opened over the pipe. Loads pin it the
// way token issuers are pinned, so stdio sessions stay unreachable through
// bearer-authenticated transports sharing the same host.
const localIssuer = "stdio:local"

// Handler is a single-peer stdio transport that reads newline-delimited
// JSON-RPC messages from an io.Reader and writes responses, notifications,
// and host-initiated requests to an io.Writer. By default it uses os.Stdin
// and os.Stdout. The peer carries no bearer token; its identity comes from a
// CallerProvider, which defaults to the current OS user.
//
// The handler is transport-only; picker semantics live in the engine driven
// by the provided pickerservice.HostCapabilities.
type Handler struct {
	srv  pickerservice.HostCapabilities
	host sessions.SessionHost
	log  *slog.Logger
	r    io.Reader
	w    io.Writer

	caller     CallerProvider
	signer     sessioncore.JWSSignerVerifier
	streamURL  string
	hooks      hooks.Hooks
	sessionTTL time.Duration
	keepAlive  time.Duration

	serving atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv pickerservice.HostCapabilities, opts ...Option) *Handler {
	h := &Handler{
		srv:    srv,
		log:    slog.Default(),
		r:      os.Stdin,
		w:      os.Stdout,
		caller: OSCallerProvider{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.host == nil {
		h.host = memoryhost.New()
	}
	return h
}

// Serve runs the stdio event loop until EOF on the reader or context
// cancellation. It owns:
//   - JSON-RPC message framing (one message per line)
//   - the session/open handshake with exactly-once result delivery
//   - routing requests, notifications, and client responses to the engine
//   - the session notification stream and optional keepalive pings
//
// The session opened over the pipe is torn down when Serve returns. Serve
// may be called at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.serving.CompareAndSwap(false, true) {
		return errors.New("serve already called")
	}

	log := slog.New(logctx.Handler{Handler: h.log.Handler()})

	uid, err := h.caller.CallerUID()
	if err != nil {
		return fmt.Errorf("resolve caller uid: %w", err)
	}

	signer := h.signer
	if signer == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate surface signing key: %w", err)
		}
		jws := sessioncore.NewMemoryJWS()
		jws.AddEd25519Key("local", priv)
		if err := jws.SetActive("local"); err != nil {
			return err
		}
		signer = jws
	}

	mgr := sessioncore.NewManager(h.host, sessioncore.ManagerConfig{
		DefaultTTL: h.sessionTTL,
		Logger:     log,
	})
	factory := engine.NewSessionFactory(h.host, mgr, surface.NewIssuer(signer), h.streamURL)

	engOpts := []engine.EngineOption{
		engine.WithLogger(log),
		engine.WithSessionManager(mgr),
	}
	if h.hooks != nil {
		engOpts = append(engOpts, engine.WithHooks(h.hooks))
	}
	if h.sessionTTL > 0 {
		engOpts = append(engOpts, engine.WithSessionTTL(h.sessionTTL))
	}
	eng := engine.NewEngine(h.host, h.srv, factory, engOpts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.ErrorContext(ctx, "engine.run.exit", slog.String("err", err.Error()))
		}
	}()

	mux := &writeMux{w: h.w}
	d := newOutboundDispatcher(mux)
	defer d.Close(nil)

	c := &conn{
		log:       log,
		eng:       eng,
		mux:       mux,
		d:         d,
		uid:       uid,
		keepAlive: h.keepAlive,
		abort:     cancel,
	}
	// The pipe is the session's lifetime: once Serve winds down the peer
	// cannot reach it again.
	defer c.closeSession(context.WithoutCancel(ctx))

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			select {
			case msgs <- cp:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	log.InfoContext(ctx, "stdio.serve.start", slog.Int64("uid", uid))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-msgs:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
						return fmt.Errorf("read: %w", err)
					}
				default:
				}
				log.InfoContext(ctx, "stdio.eof")
				return nil
			}
			c.dispatch(ctx, line)
		}
	}
}

// conn is the state of the single stdio peer: the session it opened, the
// shared write mux, and the outbound call dispatcher.
type conn struct {
	log       *slog.Logger
	eng       *engine.Engine
	mux       *writeMux
	d         *outboundDispatcher
	uid       int64
	keepAlive time.Duration
	abort     context.CancelFunc

	mu      sync.Mutex
	sessID  string
	pkg     string
	opening bool
}

func (c *conn) session() (sessID, pkg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessID, c.pkg
}

// dispatch routes one inbound line. Requests run on their own goroutines so
// a blocking call, such as a commit awaiting its grant acknowledgement,
// cannot stall the read loop that carries the client's answer.
func (c *conn) dispatch(ctx context.Context, line []byte) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		code := jsonrpc.ErrorCodeInvalidRequest
		if !json.Valid(line) {
			code = jsonrpc.ErrorCodeParseError
		}
		_ = c.mux.writeJSONRPC(jsonrpc.NewErrorResponse(nil, code, "invalid JSON-RPC message", nil))
		c.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	switch msg.Type() {
	case "response":
		c.handleResponse(ctx, msg.AsResponse())
	case "notification":
		c.d.OnNotification(msg)
		c.handleNotification(ctx, msg.AsRequest())
	default:
		go c.handleRequest(ctx, msg.AsRequest())
	}
}

func (c *conn) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	start := time.Now()

	if req.Method == string(picker.SessionOpenMethod) {
		c.mu.Lock()
		busy := c.sessID != "" || c.opening
		if !busy {
			c.opening = true
		}
		c.mu.Unlock()
		if busy {
			_ = c.mux.writeJSONRPC(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already open", nil))
			c.log.WarnContext(ctx, "session.open.redundant")
			return
		}
		c.handleOpen(ctx, req)
		return
	}

	sessID, pkg := c.session()
	if sessID == "" {
		_ = c.mux.writeJSONRPC(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "expected session/open request", nil))
		c.log.InfoContext(ctx, "session.open.invalid")
		return
	}

	sess, err := c.eng.LoadSession(ctx, sessID, pkg, c.uid, localIssuer, c.writer())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			_ = c.mux.writeJSONRPC(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not found", nil))
			c.log.InfoContext(ctx, "session.load.miss")
			return
		}
		_ = c.mux.writeJSONRPC(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to load session", nil))
		c.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		PackageName:     sess.CallerPackage(),
		UID:             sess.CallerUID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})

	ctx = pickerservice.WithProgressReporter(ctx, lineProgressReporter{mux: c.mux, requestID: req.ID.String()})

	res, err := c.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		c.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "internal server error"}, ID: req.ID}
	}
	if err := c.mux.writeJSONRPC(res); err != nil {
		c.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
		return
	}
	c.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (c *conn) handleOpen(ctx context.Context, req *jsonrpc.Request) {
	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.opening = false
		c.mu.Unlock()
	}()

	var openReq picker.OpenSessionRequest
	if err := json.Unmarshal(req.Params, &openReq); err != nil {
		_ = c.mux.writeJSONRPC(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid session/open params", nil))
		c.log.InfoContext(ctx, "session.open.params.fail", slog.String("err", err.Error()))
		return
	}

	// The peer self-declares its package name; the uid comes from the OS
	// and must agree with the request.
	identity := engine.CallerIdentity{PackageName: openReq.PackageName, UID: c.uid, Issuer: localIssuer}

	// The callback commits the result line. Once it runs, the fault path
	// below stays silent: a second answer to the same id would be a
	// protocol violation.
	delivered := false
	cb := engine.SessionCallbackFunc(func(cbCtx context.Context, res *picker.OpenSessionResult) error {
		resp, err := jsonrpc.NewResultResponse(req.ID, res)
		if err != nil {
			return fmt.Errorf("encode session/open result: %w", err)
		}
		if err := c.mux.writeJSONRPC(resp); err != nil {
			return err
		}
		delivered = true
		return nil
	})

	sess, err := c.eng.OpenSession(ctx, identity, &openReq, cb)
	if err != nil {
		if delivered {
			c.log.ErrorContext(ctx, "session.open.deliver.fail", slog.String("err", err.Error()))
			return
		}
		code, msg := openFault(err)
		_ = c.mux.writeJSONRPC(jsonrpc.NewErrorResponse(req.ID, code, msg, nil))
		c.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		return
	}

	c.mu.Lock()
	c.sessID = sess.SessionID()
	c.pkg = sess.CallerPackage()
	c.mu.Unlock()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		PackageName:     sess.CallerPackage(),
		UID:             sess.CallerUID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})
	c.log.InfoContext(ctx, "session.open.ok", slog.Duration("dur", time.Since(start)))

	// Session notifications flow onto the pipe for the life of the process.
	// stdio has no resume; delivery starts from the stream head.
	go func() {
		if err := c.eng.StreamSession(ctx, sess, "", func(cbCtx context.Context, msgID string, msg []byte) error {
			return c.mux.writeRaw(msg)
		}); err != nil && !errors.Is(err, context.Canceled) {
			c.log.ErrorContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
		}
	}()

	if c.keepAlive > 0 {
		go c.keepAliveLoop(ctx)
	}
}

func (c *conn) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	start := time.Now()

	sessID, pkg := c.session()
	if sessID == "" {
		c.log.InfoContext(ctx, "notification.inbound.drop")
		return
	}

	sess, err := c.eng.LoadSession(ctx, sessID, pkg, c.uid, localIssuer, nil)
	if err != nil {
		c.log.InfoContext(ctx, "session.load.miss", slog.String("err", err.Error()))
		return
	}
	if err := c.eng.HandleNotification(ctx, sess, note); err != nil {
		c.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
		return
	}
	c.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (c *conn) handleResponse(ctx context.Context, res *jsonrpc.Response) {
	// Host-initiated pings correlate locally; everything else fulfills a
	// session await, which may be parked on another instance.
	if c.d.OnResponse(res) {
		return
	}

	sessID, pkg := c.session()
	if sessID == "" {
		c.log.InfoContext(ctx, "response.inbound.drop")
		return
	}

	sess, err := c.eng.LoadSession(ctx, sessID, pkg, c.uid, localIssuer, nil)
	if err != nil {
		c.log.InfoContext(ctx, "session.load.miss", slog.String("err", err.Error()))
		return
	}
	if err := c.eng.HandleClientResponse(ctx, sess, res); err != nil {
		c.log.ErrorContext(ctx, "response.forward.fail", slog.String("err", err.Error()))
		return
	}
	c.log.InfoContext(ctx, "response.inbound.ok")
}

// keepAliveLoop pings the peer on a fixed interval. A missed ping ends the
// serve loop: the pipe has no token expiry, so an unresponsive peer is the
// only liveness signal stdio gets.
func (c *conn) keepAliveLoop(ctx context.Context) {
	t := time.NewTicker(c.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			callCtx, cancel := context.WithTimeout(ctx, c.keepAlive)
			_, err := c.d.Call(callCtx, string(picker.PingMethod), nil)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.WarnContext(ctx, "stdio.keepalive.fail", slog.String("err", err.Error()))
				c.abort()
				return
			}
		}
	}
}

// closeSession tears down the pipe-bound session, if one was opened.
func (c *conn) closeSession(ctx context.Context) {
	sessID, pkg := c.session()
	if sessID == "" {
		return
	}
	sess, err := c.eng.LoadSession(ctx, sessID, pkg, c.uid, localIssuer, nil)
	if err != nil {
		return
	}
	if err := c.eng.DeleteSession(ctx, sess); err != nil {
		c.log.ErrorContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		return
	}
	c.log.InfoContext(ctx, "session.close.ok")
}

// writer returns the request-scoped writer for host-initiated round trips.
// Request and session traffic share one pipe, so it writes straight to the
// mux.
func (c *conn) writer() engine.MessageWriter {
	return engine.NewMessageWriterFunc(func(ctx context.Context, msg jsonrpc.Message) error {
		return c.mux.writeRaw(msg)
	})
}

// openFault maps a session/open failure onto a JSON-RPC error. The
// validation sentinels (wrong caller, unknown action, bad feature
// descriptor, rejected accent) surface as invalid params; everything else,
// including factory errors, is an opaque internal error.
func openFault(err error) (jsonrpc.ErrorCode, string) {
	switch {
	case errors.Is(err, engine.ErrCallerMismatch):
		return jsonrpc.ErrorCodeInvalidParams, "caller mismatch"
	case errors.Is(err, engine.ErrUnsupportedAction),
		errors.Is(err, features.ErrInvalidInfo),
		errors.Is(err, theme.ErrAccentRestricted),
		errors.Is(err, theme.ErrAccentLuminance):
		return jsonrpc.ErrorCodeInvalidParams, err.Error()
	}
	return jsonrpc.ErrorCodeInternalError, "failed to open session"
}

// writeMux serializes line-delimited JSON-RPC writes from concurrent
// goroutines onto the single output stream. Each message goes out as one
// Write call.
type writeMux struct {
	mu sync.Mutex
	w  io.Writer
}

func (m *writeMux) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return m.writeRaw(b)
}

func (m *writeMux) writeRaw(b []byte) error {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, '\n')
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.w.Write(buf)
	return err
}

// lineProgressReporter emits notifications/progress for a request onto the
// shared pipe.
type lineProgressReporter struct {
	mux       *writeMux
	requestID string
}

func (p lineProgressReporter) Report(ctx context.Context, progress, total float64) error {
	params := picker.ProgressNotificationParams{ProgressToken: p.requestID, Progress: progress}
	if total > 0 {
		params.Total = total
	}
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	n := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.ProgressNotificationMethod), Params: b}
	return p.mux.writeJSONRPC(n)
}
