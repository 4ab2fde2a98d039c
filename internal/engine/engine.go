package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/embedpick/picker-server-go/features"
	"github.com/embedpick/picker-server-go/hooks"
	"github.com/embedpick/picker-server-go/internal/jsonrpc"
	"github.com/embedpick/picker-server-go/internal/logctx"
	"github.com/embedpick/picker-server-go/internal/sessioncore"
	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/pickerservice"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/theme"
	"github.com/google/uuid"
)

const (
	defaultSessionTTL         = 1 * time.Hour
	defaultSessionMaxLifetime = 24 * time.Hour
	defaultHandshakeTTL       = 30 * time.Second
	defaultAckTTL             = 2 * time.Minute
)

const (
	sessionFanoutTopic = "session:events"
)

// internal fanout-only method name for session deletion notifications.
const internalSessionDeletedMethod = "internal/session/deleted"

var (
	ErrCancelled         = errors.New("operation cancelled")
	ErrInternal          = errors.New("internal error")
	ErrCallerMismatch    = errors.New("caller identity mismatch")
	ErrUnsupportedAction = errors.New("unsupported session action")
)

// fanoutMessage envelopes a session-addressed JSON-RPC message for the
// cross-instance event bus.
type fanoutMessage struct {
	SessionID   string          `json:"sid"`
	PackageName string          `json:"pkg"`
	UID         int64           `json:"uid"`
	Msg         json.RawMessage `json:"msg"`
}

// CallerIdentity is the authenticated identity of the client application, as
// established by the transport's auth layer.
type CallerIdentity struct {
	PackageName string
	UID         int64
	Issuer      string
}

// Optional extensions the engine discovers on selection capabilities.
type selectionSeeder interface {
	SeedFromFeatures(ctx context.Context, session sessions.Session) (int, error)
}

type selectionForgetter interface {
	Forget(ctx context.Context, sessionID string) error
}

// Engine is the core of a picker host, coordinating sessions, message
// routing, and protocol handling. It is transport-agnostic: HTTP and stdio
// layers feed it requests and it feeds them session streams and frames.
type Engine struct {
	host    sessions.SessionHost
	mgr     *sessioncore.Manager
	srv     pickerservice.HostCapabilities
	factory SessionFactory
	log     *slog.Logger
	id      string // process-unique engine ID for coordination

	hooks   hooks.Hooks          // nil when nothing observes lifecycle events
	frames  FramePusher          // nil when this instance serves no surfaces
	metrics sessioncore.MetricsSink

	// session config
	sessionTTL         time.Duration
	sessionMaxLifetime time.Duration
	handshakeTTL       time.Duration
	ackTTL             time.Duration

	// in-flight request tracking for notifications/cancelled
	inflightMu      sync.Mutex
	inflightCancels map[string]context.CancelCauseFunc // reqID -> cancel func

	// wiring state for per-session background emitters
	wireMu sync.Mutex
	wired  map[string]bool // sessionID -> registered

	// render state for sessions with locally attached surfaces
	frameMu     sync.Mutex
	frameStates map[string]*frameState
}

func NewEngine(host sessions.SessionHost, srv pickerservice.HostCapabilities, factory SessionFactory, opts ...EngineOption) *Engine {
	e := &Engine{
		host:               host,
		srv:                srv,
		factory:            factory,
		log:                slog.Default(),
		id:                 uuid.NewString(),
		sessionTTL:         defaultSessionTTL,
		sessionMaxLifetime: defaultSessionMaxLifetime,
		handshakeTTL:       defaultHandshakeTTL,
		ackTTL:             defaultAckTTL,
		inflightCancels:    make(map[string]context.CancelCauseFunc),
		wired:              make(map[string]bool),
		frameStates:        make(map[string]*frameState),
	}

	// Apply options (order matters; later options override earlier ones).
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	if e.mgr == nil {
		e.mgr = sessioncore.NewManager(host, sessioncore.ManagerConfig{
			DefaultTTL: e.sessionTTL,
			Metrics:    e.metrics,
			Logger:     e.log,
		})
	}

	return e
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSessionTTL overrides the sliding TTL used for open sessions.
func WithSessionTTL(d time.Duration) EngineOption { return func(e *Engine) { e.sessionTTL = d } }

// WithSessionMaxLifetime sets an absolute maximum lifetime horizon (0 = disabled).
func WithSessionMaxLifetime(d time.Duration) EngineOption {
	return func(e *Engine) { e.sessionMaxLifetime = d }
}

// WithHandshakeTTL sets the TTL for a pending session awaiting the client's
// notifications/session/ready message. Default is 30s.
func WithHandshakeTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.handshakeTTL = d
		}
	}
}

// WithAckTTL bounds how long a grant acknowledgement round trip may stay
// registered with the host. Default is 2m.
func WithAckTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.ackTTL = d
		}
	}
}

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithSessionManager supplies a shared session manager. Without it the
// engine builds its own from the host and its TTL options.
func WithSessionManager(mgr *sessioncore.Manager) EngineOption {
	return func(e *Engine) { e.mgr = mgr }
}

// WithMetrics instruments the engine-built session manager. Ignored when
// WithSessionManager supplies a manager with its own sink.
func WithMetrics(sink sessioncore.MetricsSink) EngineOption {
	return func(e *Engine) { e.metrics = sink }
}

// WithFramePusher wires surface frame delivery, typically a *surface.Hub.
func WithFramePusher(p FramePusher) EngineOption {
	return func(e *Engine) { e.frames = p }
}

// WithHooks registers lifecycle observers.
func WithHooks(h hooks.Hooks) EngineOption {
	return func(e *Engine) { e.hooks = h }
}

func (e *Engine) Run(ctx context.Context) error {
	// Subscribe to the cross-instance fanout topic and keep the subscription
	// alive for the lifetime of ctx. The host's SubscribeEvents typically
	// returns immediately after spawning its own processing goroutine, so we
	// must not exit here or the derived context would be canceled, tearing down
	// the subscription prematurely.
	if err := e.host.SubscribeEvents(ctx, sessionFanoutTopic, e.handleSessionEvent); err != nil {
		return err
	}

	// Block until shutdown.
	<-ctx.Done()
	return ctx.Err()
}

// OpenSession validates an open request against the authenticated caller,
// invokes the injected session factory, pairs the returned session with its
// surface package, and delivers the result through cb exactly once. Factory
// errors propagate untouched; the transport owns fault reporting.
func (e *Engine) OpenSession(ctx context.Context, caller CallerIdentity, req *picker.OpenSessionRequest, cb SessionCallback) (*SessionHandle, error) {
	if req == nil {
		return nil, fmt.Errorf("open session request required")
	}
	if cb == nil {
		return nil, fmt.Errorf("session callback required")
	}

	start := time.Now()
	log := e.log.With(slog.String("method", string(picker.SessionOpenMethod)))

	// The request restates the caller identity; it must agree with the
	// authenticated claims.
	if caller.PackageName == "" || req.PackageName != caller.PackageName || req.UID != caller.UID {
		log.InfoContext(ctx, "engine.open_session.denied", slog.String("package", req.PackageName), slog.Int64("uid", req.UID))
		return nil, fmt.Errorf("%w: request names %s/%d", ErrCallerMismatch, req.PackageName, req.UID)
	}

	if req.Action != theme.ActionPickImages && req.Action != theme.ActionGetContent {
		log.InfoContext(ctx, "engine.open_session.invalid", slog.String("action", string(req.Action)))
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, req.Action)
	}

	// Accent validation happens before any session state exists.
	accent, err := theme.NewAccent(req.Action, req.Features.AccentColor)
	if err != nil {
		log.InfoContext(ctx, "engine.open_session.invalid", slog.String("err", err.Error()))
		return nil, err
	}

	if err := features.ValidateInfo(req.Features); err != nil {
		log.InfoContext(ctx, "engine.open_session.invalid", slog.String("err", err.Error()))
		return nil, err
	}

	negotiated := req.ProtocolVersion
	if v, ok, err := e.srv.GetPreferredProtocolVersion(ctx, req.ProtocolVersion); err != nil {
		return nil, fmt.Errorf("get preferred protocol version: %w", err)
	} else if ok && v != "" {
		negotiated = v
	}
	if !picker.IsSupportedProtocolVersion(negotiated) {
		negotiated = picker.LatestProtocolVersion
	}

	args := &OpenSessionArgs{
		PackageName:     caller.PackageName,
		UID:             caller.UID,
		Issuer:          caller.Issuer,
		HostToken:       req.HostToken,
		ProtocolVersion: negotiated,
		Action:          req.Action,
		DisplayID:       int64(req.DisplayID),
		Width:           int64(req.Width),
		Height:          int64(req.Height),
		Features:        req.Features,
		Capabilities:    sessions.CapabilitySet{GrantAck: req.Capabilities.GrantAck != nil},
		Client:          sessions.ClientInfo{Name: req.ClientInfo.Name, Version: req.ClientInfo.Version},
		TTL:             e.handshakeTTL,
		MaxLifetime:     e.sessionMaxLifetime,
	}

	sess, pkg, err := e.factory.CreateSession(ctx, args)
	if err != nil {
		return nil, err
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = e.mgr.DeleteSession(ctx, sess.SessionID())
		}
	}()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		PackageName:     sess.CallerPackage(),
		UID:             sess.CallerUID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})

	hostInfo, err := e.srv.GetHostInfo(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("get host info: %w", err)
	}

	res := &picker.OpenSessionResult{
		ProtocolVersion: negotiated,
		SessionID:       sess.SessionID(),
		SurfacePackage:  pkg.Info(),
		HostInfo:        hostInfo,
		Theme:           picker.NewThemeInfo(accent),
	}

	if mediaCap, ok, err := e.srv.GetMediaCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get media capability: %w", err)
	} else if ok && mediaCap != nil {
		entry := &struct {
			ListChanged bool `json:"listChanged"`
		}{}
		if lc, hasLC, lcErr := mediaCap.GetListChangedCapability(ctx, sess); lcErr != nil {
			return nil, fmt.Errorf("get media listChanged capability: %w", lcErr)
		} else if hasLC && lc != nil {
			entry.ListChanged = true
		}
		res.Capabilities.Media = entry
	}

	if albumsCap, ok, err := e.srv.GetAlbumsCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get albums capability: %w", err)
	} else if ok && albumsCap != nil {
		entry := &struct {
			ListChanged bool `json:"listChanged"`
		}{}
		if lc, hasLC, lcErr := albumsCap.GetListChangedCapability(ctx, sess); lcErr != nil {
			return nil, fmt.Errorf("get albums listChanged capability: %w", lcErr)
		} else if hasLC && lc != nil {
			entry.ListChanged = true
		}
		res.Capabilities.Albums = entry
	}

	if selCap, ok, err := e.srv.GetSelectionCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get selection capability: %w", err)
	} else if ok && selCap != nil {
		res.Capabilities.Selection = &struct {
			Ordered bool `json:"ordered"`
		}{Ordered: sess.Features().OrderedSelection}
	}

	res.Capabilities.Surface = &struct{}{}

	if err := cb.SessionOpened(ctx, res); err != nil {
		return nil, fmt.Errorf("deliver session opened: %w", err)
	}

	cleanup = false

	e.wireSessionEmitters(ctx, sess)

	if e.hooks != nil {
		e.hooks.OnSessionOpened(ctx, sessionHookInfo(sess))
	}

	log.InfoContext(ctx, "engine.open_session.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	return sess, nil
}

func (e *Engine) HandleRequest(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch req.Method {
	case string(picker.MediaListMethod):
		return e.handleMediaList(ctx, sess, req)
	case string(picker.MediaReadMethod):
		return e.handleMediaRead(ctx, sess, req)
	case string(picker.AlbumsListMethod):
		return e.handleAlbumsList(ctx, sess, req)
	case string(picker.SelectionListMethod):
		return e.handleSelectionList(ctx, sess, req)
	case string(picker.SelectionCommitMethod):
		return e.handleSelectionCommit(ctx, sess, req)
	case string(picker.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, &picker.EmptyResult{})
	}

	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

// capabilityFault maps capability sentinel errors onto wire error responses.
// Client mistakes become invalid-params with the sentinel's message; anything
// else is an opaque internal error.
func (e *Engine) capabilityFault(ctx context.Context, log *slog.Logger, start time.Time, id *jsonrpc.RequestID, err error) (*jsonrpc.Response, error) {
	switch {
	case errors.Is(err, pickerservice.ErrItemNotFound),
		errors.Is(err, pickerservice.ErrSelectionLimit),
		errors.Is(err, pickerservice.ErrMimeNotAllowed),
		errors.Is(err, pickerservice.ErrSelectionCommitted):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
	}
	log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
}

func (e *Engine) handleMediaList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params picker.ListMediaRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	mediaCap, ok, err := e.srv.GetMediaCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || mediaCap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "media capability not supported", nil), nil
	}

	ctx = logctx.WithMediaData(ctx, &logctx.MediaData{AlbumID: params.AlbumID})

	page, err := mediaCap.ListMedia(ctx, sess, &params)
	if err != nil {
		return e.capabilityFault(ctx, log, start, req.ID, err)
	}

	res := &picker.ListMediaResult{Items: page.Items, PaginatedResult: picker.PaginatedResult{NextCursor: page.NextCursor}}
	if res.Items == nil {
		res.Items = []picker.MediaItem{}
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleMediaRead(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params picker.ReadMediaRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "invalid params"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	mediaCap, ok, err := e.srv.GetMediaCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || mediaCap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "media capability not supported", nil), nil
	}

	ctx = logctx.WithMediaData(ctx, &logctx.MediaData{ItemID: params.ID})

	item, err := mediaCap.ReadMedia(ctx, sess, params.ID)
	if err != nil {
		return e.capabilityFault(ctx, log, start, req.ID, err)
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &picker.ReadMediaResult{Item: item})
}

func (e *Engine) handleAlbumsList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params picker.ListAlbumsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	albumsCap, ok, err := e.srv.GetAlbumsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || albumsCap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "albums capability not supported", nil), nil
	}

	page, err := albumsCap.ListAlbums(ctx, sess, params.Cursor)
	if err != nil {
		return e.capabilityFault(ctx, log, start, req.ID, err)
	}

	res := &picker.ListAlbumsResult{Albums: page.Items, PaginatedResult: picker.PaginatedResult{NextCursor: page.NextCursor}}
	if res.Albums == nil {
		res.Albums = []picker.Album{}
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleSelectionList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params picker.ListSelectionRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	selCap, ok, err := e.srv.GetSelectionCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || selCap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "selection capability not supported", nil), nil
	}

	page, err := selCap.ListSelection(ctx, sess, params.Cursor)
	if err != nil {
		return e.capabilityFault(ctx, log, start, req.ID, err)
	}

	res := &picker.ListSelectionResult{Items: page.Items, PaginatedResult: picker.PaginatedResult{NextCursor: page.NextCursor}}
	if res.Items == nil {
		res.Items = []picker.MediaItem{}
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleSelectionCommit(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	selCap, ok, err := e.srv.GetSelectionCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || selCap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "selection capability not supported", nil), nil
	}

	// Commit can block on the client's grant acknowledgement. Any instance
	// may receive the cancellation for it, so the cancel func is registered
	// where the fanout consumer can find it.
	reqID := req.ID.String()
	if reqID == "" {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "missing request ID"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "missing request ID", nil), nil
	}

	commitCtx, commitCancel := context.WithCancelCause(ctx)
	defer commitCancel(context.Canceled)

	e.inflightMu.Lock()
	if _, exists := e.inflightCancels[reqID]; exists {
		// This should never happen; request IDs are unique per session.
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "duplicate request ID"))
		e.inflightMu.Unlock()
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	e.inflightCancels[reqID] = commitCancel
	e.inflightMu.Unlock()

	defer func() {
		e.inflightMu.Lock()
		delete(e.inflightCancels, reqID)
		e.inflightMu.Unlock()
	}()

	res, err := selCap.Commit(commitCtx, sess)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCancelled) {
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		}
		return e.capabilityFault(ctx, log, start, req.ID, err)
	}

	e.finishCommit(ctx, sess, res)

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &res)
}

// finishCommit records the committed render state, notifies observers, and
// pushes a final frame.
func (e *Engine) finishCommit(ctx context.Context, sess *SessionHandle, res picker.CommitSelectionResult) {
	e.frameMu.Lock()
	st := e.frameStateLocked(sess)
	st.committed = true
	e.frameMu.Unlock()

	if e.hooks != nil {
		e.hooks.OnSelectionCommitted(ctx, hooks.CommitInfo{
			SessionID:   sess.SessionID(),
			PackageName: sess.CallerPackage(),
			UID:         sess.CallerUID(),
			URIs:        res.URIs,
			Acked:       res.Acked,
		})
	}

	e.pushFrame(ctx, sess)
}

// selectionFor fetches the selection capability, logging lookup failures.
func (e *Engine) selectionFor(ctx context.Context, sess *SessionHandle) (pickerservice.SelectionCapability, bool) {
	selCap, ok, err := e.srv.GetSelectionCapability(ctx, sess)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.selection_capability.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if !ok || selCap == nil {
		return nil, false
	}
	return selCap, true
}

func (e *Engine) HandleNotification(ctx context.Context, sess *SessionHandle, note *jsonrpc.Request) error {
	switch note.Method {
	case string(picker.SessionReadyNotificationMethod):
		// Open the session immediately on this instance to avoid local
		// races; peers observe the state change through the session record.
		// The ready note still rides the fanout below so the instance
		// holding the session's surfaces renders the first frame.
		e.markSessionReady(ctx, sess)

	case string(picker.SessionNotifyResizedMethod):
		var params picker.NotifyResizedParams
		if err := json.Unmarshal(note.Params, &params); err != nil || params.Width <= 0 || params.Height <= 0 {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("rpc_method", note.Method))
			return nil
		}
		// The metadata write happens once, here; frame refreshes ride the
		// fanout.
		if err := e.host.MutateSession(ctx, sess.SessionID(), func(m *sessions.SessionMetadata) error {
			m.Width = int64(params.Width)
			m.Height = int64(params.Height)
			return nil
		}); err != nil {
			e.log.ErrorContext(ctx, "engine.handle_notification.resize.fail", slog.String("err", err.Error()))
		}

	case string(picker.SessionNotifyConfigurationChangedMethod):
		var params picker.NotifyConfigurationChangedParams
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("rpc_method", note.Method))
			return nil
		}
		if params.Configuration.NightMode != "" && !picker.IsValidNightMode(params.Configuration.NightMode) {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("rpc_method", note.Method), slog.String("night_mode", string(params.Configuration.NightMode)))
			return nil
		}
	}

	// Notifications are published to all peer instances on the session
	// fanout topic. Each instance handles them in its consumer loop if they
	// are relevant to that instance.
	noteBytes, err := json.Marshal(note)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_notification.err", slog.String("err", err.Error()))
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	msg, err := json.Marshal(fanoutMessage{
		SessionID:   sess.SessionID(),
		PackageName: sess.CallerPackage(),
		UID:         sess.CallerUID(),
		Msg:         noteBytes,
	})
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_notification.err", slog.String("err", err.Error()))
		return fmt.Errorf("failed to marshal fanout message: %w", err)
	}

	if err := e.host.PublishEvent(ctx, sessionFanoutTopic, msg); err != nil {
		e.log.ErrorContext(ctx, "engine.publish_event.err", slog.String("err", err.Error()))
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	e.log.InfoContext(ctx, "engine.handle_notification.ok")

	return nil
}

// markSessionReady transitions the session to open and seeds the selection
// from the preselected URIs before the first frame renders.
func (e *Engine) markSessionReady(ctx context.Context, sess *SessionHandle) {
	if err := e.mgr.MarkOpen(ctx, sess.SessionID(), e.sessionTTL); err != nil {
		e.log.ErrorContext(ctx, "engine.session.ready.fail", slog.String("err", err.Error()))
		return
	}

	e.log.InfoContext(ctx, "engine.session.ready")

	if selCap, ok := e.selectionFor(ctx, sess); ok {
		if seeder, ok := selCap.(selectionSeeder); ok {
			if n, err := seeder.SeedFromFeatures(ctx, sess); err != nil {
				e.log.InfoContext(ctx, "engine.session.seed.fail", slog.String("err", err.Error()))
			} else if n > 0 {
				e.log.InfoContext(ctx, "engine.session.seed.ok", slog.Int("items", n))
			}
		}
	}
}

// handleFor builds a SessionHandle from stored metadata, attaching the
// grant-ack capability when the session negotiated it. A nil writer falls
// back to the session stream.
func (e *Engine) handleFor(meta *sessions.SessionMetadata, requestScopedWriter MessageWriter) *SessionHandle {
	var opts []SessionHandleOption
	if meta.Capabilities.GrantAck {
		w := requestScopedWriter
		if w == nil {
			w = &sessionStreamWriter{host: e.host, sessID: meta.SessionID}
		}
		opts = append(opts, WithGrantAckCapability(&grantAckCapability{
			eng:    e,
			log:    e.log.With(slog.String("capability", "grantack")),
			sessID: meta.SessionID,
			writer: w,
		}))
	}
	return NewSessionHandle(e.host, meta, opts...)
}

// LoadSession retrieves and validates session metadata, returning a handle.
// The caller identity must match the stored record; revoked or fenced
// sessions load as errors. When a request-scoped writer is provided,
// host-initiated round trips go through it instead of the session stream.
func (e *Engine) LoadSession(ctx context.Context, sessID, packageName string, uid int64, issuer string, requestScopedWriter MessageWriter) (*SessionHandle, error) {
	start := time.Now()
	meta, err := e.mgr.LoadSession(ctx, sessID, packageName, uid, issuer)
	if err != nil {
		e.log.InfoContext(ctx, "engine.load_session.fail", slog.String("err", err.Error()))
		return nil, err
	}

	e.log.InfoContext(ctx, "engine.load_session.ok", slog.Duration("dur", time.Since(start)))

	sess := e.handleFor(meta, requestScopedWriter)

	e.wireSessionEmitters(ctx, sess)

	return sess, nil
}

func (e *Engine) cancelInFlightRequest(reqID string, reason string) bool {
	if reqID == "" {
		return false
	}

	e.inflightMu.Lock()
	cancel, exists := e.inflightCancels[reqID]
	e.inflightMu.Unlock()

	if exists && cancel != nil {
		cancelReason := reason
		if cancelReason == "" {
			cancelReason = "cancelled"
		}
		cancel(fmt.Errorf("%w: %s", ErrCancelled, cancelReason))
	}

	return exists && cancel != nil
}

// handleSessionEvent processes a session-related event message received over
// the inter-instance message bus.
func (e *Engine) handleSessionEvent(ctx context.Context, msg []byte) error {
	var fanout fanoutMessage
	if err := json.Unmarshal(msg, &fanout); err != nil {
		e.log.ErrorContext(ctx, "engine.handle_session_event.err", slog.String("err", err.Error()))
		return nil // ignore malformed messages
	}

	var jsonMsg jsonrpc.AnyMessage
	if err := json.Unmarshal(fanout.Msg, &jsonMsg); err != nil {
		e.log.ErrorContext(ctx, "engine.handle_session_event.unmarshal_err", slog.String("err", err.Error()))
		return nil // ignore malformed messages
	}

	// Deletion teardown runs before the session load: the record is usually
	// gone by the time the fanout arrives.
	if jsonMsg.Method == internalSessionDeletedMethod {
		e.teardownSessionLocal(fanout.SessionID)
		return nil
	}

	sess, err := e.LoadSession(ctx, fanout.SessionID, fanout.PackageName, fanout.UID, "", nil)
	if err != nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
			SessionID:   fanout.SessionID,
			PackageName: fanout.PackageName,
			UID:         fanout.UID,
		})

		// Session not found or invalid; nothing to do.
		e.log.InfoContext(ctx, "engine.handle_session_event.load_err", slog.String("err", err.Error()))
		return nil
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		PackageName:     sess.CallerPackage(),
		UID:             sess.CallerUID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: jsonMsg.Method,
		ID:     jsonMsg.ID.String(),
		Type:   jsonMsg.Type(),
	})

	e.log.InfoContext(ctx, "engine.handle_session_event.recv")

	req := jsonMsg.AsRequest()
	if req == nil {
		// Client responses reach their waiters through host awaits, not the
		// fanout.
		return nil
	}

	switch req.Method {
	case string(picker.CancelledNotificationMethod):
		var params picker.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.ErrorContext(ctx, "engine.handle_session_event.err", slog.String("err", err.Error()))
			return nil // ignore malformed messages
		}

		if params.RequestID != "" {
			e.log.InfoContext(ctx, "engine.handle_session_event.cancel", slog.String("request_id", params.RequestID), slog.String("reason", params.Reason))

			hadCancel := e.cancelInFlightRequest(params.RequestID, params.Reason)
			e.log.InfoContext(ctx, "engine.handle_session_event.cancel.dispatched", slog.String("request_id", params.RequestID), slog.Bool("had_cancel", hadCancel))
		}
		return nil

	case string(picker.SessionReadyNotificationMethod), string(picker.SessionNotifyResizedMethod):
		// State changed elsewhere; re-render for any local surfaces.
		e.pushFrame(ctx, sess)
		return nil

	case string(picker.SessionNotifyVisibilityChangedMethod):
		var params picker.NotifyVisibilityChangedParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil
		}
		e.setVisible(ctx, sess, params.Visible)
		return nil

	case string(picker.SessionNotifyConfigurationChangedMethod):
		var params picker.NotifyConfigurationChangedParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil
		}
		if params.Configuration.NightMode != "" && picker.IsValidNightMode(params.Configuration.NightMode) {
			e.frameMu.Lock()
			e.frameStateLocked(sess).nightMode = params.Configuration.NightMode
			e.frameMu.Unlock()
		}
		e.pushFrame(ctx, sess)
		return nil

	case string(picker.SessionNotifyExpandedMethod):
		var params picker.NotifyExpandedParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil
		}
		e.frameMu.Lock()
		e.frameStateLocked(sess).expanded = params.Expanded
		e.frameMu.Unlock()
		e.pushFrame(ctx, sess)
		return nil

	default:
		// Unknown request; ignore.
		return nil
	}
}

// wireSessionEmitters wires capability change listeners to emit JSON-RPC
// notifications on the per-session client stream. It is idempotent per
// session and instance.
func (e *Engine) wireSessionEmitters(ctx context.Context, sess *SessionHandle) {
	sid := sess.SessionID()

	e.wireMu.Lock()
	if e.wired[sid] {
		e.wireMu.Unlock()
		return
	}
	e.wired[sid] = true
	e.wireMu.Unlock()

	// Use WithoutCancel to outlive a single request while preserving values
	// for logging/tracing.
	bg := context.WithoutCancel(ctx)

	if mediaCap, ok, err := e.srv.GetMediaCapability(bg, sess); err == nil && ok && mediaCap != nil {
		if lc, hasLC, lcErr := mediaCap.GetListChangedCapability(bg, sess); lcErr == nil && hasLC && lc != nil {
			_, _ = lc.Register(bg, sess, func(cbCtx context.Context, s sessions.Session) {
				e.publishSessionNote(bg, sid, picker.MediaListChangedNotificationMethod, nil)
				e.pushFrame(bg, sess)
			})
		}
	}

	if albumsCap, ok, err := e.srv.GetAlbumsCapability(bg, sess); err == nil && ok && albumsCap != nil {
		if lc, hasLC, lcErr := albumsCap.GetListChangedCapability(bg, sess); lcErr == nil && hasLC && lc != nil {
			_, _ = lc.Register(bg, sess, func(cbCtx context.Context, s sessions.Session) {
				e.publishSessionNote(bg, sid, picker.AlbumsListChangedNotificationMethod, nil)
				e.pushFrame(bg, sess)
			})
		}
	}
}

// publishSessionNote appends a notification to the session's client stream.
// Delivery is best-effort; failures are logged, not returned.
func (e *Engine) publishSessionNote(ctx context.Context, sid string, method picker.Method, params any) {
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method)}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			e.log.ErrorContext(ctx, "engine.notify.encode.fail", slog.String("err", err.Error()))
			return
		}
		note.Params = b
	}
	bytes, err := json.Marshal(note)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.notify.encode.fail", slog.String("err", err.Error()))
		return
	}
	if _, err := e.host.PublishSession(ctx, sid, bytes); err != nil {
		e.log.ErrorContext(ctx, "engine.notify.publish.fail", slog.String("err", err.Error()))
	}
}

// StreamSession subscribes the caller to the per-session client-facing
// stream starting after lastEventID. It is a thin wrapper over the host that
// centralizes ownership checks in the Engine.
func (e *Engine) StreamSession(ctx context.Context, sess *SessionHandle, lastEventID string, handler sessions.MessageHandlerFunction) error {
	return e.host.SubscribeSession(ctx, sess.SessionID(), lastEventID, handler)
}

// HandleClientResponse forwards a client JSON-RPC response to whichever
// instance is awaiting it. The host's await registry spans instances, so the
// response may satisfy a round trip started elsewhere.
func (e *Engine) HandleClientResponse(ctx context.Context, sess *SessionHandle, res *jsonrpc.Response) error {
	if res == nil || res.ID == nil || res.ID.IsNil() {
		return fmt.Errorf("invalid response: missing id")
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	delivered, err := e.host.Fulfill(ctx, sess.SessionID(), res.ID.String(), payload)
	if err != nil {
		return fmt.Errorf("fulfill await: %w", err)
	}
	if !delivered {
		e.log.InfoContext(ctx, "engine.client_response.unclaimed", slog.String("request_id", res.ID.String()))
	}
	return nil
}

// DeleteSession tears the session down everywhere: local surfaces close, a
// deletion fanout tells peer instances to drop their state, hooks observe
// the close, and the stored record is removed. Idempotent at the host layer.
func (e *Engine) DeleteSession(ctx context.Context, sess *SessionHandle) error {
	sid := sess.SessionID()

	e.teardownSessionLocal(sid)

	// Per-session selection state outlives nothing; drop it with the session.
	if selCap, ok := e.selectionFor(ctx, sess); ok {
		if f, ok := selCap.(selectionForgetter); ok {
			_ = f.Forget(ctx, sid)
		}
	}

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: internalSessionDeletedMethod}
	bytes, _ := json.Marshal(note)
	outer := fanoutMessage{SessionID: sid, PackageName: sess.CallerPackage(), UID: sess.CallerUID(), Msg: bytes}
	payload, err := json.Marshal(outer)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.delete_session.marshal.err", slog.String("err", err.Error()))
		return fmt.Errorf("error preparing fanout: %w", err)
	}

	if err := e.host.PublishEvent(context.WithoutCancel(ctx), sessionFanoutTopic, payload); err != nil {
		e.log.ErrorContext(ctx, "engine.delete_session.fanout.err", slog.String("err", err.Error()))
		return fmt.Errorf("error publishing fanout: %w", err)
	}

	if e.hooks != nil {
		e.hooks.OnSessionClosed(ctx, sessionHookInfo(sess))
	}

	if err := e.mgr.DeleteSession(ctx, sid); err != nil {
		e.log.ErrorContext(ctx, "engine.delete_session.err", slog.String("err", err.Error()))
		return fmt.Errorf("error deleting session: %w", err)
	}

	return nil
}

// teardownSessionLocal drops this instance's per-session state: attached
// surfaces, render state, and emitter wiring.
func (e *Engine) teardownSessionLocal(sid string) {
	if e.frames != nil {
		e.frames.CloseSession(sid)
	}

	e.frameMu.Lock()
	delete(e.frameStates, sid)
	e.frameMu.Unlock()

	e.wireMu.Lock()
	delete(e.wired, sid)
	e.wireMu.Unlock()
}

// PublishToSession validates ownership and appends a JSON-RPC message to the
// per-session client-facing stream. Returns the assigned event ID.
func (e *Engine) PublishToSession(ctx context.Context, sessID, packageName string, uid int64, msg jsonrpc.Message) (string, error) {
	meta, err := e.host.GetSession(ctx, sessID)
	if err != nil || meta == nil || meta.Revoked || meta.PackageName != packageName || meta.UID != uid {
		return "", sessions.ErrSessionNotFound
	}
	evtID, err := e.host.PublishSession(ctx, sessID, msg)
	if err != nil {
		return "", fmt.Errorf("publish session: %w", err)
	}
	return evtID, nil
}

func sessionHookInfo(sess *SessionHandle) hooks.SessionInfo {
	return hooks.SessionInfo{
		SessionID:       sess.SessionID(),
		PackageName:     sess.CallerPackage(),
		UID:             sess.CallerUID(),
		ProtocolVersion: sess.ProtocolVersion(),
		Action:          sess.Action(),
	}
}
