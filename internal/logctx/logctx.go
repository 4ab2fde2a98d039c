package logctx

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/embedpick/picker-server-go/sessions"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("package", sd.PackageName),
			slog.String("uid", strconv.FormatInt(sd.UID, 10)),
			slog.String("protocol_version", sd.ProtocolVersion),
			slog.String("state", string(sd.State)),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if md, ok := ctx.Value(mediaDataKey{}).(*MediaData); ok {
		attrs := make([]any, 0, 2)
		if md.ItemID != "" {
			attrs = append(attrs, slog.String("item_id", md.ItemID))
		}
		if md.AlbumID != "" {
			attrs = append(attrs, slog.String("album_id", md.AlbumID))
		}
		r.AddAttrs(slog.Group("media", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID       string
	PackageName     string
	UID             int64
	ProtocolVersion string
	State           sessions.SessionState
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type mediaDataKey struct{}

// MediaData scopes log records to the media item or album a request touches.
type MediaData struct {
	ItemID  string
	AlbumID string
}

func WithMediaData(ctx context.Context, data *MediaData) context.Context {
	return context.WithValue(ctx, mediaDataKey{}, data)
}
