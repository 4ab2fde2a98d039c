package engine

import (
	"context"

	"github.com/embedpick/picker-server-go/internal/jsonrpc"
	"github.com/embedpick/picker-server-go/sessions"
)

type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

type MessageWriterFunc func(ctx context.Context, msg jsonrpc.Message) error

func NewMessageWriterFunc(f func(ctx context.Context, msg jsonrpc.Message) error) MessageWriterFunc {
	return f
}

func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}

// sessionStreamWriter publishes outbound messages onto the session's
// client-facing stream. It is the fallback writer when no request-scoped
// connection exists, such as for commits triggered from the picker UI.
type sessionStreamWriter struct {
	host   sessions.SessionHost
	sessID string
}

var _ MessageWriter = (*sessionStreamWriter)(nil)

func (w *sessionStreamWriter) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	_, err := w.host.PublishSession(ctx, w.sessID, msg)
	return err
}
