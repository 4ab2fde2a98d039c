package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/embedpick/picker-server-go/internal/jsonrpc"
	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/google/uuid"
)

var _ sessions.GrantAckCapability = (*grantAckCapability)(nil)

// grantAckCapability performs the host-to-client grant acknowledgement round
// trip. The outbound request goes through the session's writer; the caller
// parks on a host await until the client's response is fulfilled, which may
// happen on any instance.
type grantAckCapability struct {
	eng    *Engine
	log    *slog.Logger
	sessID string
	writer MessageWriter
}

// AckGrants implements sessions.GrantAckCapability.
func (c *grantAckCapability) AckGrants(ctx context.Context, uris []string, opts ...sessions.GrantAckOption) (bool, error) {
	var cfg sessions.GrantAckConfig
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}

	reqID := uuid.NewString()
	params, err := json.Marshal(picker.GrantAckRequest{URIs: uris})
	if err != nil {
		c.log.Error("grantack.encode.err", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return false, ErrInternal
	}
	clientReq := jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.ClientGrantAckMethod), Params: json.RawMessage(params), ID: jsonrpc.NewRequestID(reqID)}
	bytes, err := json.Marshal(clientReq)
	if err != nil {
		c.log.Error("grantack.marshal.err", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return false, ErrInternal
	}

	// Register the await before the request goes out so the response cannot
	// race ahead of the waiter.
	aw, err := c.eng.host.BeginAwait(ctx, c.sessID, reqID, c.eng.ackTTL)
	if err != nil {
		c.log.Error("grantack.await.err", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return false, ErrInternal
	}
	defer func() { _ = aw.Cancel(context.WithoutCancel(ctx)) }()

	if err := c.writer.WriteMessage(ctx, bytes); err != nil {
		c.log.Error("grantack.write.fail", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return false, ErrInternal
	}

	msg, err := aw.Recv(ctx)
	if err != nil {
		if errors.Is(err, sessions.ErrAwaitCanceled) {
			c.log.Error("grantack.cancelled", slog.String("session_id", c.sessID))
			return false, ErrCancelled
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		c.log.Error("grantack.recv.fail", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return false, ErrInternal
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		c.log.Error("grantack.unmarshal_response.fail", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return false, ErrInternal
	}
	if resp.Error != nil {
		c.log.Error("grantack.error", slog.String("session_id", c.sessID), slog.Int("code", int(resp.Error.Code)), slog.String("message", resp.Error.Message))
		return false, ErrInternal
	}

	var got picker.GrantAckResultReceived
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		c.log.Error("grantack.result.unmarshal.fail", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return false, ErrInternal
	}

	if cfg.MetaDst != nil && len(got.Meta) > 0 {
		meta := make(json.RawMessage, len(got.Meta))
		copy(meta, got.Meta)
		*cfg.MetaDst = meta
	}

	return got.Acked, nil
}
