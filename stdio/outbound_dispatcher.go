package stdio

import (
	"context"
	"encoding/json"

	"github.com/embedpick/picker-server-go/internal/jsonrpc"
	"github.com/embedpick/picker-server-go/internal/outbound"
	"github.com/embedpick/picker-server-go/picker"
)

// jsonrpcWriter is the minimal writer contract backed by writeMux.
type jsonrpcWriter interface{ writeJSONRPC(v any) error }

// stdioTransport implements outbound.Transport over the shared write mux.
// The pipe is ordered, so there is no receive path to arrange before the
// request goes out.
type stdioTransport struct{ w jsonrpcWriter }

func (t stdioTransport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	return t.w.writeJSONRPC(req)
}

func (t stdioTransport) SendCancelled(ctx context.Context, requestID string) error {
	params, err := json.Marshal(picker.CancelledNotification{RequestID: requestID})
	if err != nil {
		return err
	}
	n := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(picker.CancelledNotificationMethod), Params: params}
	return t.w.writeJSONRPC(n)
}

// outboundDispatcher narrows the internal dispatcher to what the handler
// drives: host-initiated calls plus response and cancel routing.
type outboundDispatcher struct{ d *outbound.Dispatcher }

func newOutboundDispatcher(w jsonrpcWriter) *outboundDispatcher {
	return &outboundDispatcher{d: outbound.New(stdioTransport{w: w})}
}

func (d *outboundDispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	return d.d.Call(ctx, method, params)
}

func (d *outboundDispatcher) OnResponse(resp *jsonrpc.Response) bool { return d.d.OnResponse(resp) }

func (d *outboundDispatcher) OnNotification(msg jsonrpc.AnyMessage) { d.d.OnNotification(msg) }

func (d *outboundDispatcher) Close(err error) { d.d.Close(err) }

// Dispatcher errors surfaced to keepalive and embedding code.
var (
	ErrDispatcherClosed = outbound.ErrDispatcherClosed
	ErrRemoteCancelled  = outbound.ErrRemoteCancelled
)
