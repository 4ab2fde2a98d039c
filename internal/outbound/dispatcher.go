package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/embedpick/picker-server-go/internal/jsonrpc"
	"github.com/embedpick/picker-server-go/picker"
)

// Transport abstracts how host-initiated requests and notifications leave
// the process. Implementations that can miss responses must arrange their
// receive path before SendRequest returns.
type Transport interface {
	// SendRequest emits the request with its pre-allocated id.
	SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error
	// SendCancelled emits a notifications/cancelled for the given id string.
	SendCancelled(ctx context.Context, requestID string) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher correlates host-initiated JSON-RPC requests with their
// responses: id allocation, cancellation in both directions, and response
// routing. It is transport-agnostic.
type Dispatcher struct {
	t Transport

	mu       sync.Mutex
	pending  map[string]*pendingCall // id.String() -> call
	closed   bool
	closeErr error

	nextID uint64
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
}

// Call sends a JSON-RPC request and waits for a response or context
// cancellation. A cancelled context emits a best-effort
// notifications/cancelled to the peer.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	id := jsonrpc.NewRequestID(atomic.AddUint64(&d.nextID, 1))
	key := id.String()

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		return nil, err
	}
	d.pending[key] = pc
	d.mu.Unlock()

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: paramsRaw, ID: id}
	if err := d.t.SendRequest(ctx, id, req); err != nil {
		d.drop(key)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		_ = d.t.SendCancelled(context.WithoutCancel(ctx), key)
		d.drop(key)
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) drop(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

// OnResponse delivers an incoming response to a waiting call. It reports
// whether a waiter claimed the response, so transports can route unclaimed
// responses to their session-level correlation instead.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID == nil {
		return false
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// OnNotification processes peer notifications relevant to outbound calls. A
// notifications/cancelled naming a pending id fails that call with
// ErrRemoteCancelled; progress notifications are ignored.
func (d *Dispatcher) OnNotification(msg jsonrpc.AnyMessage) {
	if msg.Method != string(picker.CancelledNotificationMethod) {
		return
	}
	var p picker.CancelledNotification
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return
	}
	d.mu.Lock()
	pc, ok := d.pending[p.RequestID]
	if ok {
		delete(d.pending, p.RequestID)
	}
	d.mu.Unlock()
	if ok {
		pc.errCh <- ErrRemoteCancelled
	}
}

// Close fails all pending calls with the provided error and rejects new
// ones. Safe to call more than once.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.closeErr = err
	pending := d.pending
	d.pending = make(map[string]*pendingCall)
	d.mu.Unlock()

	for _, pc := range pending {
		pc.errCh <- err
	}
}
