// Package hooks defines lifecycle observer callbacks for picker sessions.
// The engine invokes them as sessions open, commit, and close; hosts register
// observers to drive audit logs, metrics, or cleanup without touching the
// serving path.
//
// Hook invocations are synchronous and run on the serving goroutine, so
// implementations should return quickly and must not block on the session
// they are observing.
package hooks

import (
	"context"

	"github.com/embedpick/picker-server-go/theme"
)

// SessionInfo identifies a session in lifecycle callbacks.
type SessionInfo struct {
	SessionID       string
	PackageName     string
	UID             int64
	ProtocolVersion string
	Action          theme.Action
}

// CommitInfo describes a finalized selection.
type CommitInfo struct {
	SessionID   string
	PackageName string
	UID         int64
	URIs        []string
	Acked       bool
}

// Hooks observes session lifecycle events. All methods may be called
// concurrently for different sessions.
type Hooks interface {
	// OnSessionOpened fires after a session-open result was delivered to the
	// client.
	OnSessionOpened(ctx context.Context, info SessionInfo)

	// OnSessionClosed fires when a session is deleted, whether by the client
	// or by the host.
	OnSessionClosed(ctx context.Context, info SessionInfo)

	// OnSelectionCommitted fires after a selection commit succeeded,
	// regardless of whether the commit came from the client or the picker UI.
	OnSelectionCommitted(ctx context.Context, info CommitInfo)
}

// Funcs adapts individual callbacks to the Hooks interface. Nil fields are
// skipped.
type Funcs struct {
	SessionOpened      func(ctx context.Context, info SessionInfo)
	SessionClosed      func(ctx context.Context, info SessionInfo)
	SelectionCommitted func(ctx context.Context, info CommitInfo)
}

var _ Hooks = Funcs{}

func (f Funcs) OnSessionOpened(ctx context.Context, info SessionInfo) {
	if f.SessionOpened != nil {
		f.SessionOpened(ctx, info)
	}
}

func (f Funcs) OnSessionClosed(ctx context.Context, info SessionInfo) {
	if f.SessionClosed != nil {
		f.SessionClosed(ctx, info)
	}
}

func (f Funcs) OnSelectionCommitted(ctx context.Context, info CommitInfo) {
	if f.SelectionCommitted != nil {
		f.SelectionCommitted(ctx, info)
	}
}

// Multi fans each event out to every hook in registration order.
func Multi(hooks ...Hooks) Hooks {
	hs := make([]Hooks, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return multi(hs)
}

type multi []Hooks

func (m multi) OnSessionOpened(ctx context.Context, info SessionInfo) {
	for _, h := range m {
		h.OnSessionOpened(ctx, info)
	}
}

func (m multi) OnSessionClosed(ctx context.Context, info SessionInfo) {
	for _, h := range m {
		h.OnSessionClosed(ctx, info)
	}
}

func (m multi) OnSelectionCommitted(ctx context.Context, info CommitInfo) {
	for _, h := range m {
		h.OnSelectionCommitted(ctx, info)
	}
}
