package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by metadata operations when no live session
// exists for the given ID. Hosts MUST return it (possibly wrapped) for
// expired sessions as well; callers cannot distinguish the two.
var ErrSessionNotFound = errors.New("session not found")

// CallerScope defines the granularity at which epoch-based invalidation
// applies: all sessions opened by one application identity. Both fields are
// part of the scope key.
type CallerScope struct {
	// PackageName is the caller application's package name.
	PackageName string
	// UID is the platform uid the caller runs as.
	UID int64
}

// --- Per-request rendezvous (distributed await/fulfill) ---

// Awaiter provides a one-shot receive for a specific (sessionID, correlationID)
// tuple that represents the outcome of a single in-flight request. Only one
// awaiter may be registered per key at a time.
//
// Semantics:
//   - Recv blocks until the request is fulfilled, canceled, or the context ends.
//   - Cancel makes any current or future Recv return ErrAwaitCanceled.
//   - Implementations MUST ensure BeginAwait happens-before a corresponding send
//     of the outbound request, so that a later Fulfill cannot race ahead.
type Awaiter interface {
	Recv(ctx context.Context) ([]byte, error)
	Cancel(ctx context.Context) error
}

var (
	// ErrAwaitExists indicates there is already a waiter for the key.
	ErrAwaitExists = errors.New("await already registered")
	// ErrAwaitCanceled is returned from Recv when the await was canceled or the
	// session cleaned up.
	ErrAwaitCanceled = errors.New("await canceled")
)

// SessionHost is the durability and coordination contract behind the sessions
// package. It combines per-session ordered messaging, server-internal event
// topics, stored session metadata with sliding TTL, a bounded per-session KV,
// and a rendezvous primitive. It works across in-memory and distributed
// implementations.
type SessionHost interface {
	// Messaging — ordered per session ID with resume via lastEventID. Events
	// are client-visible; transports replay them to reconnecting clients.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error

	// Events — server-internal topics used for cross-instance coordination
	// (notification fan-out, session teardown). At-most-once per subscriber;
	// no replay. SubscribeEvents returns once the subscription is established
	// and delivers on a host-owned goroutine until ctx ends.
	PublishEvent(ctx context.Context, topic string, payload []byte) error
	SubscribeEvents(ctx context.Context, topic string, handler EventHandlerFunction) error

	// Metadata lifecycle. CreateSession persists a new record and fails if the
	// ID already exists. MutateSession applies fn to the current record under
	// the host's concurrency control and persists the result; fn errors abort
	// the mutation. TouchSession slides the TTL window without changing
	// UpdatedAt. DeleteSession removes the record along with the session's
	// message log, KV entries, and pending awaits.
	CreateSession(ctx context.Context, meta *SessionMetadata) error
	GetSession(ctx context.Context, sessionID string) (*SessionMetadata, error)
	MutateSession(ctx context.Context, sessionID string, fn func(*SessionMetadata) error) error
	TouchSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error

	// Per-session KV for small auxiliary state (selection snapshots, UI
	// state). GetSessionData returns (nil, nil) for a missing key. Size caps
	// are enforced at the manager layer, not here.
	PutSessionData(ctx context.Context, sessionID, key string, value []byte) error
	GetSessionData(ctx context.Context, sessionID, key string) ([]byte, error)
	DeleteSessionData(ctx context.Context, sessionID, key string) error

	// Epoch fencing — caller-wide invalidation. GetEpoch returns 0 for a
	// scope that was never bumped.
	BumpEpoch(ctx context.Context, scope CallerScope) (newEpoch int64, err error)
	GetEpoch(ctx context.Context, scope CallerScope) (epoch int64, err error)

	// Rendezvous — single-consumer, drop-if-nobody-cares delivery.
	// BeginAwait registers a waiter for a specific correlationID under the
	// session, with a TTL for automatic cleanup. Exactly one waiter may exist
	// for a given key. Must be visible to other instances before returning.
	BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (Awaiter, error)
	// Fulfill delivers a response to a registered waiter, returning true if the
	// waiter received it. If there is no waiter (expired/canceled/not created),
	// return false without error (drop is acceptable).
	Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (delivered bool, err error)
}
