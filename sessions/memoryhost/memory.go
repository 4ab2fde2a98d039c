package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embedpick/picker-server-go/sessions"
)

// eventBuffer bounds the per-subscriber topic queue. Publishes drop for a
// subscriber whose queue is full rather than block the publisher.
const eventBuffer = 128

// Host is an in-memory implementation of sessions.SessionHost.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	counter  atomic.Int64

	topicMu sync.RWMutex
	topics  map[string]map[*topicSub]struct{}

	// epoch map keyed by scope string
	epochMu sync.RWMutex
	epochs  map[string]int64
}

type sessionState struct {
	mu     sync.RWMutex
	meta   *sessions.SessionMetadata
	log    []message
	subs   map[*subscription]struct{}
	data   map[string][]byte
	awaits map[string]*awaitState // correlationID -> await state
}

type message struct {
	id   string
	data []byte
}

type subscription struct {
	notify   chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

func (s *subscription) stop() { s.stopOnce.Do(func() { close(s.stopCh) }) }

type topicSub struct {
	ch chan []byte
}

func New() *Host {
	return &Host{
		sessions: make(map[string]*sessionState),
		topics:   make(map[string]map[*topicSub]struct{}),
		epochs:   make(map[string]int64),
	}
}

// --- Messaging ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	evID := strconv.FormatInt(h.counter.Add(1), 10)
	msg := message{id: evID, data: append([]byte(nil), data...)}

	ss := h.ensureSession(sessionID)

	ss.mu.Lock()
	ss.log = append(ss.log, msg)
	subs := make([]*subscription, 0, len(ss.subs))
	for sub := range ss.subs {
		subs = append(subs, sub)
	}
	ss.mu.Unlock()

	// Nudge subscribers; each drains the log from its own cursor so a single
	// token is enough no matter how many messages landed.
	for _, sub := range subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}

	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	ss := h.ensureSession(sessionID)

	ss.mu.Lock()
	var cursor int
	if lastEventID == "" {
		cursor = len(ss.log)
	} else {
		found := false
		for i := range ss.log {
			if ss.log[i].id == lastEventID {
				cursor = i + 1
				found = true
				break
			}
		}
		if !found {
			ss.mu.Unlock()
			return fmt.Errorf("last event id %s not found", lastEventID)
		}
	}
	sub := &subscription{notify: make(chan struct{}, 1), stopCh: make(chan struct{})}
	ss.subs[sub] = struct{}{}
	ss.mu.Unlock()

	defer func() {
		ss.mu.Lock()
		delete(ss.subs, sub)
		ss.mu.Unlock()
	}()

	for {
		// Drain anything at or past the cursor in order, delivering on this
		// goroutine so per-session ordering holds.
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			ss.mu.RLock()
			if cursor >= len(ss.log) {
				ss.mu.RUnlock()
				break
			}
			m := ss.log[cursor]
			ss.mu.RUnlock()
			cursor++
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.stopCh:
			return nil
		case <-sub.notify:
		}
	}
}

// --- Events ---

func (h *Host) PublishEvent(ctx context.Context, topic string, payload []byte) error {
	h.topicMu.RLock()
	subs := make([]*topicSub, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.topicMu.RUnlock()

	cp := append([]byte(nil), payload...)
	for _, s := range subs {
		select {
		case s.ch <- cp:
		default:
			// Subscriber queue full. Coordination topics are best-effort, so
			// drop rather than block the publisher.
		}
	}
	return nil
}

func (h *Host) SubscribeEvents(ctx context.Context, topic string, handler sessions.EventHandlerFunction) error {
	s := &topicSub{ch: make(chan []byte, eventBuffer)}

	h.topicMu.Lock()
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*topicSub]struct{})
		h.topics[topic] = set
	}
	set[s] = struct{}{}
	h.topicMu.Unlock()

	// Registration is visible before returning so publishes racing with this
	// call are not missed. Delivery happens on a dedicated goroutine.
	go func() {
		defer func() {
			h.topicMu.Lock()
			if set, ok := h.topics[topic]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.topics, topic)
				}
			}
			h.topicMu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-s.ch:
				if err := handler(ctx, p); err != nil {
					return
				}
			}
		}
	}()

	return nil
}

// --- Metadata ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("session metadata with id required")
	}
	ss := h.ensureSession(meta.SessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.meta != nil && !metaExpired(ss.meta, time.Now()) {
		return fmt.Errorf("session %s already exists", meta.SessionID)
	}
	cp := *meta
	ss.meta = &cp
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	ss, ok := h.lookupSession(sessionID)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	ss.mu.RLock()
	var cp sessions.SessionMetadata
	found := ss.meta != nil
	if found {
		cp = *ss.meta
	}
	ss.mu.RUnlock()
	if !found {
		return nil, sessions.ErrSessionNotFound
	}
	if metaExpired(&cp, time.Now()) {
		_ = h.DeleteSession(ctx, sessionID)
		return nil, sessions.ErrSessionNotFound
	}
	return &cp, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(*sessions.SessionMetadata) error) error {
	ss, ok := h.lookupSession(sessionID)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.meta == nil || metaExpired(ss.meta, time.Now()) {
		return sessions.ErrSessionNotFound
	}
	cp := *ss.meta
	if err := fn(&cp); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now().UTC()
	ss.meta = &cp
	return nil
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	ss, ok := h.lookupSession(sessionID)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.meta == nil || metaExpired(ss.meta, time.Now()) {
		return sessions.ErrSessionNotFound
	}
	cp := *ss.meta
	cp.LastAccess = time.Now().UTC()
	ss.meta = &cp
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	ss, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	// Collect subscribers under lock, then stop them without holding the lock
	ss.mu.Lock()
	subs := make([]*subscription, 0, len(ss.subs))
	for sub := range ss.subs {
		subs = append(subs, sub)
	}
	for _, a := range ss.awaits {
		a.cancelLocked()
	}
	ss.awaits = make(map[string]*awaitState)
	ss.meta = nil
	ss.data = nil
	ss.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// --- Per-session KV ---

func (h *Host) PutSessionData(ctx context.Context, sessionID, key string, value []byte) error {
	ss, ok := h.lookupSession(sessionID)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.meta == nil {
		return sessions.ErrSessionNotFound
	}
	if ss.data == nil {
		ss.data = make(map[string][]byte)
	}
	ss.data[key] = append([]byte(nil), value...)
	return nil
}

func (h *Host) GetSessionData(ctx context.Context, sessionID, key string) ([]byte, error) {
	ss, ok := h.lookupSession(sessionID)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if ss.meta == nil {
		return nil, sessions.ErrSessionNotFound
	}
	v, ok := ss.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (h *Host) DeleteSessionData(ctx context.Context, sessionID, key string) error {
	ss, ok := h.lookupSession(sessionID)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.meta == nil {
		return sessions.ErrSessionNotFound
	}
	delete(ss.data, key)
	return nil
}

// --- Epoch fencing ---

func (h *Host) BumpEpoch(ctx context.Context, scope sessions.CallerScope) (int64, error) {
	key := scopeKey(scope)
	h.epochMu.Lock()
	defer h.epochMu.Unlock()
	h.epochs[key] = h.epochs[key] + 1
	return h.epochs[key], nil
}

func (h *Host) GetEpoch(ctx context.Context, scope sessions.CallerScope) (int64, error) {
	key := scopeKey(scope)
	h.epochMu.RLock()
	v := h.epochs[key]
	h.epochMu.RUnlock()
	return v, nil
}

// --- Internals ---

func (h *Host) ensureSession(sessionID string) *sessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	ss, ok := h.sessions[sessionID]
	if !ok {
		ss = &sessionState{subs: make(map[*subscription]struct{}), awaits: make(map[string]*awaitState)}
		h.sessions[sessionID] = ss
	}
	return ss
}

func (h *Host) lookupSession(sessionID string) (*sessionState, bool) {
	h.mu.RLock()
	ss, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	return ss, ok
}

func metaExpired(m *sessions.SessionMetadata, now time.Time) bool {
	if m.TTL > 0 && now.After(m.LastAccess.Add(m.TTL)) {
		return true
	}
	if m.MaxLifetime > 0 && now.After(m.CreatedAt.Add(m.MaxLifetime)) {
		return true
	}
	return false
}

func scopeKey(s sessions.CallerScope) string {
	// Compose a stable key across both dimensions.
	return "p=" + s.PackageName + "|u=" + strconv.FormatInt(s.UID, 10)
}

// Ensure interface compliance
var _ sessions.SessionHost = (*Host)(nil)

// --- Await/Fulfill implementation ---

type awaitState struct {
	ch   chan []byte
	done bool
}

func (a *awaitState) cancelLocked() {
	if !a.done {
		a.done = true
		close(a.ch)
	}
}

type awaiter struct {
	h             *Host
	sessionID     string
	correlationID string
	st            *awaitState
}

func (a *awaiter) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		// best-effort cancel
		_ = a.Cancel(context.Background())
		return nil, ctx.Err()
	case data, ok := <-a.st.ch:
		if !ok {
			return nil, sessions.ErrAwaitCanceled
		}
		return data, nil
	}
}

func (a *awaiter) Cancel(ctx context.Context) error {
	ss := a.h.ensureSession(a.sessionID)
	ss.mu.Lock()
	if st, ok := ss.awaits[a.correlationID]; ok && st == a.st {
		st.cancelLocked()
		delete(ss.awaits, a.correlationID)
	}
	ss.mu.Unlock()
	return nil
}

func (h *Host) BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	ss := h.ensureSession(sessionID)
	ss.mu.Lock()
	if _, exists := ss.awaits[correlationID]; exists {
		ss.mu.Unlock()
		return nil, sessions.ErrAwaitExists
	}
	st := &awaitState{ch: make(chan []byte, 1)}
	ss.awaits[correlationID] = st
	ss.mu.Unlock()

	// TTL cleanup fires regardless of the begin context; a canceled request
	// cleans up through Recv's cancel path instead.
	if ttl > 0 {
		time.AfterFunc(ttl, func() {
			ss.mu.Lock()
			if cur, ok := ss.awaits[correlationID]; ok && cur == st {
				st.cancelLocked()
				delete(ss.awaits, correlationID)
			}
			ss.mu.Unlock()
		})
	}

	return &awaiter{h: h, sessionID: sessionID, correlationID: correlationID, st: st}, nil
}

func (h *Host) Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (bool, error) {
	ss := h.ensureSession(sessionID)
	ss.mu.Lock()
	st, ok := ss.awaits[correlationID]
	if !ok {
		ss.mu.Unlock()
		return false, nil
	}
	if st.done {
		delete(ss.awaits, correlationID)
		ss.mu.Unlock()
		return false, nil
	}
	st.done = true
	delete(ss.awaits, correlationID)
	ss.mu.Unlock()

	// Buffered send; capacity 1 guarantees room for the single fulfillment.
	st.ch <- append([]byte(nil), data...)
	close(st.ch)
	return true, nil
}
