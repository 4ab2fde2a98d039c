// Package hookstest provides a recording hooks.Hooks implementation for
// tests.
package hookstest

import (
	"context"
	"sync"

	"github.com/embedpick/picker-server-go/hooks"
)

// Recorder captures hook invocations so tests can assert on lifecycle
// events. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	opened  []hooks.SessionInfo
	closed  []hooks.SessionInfo
	commits []hooks.CommitInfo
}

var _ hooks.Hooks = (*Recorder)(nil)

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnSessionOpened(ctx context.Context, info hooks.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, info)
}

func (r *Recorder) OnSessionClosed(ctx context.Context, info hooks.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, info)
}

func (r *Recorder) OnSelectionCommitted(ctx context.Context, info hooks.CommitInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, info)
}

// Opened returns a copy of the recorded session-opened events in order.
func (r *Recorder) Opened() []hooks.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hooks.SessionInfo(nil), r.opened...)
}

// Closed returns a copy of the recorded session-closed events in order.
func (r *Recorder) Closed() []hooks.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hooks.SessionInfo(nil), r.closed...)
}

// Commits returns a copy of the recorded commit events in order.
func (r *Recorder) Commits() []hooks.CommitInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hooks.CommitInfo(nil), r.commits...)
}

// Reset clears all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = nil
	r.closed = nil
	r.commits = nil
}
