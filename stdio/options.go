package stdio

import (
	"io"
	"log/slog"
	"time"

	"github.com/embedpick/picker-server-go/hooks"
	"github.com/embedpick/picker-server-go/internal/sessioncore"
	"github.com/embedpick/picker-server-go/sessions"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithCallerProvider overrides how the peer identity is resolved.
func WithCallerProvider(cp CallerProvider) Option {
	return func(h *Handler) {
		if cp != nil {
			h.caller = cp
		}
	}
}

// WithSessionHost supplies the session state backend, for sharing sessions
// with a co-located HTTP handler. Defaults to a process-local memory host.
func WithSessionHost(host sessions.SessionHost) Option {
	return func(h *Handler) {
		if host != nil {
			h.host = host
		}
	}
}

// WithSigner supplies the signer used for surface grant tokens. Without it
// the handler generates an Ed25519 key at serve time.
func WithSigner(s sessioncore.JWSSignerVerifier) Option {
	return func(h *Handler) {
		if s != nil {
			h.signer = s
		}
	}
}

// WithSurfaceStreamURL advertises the WebSocket endpoint surfaces attach to.
// The stdio transport serves no surfaces itself; the URL names a co-located
// HTTP host's hub. Empty leaves surface packages without a stream address.
func WithSurfaceStreamURL(u string) Option {
	return func(h *Handler) { h.streamURL = u }
}

// WithHooks registers lifecycle observers.
func WithHooks(hk hooks.Hooks) Option {
	return func(h *Handler) { h.hooks = hk }
}

// WithSessionTTL overrides the sliding TTL for open sessions.
func WithSessionTTL(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.sessionTTL = d
		}
	}
}

// WithKeepAliveInterval enables host-to-client pings on the given interval
// once a session is open. A ping that misses its response window ends
// Serve. Zero disables keepalives.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}
