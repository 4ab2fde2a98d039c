package sessioncore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/theme"
	"github.com/google/uuid"
)

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	DefaultTTL        time.Duration
	MinTTL            time.Duration
	MaxTTL            time.Duration
	TouchDebounce     time.Duration
	DataMaxValueBytes int
	Metrics           MetricsSink
	Logger            *slog.Logger
}

// applyDefaults populates zero values with conservative defaults.
func (c *ManagerConfig) applyDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 1 * time.Hour
	}
	if c.TouchDebounce == 0 {
		c.TouchDebounce = 5 * time.Second
	}
	if c.DataMaxValueBytes == 0 {
		c.DataMaxValueBytes = 8 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager orchestrates creation, loading, and invalidation of picker sessions
// backed by host-stored metadata. It is safe for concurrent use.
type Manager struct {
	host        sessions.SessionHost
	cfg         ManagerConfig
	lastTouchMu sync.Mutex
	lastTouch   map[string]time.Time
}

func NewManager(host sessions.SessionHost, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	return &Manager{host: host, cfg: cfg, lastTouch: make(map[string]time.Time)}
}

// Errors returned by the manager.
var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionCallerMismatch = errors.New("session caller mismatch")
	ErrSessionIssuerMismatch = errors.New("session issuer mismatch")
	ErrSessionRevoked        = errors.New("session revoked")
	ErrDataTooLarge          = errors.New("session data value exceeds max bytes")
)

// CreateSessionParams carries the validated session/open arguments. The accent
// code inside Features has already been vetted by the engine; the manager only
// persists.
type CreateSessionParams struct {
	PackageName     string
	UID             int64
	Issuer          string
	ProtocolVersion string
	Action          theme.Action
	DisplayID       int64
	Width           int64
	Height          int64
	Features        picker.FeatureInfo
	Capabilities    sessions.CapabilitySet
	Client          sessions.ClientInfo
	TTL             time.Duration // 0 uses DefaultTTL; clamped to [MinTTL, MaxTTL]
	MaxLifetime     time.Duration
}

// CreateSession allocates and persists a new pending session metadata record.
// The record carries the caller-scope epoch observed now so that a later
// caller-wide revocation fences it out.
func (m *Manager) CreateSession(ctx context.Context, p CreateSessionParams) (*sessions.SessionMetadata, error) {
	now := time.Now().UTC()
	scope := sessions.CallerScope{PackageName: p.PackageName, UID: p.UID}
	epoch, err := m.host.GetEpoch(ctx, scope)
	if err != nil {
		return nil, err
	}
	meta := &sessions.SessionMetadata{
		MetaVersion:     1,
		SessionID:       uuid.NewString(),
		PackageName:     p.PackageName,
		UID:             p.UID,
		Issuer:          p.Issuer,
		ProtocolVersion: p.ProtocolVersion,
		Action:          p.Action,
		DisplayID:       p.DisplayID,
		Width:           p.Width,
		Height:          p.Height,
		Features:        p.Features,
		Capabilities:    p.Capabilities,
		Client:          p.Client,
		State:           sessions.SessionStatePending,
		CallerEpoch:     epoch,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccess:      now,
		TTL:             m.clampTTL(p.TTL),
		MaxLifetime:     p.MaxLifetime,
	}
	if err := m.host.CreateSession(ctx, meta); err != nil {
		return nil, err
	}
	m.recordMetric("sessions_created", nil)
	return meta, nil
}

// LoadSession fetches and validates a session for the specified caller.
// Revocation is checked both per session (the stored flag) and per caller
// (the stored epoch trailing the current scope epoch). A fenced session is
// deleted best-effort so subsequent loads miss outright.
func (m *Manager) LoadSession(ctx context.Context, sessionID, packageName string, uid int64, issuer string) (*sessions.SessionMetadata, error) {
	meta, err := m.host.GetSession(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if meta.Revoked {
		return nil, ErrSessionRevoked
	}
	if meta.PackageName != packageName || meta.UID != uid {
		return nil, ErrSessionCallerMismatch
	}
	if meta.Issuer != "" && issuer != "" && meta.Issuer != issuer {
		return nil, ErrSessionIssuerMismatch
	}
	if cur, err := m.host.GetEpoch(ctx, meta.CallerScope()); err == nil && meta.CallerEpoch < cur {
		m.recordMetric("sessions_fenced", nil)
		_ = m.host.DeleteSession(ctx, sessionID)
		return nil, ErrSessionRevoked
	}
	m.maybeTouch(meta.SessionID, time.Now().UTC())
	return meta, nil
}

// MarkOpen transitions a pending session to open, widening its idle window
// from the handshake TTL to the steady-state ttl. Idempotent: an already-open
// session is left untouched.
func (m *Manager) MarkOpen(ctx context.Context, sessionID string, ttl time.Duration) error {
	now := time.Now().UTC()
	opened := false
	err := m.host.MutateSession(ctx, sessionID, func(meta *sessions.SessionMetadata) error {
		if meta.Revoked {
			return ErrSessionRevoked
		}
		if meta.State == sessions.SessionStateOpen {
			return nil
		}
		meta.State = sessions.SessionStateOpen
		if meta.OpenedAt.IsZero() {
			meta.OpenedAt = now
		}
		meta.TTL = m.clampTTL(ttl)
		meta.LastAccess = now
		opened = true
		return nil
	})
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if opened {
		m.recordMetric("sessions_opened", nil)
	}
	return nil
}

// DeleteSession deletes the session idempotently.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.host.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.recordMetric("sessions_deleted", nil)
	return nil
}

// RevokeSession marks a single session revoked without removing its record,
// so concurrent loads observe the revocation rather than a miss.
func (m *Manager) RevokeSession(ctx context.Context, sessionID string) error {
	err := m.host.MutateSession(ctx, sessionID, func(meta *sessions.SessionMetadata) error {
		meta.Revoked = true
		return nil
	})
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	m.recordMetric("sessions_revoked", nil)
	return nil
}

// RevokeCaller bumps the caller-scope epoch, invalidating every session the
// caller created before this call across all instances. Returns the new epoch.
func (m *Manager) RevokeCaller(ctx context.Context, scope sessions.CallerScope) (int64, error) {
	epoch, err := m.host.BumpEpoch(ctx, scope)
	if err != nil {
		return 0, err
	}
	m.recordMetric("callers_revoked", nil)
	return epoch, nil
}

// PutData stores a key/value enforcing per-value size.
func (m *Manager) PutData(ctx context.Context, sessionID, key string, value []byte) error {
	if len(value) > m.cfg.DataMaxValueBytes {
		m.recordMetric("session_data_put_rejected", map[string]string{"reason": "too_large"})
		return ErrDataTooLarge
	}
	if err := m.host.PutSessionData(ctx, sessionID, key, value); err != nil {
		m.recordMetric("session_data_put_rejected", map[string]string{"reason": "host"})
		return err
	}
	m.recordMetric("session_data_put", nil)
	return nil
}

func (m *Manager) GetData(ctx context.Context, sessionID, key string) ([]byte, error) {
	v, err := m.host.GetSessionData(ctx, sessionID, key)
	if err == nil {
		m.recordMetric("session_data_get", nil)
	}
	return v, err
}

func (m *Manager) DeleteData(ctx context.Context, sessionID, key string) error {
	if err := m.host.DeleteSessionData(ctx, sessionID, key); err != nil {
		return err
	}
	m.recordMetric("session_data_delete", nil)
	return nil
}

func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	if m.cfg.MinTTL > 0 && ttl < m.cfg.MinTTL {
		ttl = m.cfg.MinTTL
	}
	if m.cfg.MaxTTL > 0 && ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}
	return ttl
}

// maybeTouch debounces touch operations.
func (m *Manager) maybeTouch(sessionID string, now time.Time) {
	if m.cfg.TouchDebounce <= 0 {
		_ = m.host.TouchSession(context.Background(), sessionID)
		return
	}
	m.lastTouchMu.Lock()
	last := m.lastTouch[sessionID]
	if !last.IsZero() && now.Sub(last) < m.cfg.TouchDebounce {
		m.lastTouchMu.Unlock()
		m.recordMetric("sessions_touch_debounced", nil)
		return
	}
	m.lastTouch[sessionID] = now
	m.lastTouchMu.Unlock()
	// Fire-and-forget: best-effort
	go func() { _ = m.host.TouchSession(context.Background(), sessionID) }()
}

func (m *Manager) recordMetric(name string, tags map[string]string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IncCounter(name, tags)
	}
}
