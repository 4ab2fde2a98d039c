package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/embedpick/picker-server-go/sessions"
)

// Config for the Redis-backed SessionHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=picker:sessions:"`
	// StreamMaxLen bounds per-stream growth (approximate trim). ENV: SESSIONS_STREAM_MAXLEN
	StreamMaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=4096"`
}

type Host struct {
	client       *redis.Client
	keyPrefix    string
	streamMaxLen int64
}

// Option customizes a Host.
type Option func(*Host)

// WithKeyPrefix overrides the key prefix applied to every key the host writes.
func WithKeyPrefix(prefix string) Option { return func(h *Host) { h.keyPrefix = prefix } }

// WithStreamMaxLen overrides the approximate per-stream length cap.
func WithStreamMaxLen(n int64) Option { return func(h *Host) { h.streamMaxLen = n } }

func New(addr string, opts ...Option) (*Host, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	h := &Host{
		client:       redis.NewClient(&redis.Options{Addr: addr}),
		keyPrefix:    "picker:sessions:",
		streamMaxLen: 4096,
	}
	for _, o := range opts {
		o(h)
	}
	if err := h.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return h, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	// Use envdecode; defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg.RedisAddr, WithKeyPrefix(cfg.KeyPrefix), WithStreamMaxLen(cfg.StreamMaxLen))
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) metaKey(sessionID string) string   { return h.keyPrefix + "meta:" + sessionID }
func (h *Host) dataKey(sessionID string) string   { return h.keyPrefix + "data:" + sessionID }
func (h *Host) eventsKey(topic string) string     { return h.keyPrefix + "events:" + topic }
func (h *Host) epochKey(scope sessions.CallerScope) string {
	return h.keyPrefix + "epoch:" + scope.PackageName + "|" + strconv.FormatInt(scope.UID, 10)
}
func (h *Host) awaitKey(sessionID, corr string) string {
	return h.keyPrefix + "await:" + sessionID + ":" + corr
}
func (h *Host) replyKey(sessionID, corr string) string {
	return h.keyPrefix + "reply:" + sessionID + ":" + corr
}

// --- Messaging via Redis Streams ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(sessionID),
		MaxLen: h.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		start = "$"
	} // start from next message

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: 500 * time.Millisecond}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, st := range res {
			for _, m := range st.Messages {
				start = m.ID
				if err := handler(ctx, m.ID, decodeStreamPayload(m.Values["d"])); err != nil {
					return err
				}
			}
		}
	}
}

func decodeStreamPayload(v interface{}) []byte {
	// Robust payload decoding: accept string or []byte
	switch p := v.(type) {
	case string:
		return []byte(p)
	case []byte:
		return p
	default:
		// Fallback: best-effort formatting
		return []byte(fmt.Sprintf("%v", p))
	}
}

// --- Events via topic streams ---

func (h *Host) PublishEvent(ctx context.Context, topic string, payload []byte) error {
	return h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.eventsKey(topic),
		MaxLen: h.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"d": payload},
	}).Err()
}

func (h *Host) SubscribeEvents(ctx context.Context, topic string, handler sessions.EventHandlerFunction) error {
	key := h.eventsKey(topic)

	// Resolve the current stream tail before returning so that events
	// published after this call completes are never missed.
	start := "0-0"
	tail, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if len(tail) > 0 {
		start = tail[0].ID
	}

	go func() {
		cursor := start
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, cursor}, Count: 16, Block: 500 * time.Millisecond}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err == redis.Nil {
					continue
				}
				// Transient failure; back off briefly instead of spinning.
				select {
				case <-ctx.Done():
					return
				case <-time.After(250 * time.Millisecond):
				}
				continue
			}
			for _, st := range res {
				for _, m := range st.Messages {
					cursor = m.ID
					if err := handler(ctx, decodeStreamPayload(m.Values["d"])); err != nil {
						return
					}
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
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	win, alive := metaWindow(meta, time.Now())
	if !alive {
		return fmt.Errorf("session %s already expired", meta.SessionID)
	}
	ok, err := h.client.SetNX(ctx, h.metaKey(meta.SessionID), b, win).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s already exists", meta.SessionID)
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	b, err := h.client.Get(ctx, h.metaKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, err
	}
	var meta sessions.SessionMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	// Key expiry enforces the sliding idle window; the hard lifetime cap is
	// checked in-band because touches keep extending the key.
	if meta.MaxLifetime > 0 && time.Now().After(meta.CreatedAt.Add(meta.MaxLifetime)) {
		_ = h.DeleteSession(ctx, sessionID)
		return nil, sessions.ErrSessionNotFound
	}
	return &meta, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(*sessions.SessionMetadata) error) error {
	key := h.metaKey(sessionID)
	for attempt := 0; attempt < 5; attempt++ {
		err := h.client.Watch(ctx, func(tx *redis.Tx) error {
			b, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return sessions.ErrSessionNotFound
				}
				return err
			}
			var meta sessions.SessionMetadata
			if err := json.Unmarshal(b, &meta); err != nil {
				return fmt.Errorf("decode session metadata: %w", err)
			}
			if err := fn(&meta); err != nil {
				return err
			}
			meta.UpdatedAt = time.Now().UTC()
			nb, err := json.Marshal(&meta)
			if err != nil {
				return fmt.Errorf("encode session metadata: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, redis.KeepTTL)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: too many concurrent metadata updates", sessionID)
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	// Sliding the key TTL is what enforces the idle window here; the stored
	// LastAccess field is not rewritten on every touch.
	meta, err := h.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	win, alive := metaWindow(meta, time.Now())
	if !alive {
		_ = h.DeleteSession(ctx, sessionID)
		return sessions.ErrSessionNotFound
	}
	if win <= 0 {
		return nil // no expiry configured
	}
	pipe := h.client.Pipeline()
	pipe.PExpire(ctx, h.metaKey(sessionID), win)
	pipe.PExpire(ctx, h.dataKey(sessionID), win)
	_, err = pipe.Exec(ctx)
	return err
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	// Best-effort delete keys related to this session
	c := context.WithoutCancel(ctx)
	_, _ = h.client.Del(c, h.metaKey(sessionID), h.dataKey(sessionID), h.streamKey(sessionID)).Result()
	// Best-effort: delete any pending awaits/replies for this session
	// Note: SCAN is used to avoid blocking; ignore errors.
	_ = h.deleteByPattern(c, h.keyPrefix+"await:"+sessionID+":*")
	_ = h.deleteByPattern(c, h.keyPrefix+"reply:"+sessionID+":*")
	return nil
}

// metaWindow computes how long the stored record may live from now,
// combining the sliding TTL with the remaining hard lifetime. A zero window
// with alive=true means no expiry is configured.
func metaWindow(m *sessions.SessionMetadata, now time.Time) (win time.Duration, alive bool) {
	if m.TTL > 0 {
		win = m.TTL
	}
	if m.MaxLifetime > 0 {
		rem := m.CreatedAt.Add(m.MaxLifetime).Sub(now)
		if rem <= 0 {
			return 0, false
		}
		if win == 0 || rem < win {
			win = rem
		}
	}
	return win, true
}

// --- Per-session KV ---

func (h *Host) PutSessionData(ctx context.Context, sessionID, key string, value []byte) error {
	pttl, err := h.sessionWindow(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := h.client.TxPipeline()
	pipe.HSet(ctx, h.dataKey(sessionID), key, value)
	if pttl > 0 {
		// Keep the KV hash from outliving its session record.
		pipe.PExpire(ctx, h.dataKey(sessionID), pttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (h *Host) GetSessionData(ctx context.Context, sessionID, key string) ([]byte, error) {
	if _, err := h.sessionWindow(ctx, sessionID); err != nil {
		return nil, err
	}
	v, err := h.client.HGet(ctx, h.dataKey(sessionID), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (h *Host) DeleteSessionData(ctx context.Context, sessionID, key string) error {
	if _, err := h.sessionWindow(ctx, sessionID); err != nil {
		return err
	}
	return h.client.HDel(ctx, h.dataKey(sessionID), key).Err()
}

// sessionWindow verifies the session record exists and returns its remaining
// TTL (zero when the record does not expire).
func (h *Host) sessionWindow(ctx context.Context, sessionID string) (time.Duration, error) {
	pttl, err := h.client.PTTL(ctx, h.metaKey(sessionID)).Result()
	if err != nil {
		return 0, err
	}
	switch {
	case pttl == -2: // missing key
		return 0, sessions.ErrSessionNotFound
	case pttl < 0: // exists without expiry
		return 0, nil
	default:
		return pttl, nil
	}
}

// --- Epoch fencing ---

func (h *Host) BumpEpoch(ctx context.Context, scope sessions.CallerScope) (int64, error) {
	c := context.WithoutCancel(ctx)
	n, err := h.client.Incr(c, h.epochKey(scope)).Result()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (h *Host) GetEpoch(ctx context.Context, scope sessions.CallerScope) (int64, error) {
	cmd := h.client.Get(ctx, h.epochKey(scope))
	if err := cmd.Err(); err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	n, err := cmd.Int64()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Interface compliance
var _ sessions.SessionHost = (*Host)(nil)

// --- Helpers ---

func (h *Host) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := h.client.Scan(ctx, cursor, pattern, 50).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			_, _ = h.client.Del(ctx, keys...).Result()
		}
		if cur == 0 {
			return nil
		}
		cursor = cur
	}
}

// --- Await/Fulfill using SETNX/BLPOP and Lua for atomicity ---

type redisAwaiter struct {
	h           *Host
	sessionID   string
	correlation string
}

func (a *redisAwaiter) Recv(ctx context.Context) ([]byte, error) {
	list := a.h.replyKey(a.sessionID, a.correlation)
	for {
		// Use BLPop with context deadline; go-redis respects ctx. Short
		// cycles keep cancellation and expiry detection prompt.
		res, err := a.h.client.BLPop(ctx, 1*time.Second, list).Result()
		if err != nil {
			if err == redis.Nil {
				// Poll cycle elapsed. If the await marker is gone the request
				// was fulfilled or canceled; drain the list once to tell the
				// two apart before giving up.
				n, eerr := a.h.client.Exists(ctx, a.h.awaitKey(a.sessionID, a.correlation)).Result()
				if eerr == nil && n == 0 {
					if v, lerr := a.h.client.LPop(ctx, list).Result(); lerr == nil {
						return []byte(v), nil
					}
					return nil, sessions.ErrAwaitCanceled
				}
				continue
			}
			if ctx.Err() != nil {
				// best-effort cancel
				_ = a.Cancel(context.Background())
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(res) == 2 {
			// res[0] is list name; res[1] is data
			return []byte(res[1]), nil
		}
	}
}

func (a *redisAwaiter) Cancel(ctx context.Context) error {
	// Delete the await marker and reply list
	key := a.h.awaitKey(a.sessionID, a.correlation)
	list := a.h.replyKey(a.sessionID, a.correlation)
	_, _ = a.h.client.Del(ctx, key, list).Result()
	return nil
}

func (h *Host) BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := h.awaitKey(sessionID, correlationID)
	// SETNX with TTL via SET key value NX EX ttl
	ok, err := h.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessions.ErrAwaitExists
	}
	return &redisAwaiter{h: h, sessionID: sessionID, correlation: correlationID}, nil
}

var fulfillScript = redis.NewScript(`
local await = KEYS[1]
local list = KEYS[2]
local payload = ARGV[1]
if redis.call('EXISTS', await) == 1 then
  redis.call('RPUSH', list, payload)
  redis.call('DEL', await)
  redis.call('EXPIRE', list, 60)
  return 1
end
return 0
`)

func (h *Host) Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (bool, error) {
	keys := []string{h.awaitKey(sessionID, correlationID), h.replyKey(sessionID, correlationID)}
	res, err := fulfillScript.Run(ctx, h.client, keys, data).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
