// Command pickerd serves a directory of images as a media picker host over
// streaming HTTP. It indexes the media root into a local catalog, watches it
// for changes, and exposes the picker protocol plus thumbnail renditions and
// Prometheus metrics on one listener.
//
// Configuration comes from the environment; a .env file in the working
// directory is honored when present. PICKERD_MEDIA_ROOT and
// PICKERD_OIDC_ISSUER are required, everything else has a default.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/embedpick/picker-server-go/auth"
	"github.com/embedpick/picker-server-go/hooks"
	"github.com/embedpick/picker-server-go/mediastore"
	"github.com/embedpick/picker-server-go/metricsink"
	"github.com/embedpick/picker-server-go/pickerservice"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/sessions/memoryhost"
	"github.com/embedpick/picker-server-go/sessions/redishost"
	"github.com/embedpick/picker-server-go/streaminghttp"
)

var version = "dev"

type config struct {
	ListenAddr     string `env:"PICKERD_LISTEN_ADDR,default=127.0.0.1:8484"`
	PublicEndpoint string `env:"PICKERD_PUBLIC_ENDPOINT,default=http://127.0.0.1:8484/picker"`
	ServerName     string `env:"PICKERD_SERVER_NAME,default=pickerd"`

	MediaRoot string `env:"PICKERD_MEDIA_ROOT,required"`
	DataDir   string `env:"PICKERD_DATA_DIR"`
	PageSize  int    `env:"PICKERD_PAGE_SIZE,default=100"`
	Watch     bool   `env:"PICKERD_WATCH,default=true"`

	SessionBackend string        `env:"PICKERD_SESSION_BACKEND,default=memory"`
	SessionTTL     time.Duration `env:"PICKERD_SESSION_TTL,default=30m"`

	OIDCIssuer   string `env:"PICKERD_OIDC_ISSUER,required"`
	OIDCAudience string `env:"PICKERD_OIDC_AUDIENCE"`

	LogLevel  string `env:"PICKERD_LOG_LEVEL,default=info"`
	LogFormat string `env:"PICKERD_LOG_FORMAT,default=json"`

	ShutdownGrace time.Duration `env:"PICKERD_SHUTDOWN_GRACE,default=10s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("pickerd.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var host sessions.SessionHost
	switch cfg.SessionBackend {
	case "memory":
		host = memoryhost.New()
	case "redis":
		rh, err := redishost.NewFromEnv()
		if err != nil {
			return fmt.Errorf("redis session host: %w", err)
		}
		defer rh.Close()
		host = rh
	default:
		return fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}

	storeOpts := []mediastore.Option{
		mediastore.WithPageSize(cfg.PageSize),
		mediastore.WithLogger(log),
	}
	if cfg.DataDir != "" {
		storeOpts = append(storeOpts, mediastore.WithDatabasePath(filepath.Join(cfg.DataDir, "index.db")))
	}
	store, err := mediastore.Open(ctx, cfg.MediaRoot, storeOpts...)
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}
	defer store.Close()

	stats, err := store.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan media root: %w", err)
	}
	log.Info("media.scan.done",
		slog.Int("added", stats.Added),
		slog.Int("updated", stats.Updated),
		slog.Int("removed", stats.Removed),
		slog.Duration("dur", stats.Duration))
	if cfg.Watch {
		if err := store.Watch(ctx); err != nil {
			return fmt.Errorf("watch media root: %w", err)
		}
	}

	selection := pickerservice.NewSelectionContainer(store)
	caps := pickerservice.NewHost(
		pickerservice.WithHostInfo(pickerservice.StaticHostInfo(cfg.ServerName, version)),
		pickerservice.WithMediaCapability(store),
		pickerservice.WithAlbumsCapability(store),
		pickerservice.WithSelectionCapability(selection),
	)

	audience := cfg.OIDCAudience
	if audience == "" {
		audience = cfg.PublicEndpoint
	}
	sec, err := auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, audience, auth.WithLeeway(2*time.Minute))
	if err != nil {
		return fmt.Errorf("oidc discovery: %w", err)
	}

	metrics := metricsink.NewPrometheus(metricsink.WithNamespace("pickerd"))

	h, err := streaminghttp.New(ctx, cfg.PublicEndpoint, host, caps, sec,
		streaminghttp.WithServerName(cfg.ServerName),
		streaminghttp.WithLogger(log),
		streaminghttp.WithHooks(auditHooks(log)),
		streaminghttp.WithMetrics(metrics),
		streaminghttp.WithSessionTTL(cfg.SessionTTL),
	)
	if err != nil {
		return fmt.Errorf("picker handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /thumbs/{item...}", requireBearer(sec, cfg.ServerName, thumbnailHandler(store, log)))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts descend from the signal context so long-lived
		// event streams unwind when shutdown starts.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("pickerd.listening",
		slog.String("addr", cfg.ListenAddr),
		slog.String("endpoint", cfg.PublicEndpoint),
		slog.String("media_root", cfg.MediaRoot),
		slog.String("session_backend", cfg.SessionBackend),
		slog.String("version", version))

	select {
	case <-ctx.Done():
		stop()
		log.Info("pickerd.shutdown", slog.Duration("grace", cfg.ShutdownGrace))
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// auditHooks logs session lifecycle transitions and committed selections.
func auditHooks(log *slog.Logger) hooks.Hooks {
	return hooks.Funcs{
		SessionOpened: func(ctx context.Context, info hooks.SessionInfo) {
			log.InfoContext(ctx, "audit.session.opened",
				slog.String("sess", info.SessionID),
				slog.String("pkg", info.PackageName),
				slog.Int64("uid", info.UID),
				slog.String("action", string(info.Action)))
		},
		SessionClosed: func(ctx context.Context, info hooks.SessionInfo) {
			log.InfoContext(ctx, "audit.session.closed",
				slog.String("sess", info.SessionID),
				slog.String("pkg", info.PackageName),
				slog.Int64("uid", info.UID))
		},
		SelectionCommitted: func(ctx context.Context, info hooks.CommitInfo) {
			log.InfoContext(ctx, "audit.selection.committed",
				slog.String("sess", info.SessionID),
				slog.String("pkg", info.PackageName),
				slog.Int("uris", len(info.URIs)),
				slog.Bool("acked", info.Acked))
		},
	}
}

// requireBearer guards a route with the same access tokens the picker
// endpoint accepts.
func requireBearer(a auth.Authenticator, realm string, next http.Handler) http.Handler {
	challenge := fmt.Sprintf("Bearer realm=%q", realm)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const bearerPrefix = "Bearer "
		hdr := r.Header.Get("Authorization")
		if !strings.HasPrefix(hdr, bearerPrefix) || len(hdr) <= len(bearerPrefix) {
			w.Header().Set("WWW-Authenticate", challenge)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := a.CheckAuthentication(r.Context(), hdr[len(bearerPrefix):]); err != nil {
			w.Header().Set("WWW-Authenticate", challenge+`, error="invalid_token"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// thumbnailHandler serves the JPEG renditions referenced by item
// ThumbnailURI values.
func thumbnailHandler(store *mediastore.Store, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := store.ThumbnailPath(r.Context(), r.PathValue("item"))
		switch {
		case err == nil:
		case errors.Is(err, pickerservice.ErrItemNotFound), errors.Is(err, mediastore.ErrNoThumbnail):
			http.NotFound(w, r)
			return
		default:
			log.ErrorContext(r.Context(), "thumbs.render.fail", slog.String("err", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.ServeFile(w, r, p)
	})
}
