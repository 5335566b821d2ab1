package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"

	"docsync-server/auth"
	"docsync-server/config"
	"docsync-server/domain"
	"docsync-server/hub"
	"docsync-server/persist"
	"docsync-server/protocol"
	"docsync-server/store/memory"
	"docsync-server/store/redis"
	ws "docsync-server/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	docs, perms, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("store unavailable", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	identity, err := identityProvider(cfg)
	if err != nil {
		slog.Error("identity provider", "error", err)
		os.Exit(1)
	}

	bridge := persist.New(docs, persist.Config{
		Debounce:    cfg.PersistDebounce,
		MaxAttempts: cfg.PersistMaxAttempts,
		BaseDelay:   cfg.PersistBaseDelay,
		MaxDelay:    cfg.PersistMaxDelay,
	})
	registry := hub.New(docs, bridge, hub.Config{
		IdleTimeout: cfg.IdleTimeout,
		LoadTimeout: cfg.LoadTimeout,
	})
	handler := protocol.NewHandler(registry, perms)

	appCtx, stop := context.WithCancel(context.Background())
	defer stop()

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newRouter(appCtx, cfg, identity, handler, registry, bridge),
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "store", cfg.StoreBackend)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	stop()
	if err := registry.Shutdown(ctx); err != nil {
		slog.Error("session shutdown error", "error", err)
	}
	if err := bridge.Close(ctx); err != nil {
		slog.Error("persistence flush incomplete", "error", err)
	}
}

func setupLogger(name string) {
	level := slog.LevelInfo
	switch name {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func openStore(cfg *config.Config) (domain.DocumentStore, domain.PermissionOracle, func(), error) {
	if cfg.StoreBackend == config.BackendMemory {
		return memory.New(), memory.NewPermissions(cfg.Access()), func() {}, nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, err
	}

	s, err := redis.New(redis.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix})
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	return s, s.Permissions(cfg.Access()), func() { client.Close() }, nil
}

func identityProvider(cfg *config.Config) (domain.IdentityProvider, error) {
	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, accepting anonymous connections")
		return auth.Anonymous{}, nil
	}
	return auth.NewJWTProvider(cfg.JWTSecret, cfg.JWTLeeway)
}

func newRouter(ctx context.Context, cfg *config.Config, identity domain.IdentityProvider, handler *protocol.Handler, registry domain.SessionRegistry, bridge *persist.Bridge) *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(wsHandler(ctx, cfg, identity, handler))
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(healthHandler)
	r.Methods(http.MethodGet).Path("/stats").HandlerFunc(statsHandler(registry, bridge))
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		slog.Debug("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

func wsHandler(ctx context.Context, cfg *config.Config, identity domain.IdentityProvider, handler *protocol.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := identity.Verify(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			slog.Warn("rejected connection", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		wsConn := ws.NewConn(uuid.New().String(), user.UserID, conn, handler, ws.Options{
			SendQueueSize:  cfg.SendQueueSize,
			MaxMessageSize: cfg.MaxMessageSize,
		})
		slog.Info("client connected", "clientId", wsConn.ID(), "userId", user.UserID)
		wsConn.Start(ctx)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(registry domain.SessionRegistry, bridge *persist.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, subscribers := registry.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"sessions":      sessions,
			"subscribers":   subscribers,
			"pendingWrites": bridge.Pending(),
		})
	}
}
