package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Okasha-Arshad/chitchat-backend/internal/metrics"
	"github.com/Okasha-Arshad/chitchat-backend/internal/presence"
	"github.com/Okasha-Arshad/chitchat-backend/internal/router"
	"github.com/Okasha-Arshad/chitchat-backend/internal/server/middleware"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/config"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/directory"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/registry"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/registry/memregistry"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    registry.Registry
	eventRouter *router.Router
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	// All live transports, bound or not, so shutdown can close them.
	connMu sync.Mutex
	conns  map[*transport.Connection]struct{}

	pgPool      *pgxpool.Pool
	redisClient *redis.Client

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		logger: logger,
		config: cfg,
		conns:  make(map[*transport.Connection]struct{}),
		ctx:    rootCtx,
	}

	dir, err := app.buildDirectoryClient(rootCtx, cfg.Directory)
	if err != nil {
		return nil, err
	}
	if cfg.Directory.Cache.Enabled {
		dir = directory.NewCached(dir, cfg.Directory.Cache.TTL, cfg.Directory.Cache.MaxEntries)
		logger.Info("membership cache enabled",
			slog.Duration("ttl", cfg.Directory.Cache.TTL),
			slog.Int("maxEntries", cfg.Directory.Cache.MaxEntries))
	}

	reg := memregistry.New(logger)
	m := metrics.New(prometheus.DefaultRegisterer)
	notifier := presence.NewNotifier(logger, reg, dir)
	app.registry = reg
	app.eventRouter = router.New(logger, reg, dir, notifier, m, cfg.Relay)

	mux := chi.NewRouter()
	mux.Use(
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
	)
	mux.Get("/healthz", app.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.With(
		middleware.NewConnectionLimiter(logger, reg.Len, cfg.Server.ConnectionLimit),
		middleware.NewAuthMiddleware(logger, cfg.Server.Auth),
	).Get("/ws", app.upgradeHandler)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

func (a *App) buildDirectoryClient(ctx context.Context, cfg config.DirectoryConfig) (directory.Client, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect directory store (postgres): %w", err)
		}
		a.pgPool = pool
		return directory.NewPostgres(pool), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.redisClient = client
		return directory.NewRedis(client, cfg.Redis.KeyPrefix), nil
	case "memory":
		a.logger.Warn("using in-memory directory store; group membership will be empty unless seeded")
		return directory.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Backend)
	}
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger
	if reqMeta != nil {
		connLogger = a.logger.With(slog.String("remoteAddr", reqMeta.IP))
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.Config(a.config.Transport),
		connLogger,
	)
	// The connection starts unauthenticated. It gains an identity only once
	// its first login envelope passes through the router.
	conn.SetOnMessageHandler(func(ctx context.Context, c *transport.Connection, msg []byte) {
		a.eventRouter.HandleMessage(ctx, c, msg)
	})
	conn.SetOnCloseHandler(func(c *transport.Connection, err error) {
		a.connMu.Lock()
		delete(a.conns, c)
		a.connMu.Unlock()
		a.eventRouter.HandleDisconnect(c)
	})

	a.connMu.Lock()
	a.conns[conn] = struct{}{}
	a.connMu.Unlock()

	conn.Run()
	<-conn.Done()
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": a.registry.Len(),
	})
}

// Shutdown runs the graceful shutdown sequence: stop accepting upgrades,
// close every live connection, then wait for their goroutines to drain.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// A shutdown error (e.g. the timeout firing) must not skip the rest of
	// the teardown: live connections and store clients still need closing.
	shutdownErr := a.http.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		a.logger.Error("HTTP server shutdown", slog.Any("error", shutdownErr))
	}

	a.logger.Info("Closing all active connections...")
	a.connMu.Lock()
	live := make([]*transport.Connection, 0, len(a.conns))
	for c := range a.conns {
		live = append(live, c)
	}
	a.connMu.Unlock()
	for _, c := range live {
		c.Close(fmt.Errorf("graceful shutdown"))
	}

	a.wg.Wait()

	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("closing redis client", slog.Any("error", err))
		}
	}
	a.logger.Info("Server shut down gracefully.")
	return shutdownErr
}
