package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/api"
	"github.com/whisper/randomchat/internal/auth"
	"github.com/whisper/randomchat/internal/ban"
	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/config"
	"github.com/whisper/randomchat/internal/engine"
	"github.com/whisper/randomchat/internal/logger"
	"github.com/whisper/randomchat/internal/messaging"
	"github.com/whisper/randomchat/internal/ratelimit"
	"github.com/whisper/randomchat/internal/report"
	"github.com/whisper/randomchat/internal/session"
	"github.com/whisper/randomchat/internal/ws"
)

// eventBus carries engine events to the process holding the user's socket.
type eventBus interface {
	Notify(userID string, ev chat.Event) error
	SubscribeUser(userID string, handler func(chat.Event)) error
	UnsubscribeUser(userID string) error
}

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		log.Fatal("failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	// --- NATS ---
	var (
		bus        eventBus
		natsClient *messaging.NATSClient
		localBus   *messaging.LocalBus
	)
	if cfg.NATSURL == "local" {
		log.Warn("NATS disabled, events are delivered in-process only")
		localBus = messaging.NewLocalBus()
		bus = localBus
	} else {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.String("url", cfg.NATSURL), zap.Error(err))
		}
		bus = natsClient
	}

	// --- Reports ---
	var (
		reports report.Store
		db      *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to open database", zap.Error(err))
		}
		if err := db.Ping(); err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		if err := report.Migrate(db); err != nil {
			log.Fatal("failed to run migrations", zap.Error(err))
		}
		reports = report.NewPostgresStore(db)
	} else {
		log.Warn("DATABASE_URL not set, reports are kept in memory")
		reports = report.NewMemoryStore()
	}

	eng := engine.New(engine.Config{
		IdleTimeout:   cfg.IdleTimeout,
		QueueMaxWait:  cfg.QueueMaxWait,
		Retention:     cfg.SessionRetention,
		SweepInterval: cfg.SweepInterval,
		ScanLimit:     cfg.LanguageScanLimit,
	}, engine.Deps{
		Sessions: session.NewStore(session.NewRedisArchive(rdb, session.ArchiveTTL)),
		Reports:  reports,
		Notifier: bus,
		Bans:     ban.NewStore(rdb),
		Logger:   log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	tokens := auth.NewVerifier(cfg.JWTSecret, cfg.JWTExpiration)
	limiter := ratelimit.NewLimiter(rdb, log)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ServerName = cfg.ServerName
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	wsServer, err := ws.NewServer(wsConfig, ws.Deps{
		Engine:  eng,
		Auth:    tokens,
		Events:  bus,
		Limiter: limiter,
		Logger:  log,
	})
	if err != nil {
		log.Fatal("failed to create WebSocket server", zap.Error(err))
	}
	wsServer.Start()

	router := api.NewRouter(api.Deps{
		Engine:      eng,
		Auth:        tokens,
		Limiter:     limiter,
		WebSocket:   wsServer,
		Connections: wsServer.Connections().Count,
		Logger:      log,
		Production:  cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("randomchat server starting",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("server_name", cfg.ServerName),
		zap.String("env", cfg.Env),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.Bool("postgres", db != nil),
		zap.Int("worker_pool", wsConfig.WorkerPoolSize),
		zap.Int("max_connections", wsConfig.MaxConnections),
		zap.Duration("idle_timeout", cfg.IdleTimeout),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", zap.Error(err))
	}
	wsServer.Shutdown()

	if natsClient != nil {
		natsClient.Close()
	}
	if localBus != nil {
		localBus.Close()
	}
	if err := rdb.Close(); err != nil {
		log.Error("redis close error", zap.Error(err))
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Error("database close error", zap.Error(err))
		}
	}
	log.Info("shutdown complete")
}
