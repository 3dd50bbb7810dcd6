package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ConderL/conder-blog-sub001/internal/chat"
	"github.com/ConderL/conder-blog-sub001/internal/geo"
	"github.com/ConderL/conder-blog-sub001/internal/messaging"
	"github.com/ConderL/conder-blog-sub001/internal/moderation"
	"github.com/ConderL/conder-blog-sub001/internal/presence"
	"github.com/ConderL/conder-blog-sub001/internal/ratelimit"
	"github.com/ConderL/conder-blog-sub001/internal/segment"
	"github.com/ConderL/conder-blog-sub001/internal/settings"
	"github.com/ConderL/conder-blog-sub001/internal/ws"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	if err := runMigrations(db, cfg.MigrationsDir); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- Redis (optional: settings, rate limiting) ---
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		cancel()
		defer rdb.Close()
	}

	// --- NATS (optional: audit events) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "chatserver"
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer natsClient.Close()
	}

	// --- Moderation ---
	words, err := moderation.LoadWords(cfg.WordsFile)
	if err != nil {
		log.Fatalf("failed to load sensitive words: %v", err)
	}
	segmenter := segment.New(cfg.ImageHosts)
	localFilter, err := moderation.NewLocalFilter(words, segmenter)
	if err != nil {
		log.Fatalf("failed to build local filter: %v", err)
	}

	censorClient := moderation.NewCensorClient(moderation.CensorConfig{
		TokenURL:     cfg.CensorTokenURL,
		CensorURL:    cfg.CensorURL,
		ClientID:     cfg.CensorClientID,
		ClientSecret: cfg.CensorClientSecret,
		Timeout:      cfg.CensorTimeout,
	})
	breaker := moderation.NewBreaker(moderation.BreakerConfig{
		MaxErrorCount:  cfg.BreakerMaxErrors,
		ErrorResetTime: cfg.BreakerResetTime,
		CheckInterval:  cfg.BreakerCheckInterval,
	}, censorClient.Configured())

	settingsStore := settings.NewStore(rdb, settings.Settings{
		RemoteModeration: cfg.RemoteModerationDefault,
		ManualReview:     cfg.ManualReviewDefault,
	})
	pipeline := moderation.NewPipeline(localFilter, censorClient, breaker, settingsStore)

	// --- Chat room ---
	registry := ws.NewRegistry()
	coordinator := chat.NewCoordinator(
		registry,
		presence.NewTracker(nil, cfg.DefaultAvatar),
		pipeline,
		chat.NewPostgresStore(db),
		settingsStore,
		geo.NewResolver(cfg.GeoURL, cfg.GeoTimeout),
		ratelimit.NewLimiter(rdb),
		auditOrNil(natsClient),
		cfg.AdminUserIDs,
	)

	dispatcher := ws.NewMessageDispatcher()
	coordinator.Bind(dispatcher)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}

	server := ws.NewServer(serverConfig, registry)
	server.SetOnConnect(coordinator.HandleConnect)
	server.SetOnMessage(dispatcher.Dispatch)
	server.SetOnDisconnect(coordinator.HandleDisconnect)

	log.Printf("chat server starting")
	log.Printf("  listen_addr:       %s", cfg.ListenAddr)
	log.Printf("  max_connections:   %d", cfg.MaxConnections)
	log.Printf("  words_file:        %s", cfg.WordsFile)
	log.Printf("  image_hosts:       %v", cfg.ImageHosts)
	log.Printf("  remote_moderation: configured=%v default=%v", censorClient.Configured(), cfg.RemoteModerationDefault)
	log.Printf("  redis:             %s", cfg.RedisAddr)
	log.Printf("  nats:              %s", cfg.NATSURL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
		return
	}

	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// runMigrations applies any pending schema migrations from dir.
func runMigrations(db *sql.DB, dir string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// auditOrNil avoids handing the coordinator a typed nil when NATS is not
// configured.
func auditOrNil(client *messaging.NATSClient) chat.AuditPublisher {
	if client == nil {
		return nil
	}
	return client
}
