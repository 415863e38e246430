package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime_chat/internal/api"
	"realtime_chat/internal/auth"
	"realtime_chat/internal/blob"
	"realtime_chat/internal/broker"
	"realtime_chat/internal/chats"
	"realtime_chat/internal/config"
	"realtime_chat/internal/logging"
	"realtime_chat/internal/membership"
	"realtime_chat/internal/notify"
	"realtime_chat/internal/outbox"
	"realtime_chat/internal/presence"
	"realtime_chat/internal/push"
	"realtime_chat/internal/realtime"
	"realtime_chat/internal/repository"
	"realtime_chat/internal/ws"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const mailCooldown = 10 * time.Minute

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	chatRepo := repository.NewChatRepository(db)
	if err := chatRepo.PingWithTimeout(5 * time.Second); err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	if cfg.Database.Migrate {
		if err := chatRepo.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate DB: %v", err)
		}
	}
	presenceRepo := presence.NewPostgresRepository(db)
	if n, err := presenceRepo.ClearNode(ctx, nodeID); err != nil {
		logger.Warn("Failed to clear stale sessions", "node", nodeID, "error", err)
	} else if n > 0 {
		logger.Info("Cleared stale sessions", "node", nodeID, "count", n)
	}

	// 3. Auth
	var verifier auth.Verifier
	var tokens api.TokenIssuer
	if cfg.Auth.JWKSURL != "" {
		jwks, err := auth.NewJWKSVerifier(ctx, cfg.Auth.JWKSURL, cfg.Auth.Issuer, logger)
		if err != nil {
			log.Fatalf("Failed to load JWKS: %v", err)
		}
		defer jwks.Close()
		verifier = jwks
	} else {
		hmac := auth.NewHMACVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		verifier = hmac
		tokens = hmac
	}
	authenticator := auth.NewAuthenticator(verifier, chatRepo)

	// 4. RabbitMQ
	var engineOpts []realtime.EngineOption
	var mqClient *broker.RabbitMQClient
	if cfg.Broker.Enabled {
		mqClient, err = broker.NewRabbitMQClient(cfg.Broker.AMQPURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer mqClient.Close()

		notifier := push.NewNotifier(mqClient, logger).WithPresence(presenceRepo)
		go notifier.Run(ctx)
		engineOpts = append(engineOpts, realtime.WithOfflineNotifier(notifier))

		if err := mqClient.BindQueue(notify.MailQueue, notify.RoutingKeyMail); err != nil {
			log.Fatalf("Failed to declare mail queue: %v", err)
		}
		pushWorker := push.NewWorker(mqClient, chatRepo, notify.NewQueueMailer(mqClient), mailCooldown, logger)
		go pushWorker.Start(ctx)
	}

	// 5. Realtime core
	registry := presence.NewRegistry()
	resolver := membership.NewResolver(chatRepo)
	engine := realtime.NewEngine(registry, logger, engineOpts...)
	manager := realtime.NewManager(registry, presence.NewOnlineSet(), resolver, engine, authenticator, logger).
		WithSessionLog(presenceRepo, nodeID)

	// 6. Message persistence
	var persister realtime.Persister = chatRepo
	if cfg.Ingest.Backend == config.BackendStream {
		if err := mqClient.ConnectStream(cfg.Broker.StreamURI); err != nil {
			log.Fatalf("Failed to connect to RabbitMQ streams: %v", err)
		}
		if err := mqClient.DeclareStream(cfg.Broker.PersistStream); err != nil {
			log.Fatalf("Failed to declare stream: %v", err)
		}
		streamPersister, err := outbox.NewStreamPersister(mqClient.StreamEnv, cfg.Broker.PersistStream, logger)
		if err != nil {
			log.Fatalf("Failed to create stream producer: %v", err)
		}
		defer streamPersister.Close()
		persister = streamPersister

		consumer := outbox.NewStreamConsumer(mqClient.StreamEnv, chatRepo, cfg.Broker.PersistStream, cfg.Ingest.PersistTimeout, logger)
		if err := consumer.Start(ctx); err != nil {
			log.Fatalf("Failed to start stream consumer: %v", err)
		}
	}

	blobs, err := blob.NewLocalStore(cfg.Blob.Dir, cfg.Blob.BaseURL, cfg.Blob.MaxSize)
	if err != nil {
		log.Fatalf("Failed to prepare blob store: %v", err)
	}

	ingestor := realtime.NewIngestor(resolver, engine, persister, blobs,
		realtime.PersistMode(cfg.Ingest.PersistMode), cfg.Ingest.PersistTimeout, logger)
	dispatcher := realtime.NewDispatcher(manager, ingestor, engine, logger)

	// 7. HTTP
	server := api.NewServer(api.Deps{
		Chats:          chats.NewService(chatRepo, engine, blobs, logger),
		Messages:       ingestor,
		Auth:           authenticator,
		Websocket:      ws.NewHandler(manager, dispatcher, cfg.Auth.CookieName, cfg.Server.AllowedOrigins, logger),
		Store:          chatRepo,
		Presence:       registry,
		Tokens:         tokens,
		Logger:         logger,
		CookieName:     cfg.Auth.CookieName,
		TokenTTL:       cfg.Auth.TokenTTL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		BlobDir:        blobs.Dir(),
		BlobURL:        cfg.Blob.BaseURL,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "addr", cfg.Server.Addr, "node", nodeID, "backend", cfg.Ingest.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	// hijacked websockets outlive Shutdown; close them, then let accepted
	// messages finish before the store goes away
	logger.Info("Closing websocket connections", "count", manager.CloseAll())
	ingestor.Shutdown()
	if _, err := presenceRepo.ClearNode(shutdownCtx, nodeID); err != nil {
		logger.Warn("Failed to clear sessions on shutdown", "error", err)
	}
}
