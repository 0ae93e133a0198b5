package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/ai"
	"github.com/marha-hwang/ktb-BootcampChat/internal/auth"
	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/config"
	"github.com/marha-hwang/ktb-BootcampChat/internal/database"
	"github.com/marha-hwang/ktb-BootcampChat/internal/files"
	"github.com/marha-hwang/ktb-BootcampChat/internal/gateway"
	"github.com/marha-hwang/ktb-BootcampChat/internal/history"
	"github.com/marha-hwang/ktb-BootcampChat/internal/messaging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/metrics"
	"github.com/marha-hwang/ktb-BootcampChat/internal/moderation"
	"github.com/marha-hwang/ktb-BootcampChat/internal/presence"
	"github.com/marha-hwang/ktb-BootcampChat/internal/ratelimit"
	"github.com/marha-hwang/ktb-BootcampChat/internal/realtime"
	"github.com/marha-hwang/ktb-BootcampChat/internal/rooms"
	"github.com/marha-hwang/ktb-BootcampChat/internal/server"
	"github.com/marha-hwang/ktb-BootcampChat/internal/sharedstore"
	"github.com/marha-hwang/ktb-BootcampChat/internal/storage/memstore"
	"github.com/marha-hwang/ktb-BootcampChat/internal/storage/mongostore"
	"github.com/marha-hwang/ktb-BootcampChat/internal/usercache"
	"github.com/marha-hwang/ktb-BootcampChat/internal/users"
)

// chatStore persists rooms and messages.
type chatStore interface {
	chat.RoomStore
	chat.MessageStore
}

type app struct {
	handler   http.Handler
	websocket *gateway.Handler
	streams   *ai.Orchestrator
	persister *messaging.Persister
	bridge    *realtime.NATSBridge
	closers   []func()
}

// shutdown stops accepting work and drains in dependency order: sockets,
// streams, then pending saves.
func (a *app) shutdown(ctx context.Context) error {
	a.websocket.Shutdown()
	var errs []error
	if a.streams != nil {
		errs = append(errs, a.streams.Shutdown(ctx))
	}
	errs = append(errs, a.persister.Stop(ctx))
	if a.bridge != nil {
		errs = append(errs, a.bridge.Close())
	}
	return errors.Join(errs...)
}

func (a *app) close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		a.closers[index]()
	}
}

type backends struct {
	shared   sharedstore.Store
	store    chatStore
	users    *users.Directory
	files    *files.Store
	checks   map[string]server.HealthCheck
	closers  []func()
	natsConn *nats.Conn
}

func (b *backends) close() {
	for index := len(b.closers) - 1; index >= 0; index-- {
		b.closers[index]()
	}
}

// openBackends connects the shared store, the chat store and the sqlite
// database. Empty addresses select the in-memory implementations.
func openBackends(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*backends, error) {
	opened := &backends{checks: make(map[string]server.HealthCheck)}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	opened.closers = append(opened.closers, func() { _ = sqlDB.Close() })
	opened.checks["sqlite"] = sqlDB.PingContext

	opened.users, err = users.NewDirectory(users.DirectoryConfig{Database: db})
	if err != nil {
		opened.close()
		return nil, err
	}
	opened.files, err = files.NewStore(db)
	if err != nil {
		opened.close()
		return nil, err
	}

	if appConfig.RedisAddress != "" {
		client, err := sharedstore.NewRedisClient(ctx, sharedstore.RedisConfig{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		if err != nil {
			opened.close()
			return nil, err
		}
		opened.closers = append(opened.closers, func() { _ = client.Close() })
		opened.checks["redis"] = redisCheck(client)
		opened.shared = sharedstore.NewRedis(client)
		logger.Info("shared store connected", zap.String("backend", "redis"), zap.String("address", appConfig.RedisAddress))
	} else {
		opened.shared = sharedstore.NewMemory(time.Now)
		logger.Warn("shared store kept in memory; state is not shared between nodes")
	}

	if appConfig.MongoURI != "" {
		client, err := mongostore.Connect(ctx, mongostore.Config{
			URI:         appConfig.MongoURI,
			Database:    appConfig.MongoDatabase,
			MaxPoolSize: appConfig.MongoMaxPoolSize,
		})
		if err != nil {
			opened.close()
			return nil, err
		}
		opened.closers = append(opened.closers, func() { _ = client.Disconnect(context.Background()) })
		opened.checks["mongo"] = mongoCheck(client)
		store := mongostore.New(client.Database(appConfig.MongoDatabase))
		if err := store.EnsureIndexes(ctx); err != nil {
			opened.close()
			return nil, err
		}
		opened.store = store
		logger.Info("chat store connected", zap.String("backend", "mongo"), zap.String("database", appConfig.MongoDatabase))
	} else {
		opened.store = memstore.New()
		logger.Warn("rooms and messages kept in memory")
	}

	if appConfig.NATSURL != "" {
		conn, err := realtime.ConnectNATS(realtime.NATSConfig{URL: appConfig.NATSURL, Name: "chat-server"})
		if err != nil {
			opened.close()
			return nil, err
		}
		opened.closers = append(opened.closers, conn.Close)
		opened.checks["nats"] = natsCheck(conn)
		opened.natsConn = conn
		logger.Info("fan-out bus connected", zap.String("url", appConfig.NATSURL))
	}

	return opened, nil
}

func buildApp(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*app, error) {
	opened, err := openBackends(ctx, appConfig, logger)
	if err != nil {
		return nil, err
	}
	built, err := wire(appConfig, opened, logger)
	if err != nil {
		opened.close()
		return nil, err
	}
	built.closers = append(built.closers, opened.closers...)
	return built, nil
}

func wire(appConfig config.AppConfig, opened *backends, logger *zap.Logger) (*app, error) {
	collectors := metrics.New()
	ids := chat.NewUUIDProvider()

	hub := realtime.NewHub()
	var publisher realtime.Publisher = hub
	var bridge *realtime.NATSBridge
	var deadLetters *messaging.DeadLetterPublisher
	if opened.natsConn != nil {
		var err error
		bridge, err = realtime.NewNATSBridge(realtime.BridgeConfig{
			Conn:          opened.natsConn,
			Hub:           hub,
			SubjectPrefix: appConfig.NATSSubjectPrefix,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		if err := bridge.Start(); err != nil {
			return nil, err
		}
		publisher = bridge
		deadLetters, err = messaging.NewDeadLetterPublisher(opened.natsConn, appConfig.NATSDeadLetterSubject, logger)
		if err != nil {
			return nil, err
		}
	}

	tokens, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return nil, err
	}
	sessions, err := auth.NewSessionStore(auth.SessionStoreConfig{Store: opened.shared, TTL: appConfig.SessionTTL})
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{Store: opened.shared, Action: "chat-message"})
	if err != nil {
		return nil, err
	}
	userCache, err := usercache.New(usercache.Config{
		Store:  opened.shared,
		Users:  opened.users,
		TTL:    appConfig.UserCacheTTL,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	registry := presence.NewRegistry(opened.shared)
	membership := presence.NewMembershipIndex(opened.shared)

	persisterConfig := messaging.PersisterConfig{
		Saver:      opened.store,
		Workers:    appConfig.PersistWorkers,
		QueueSize:  appConfig.PersistQueueSize,
		MaxRetries: appConfig.PersistMaxRetries,
		RetryDelay: appConfig.PersistRetryDelay,
		Failures:   collectors.PersistFailures,
		Logger:     logger,
	}
	if deadLetters != nil {
		persisterConfig.OnFailure = deadLetters
	}
	persister, err := messaging.NewPersister(persisterConfig)
	if err != nil {
		return nil, err
	}
	if err := persister.Start(context.Background()); err != nil {
		return nil, err
	}

	var orchestrator *ai.Orchestrator
	if appConfig.OpenAIAPIKey != "" {
		llm, err := ai.NewOpenAIClient(ai.OpenAIConfig{
			APIKey:  appConfig.OpenAIAPIKey,
			BaseURL: appConfig.OpenAIBaseURL,
			Model:   appConfig.OpenAIModel,
		})
		if err != nil {
			return nil, err
		}
		orchestrator, err = ai.NewOrchestrator(ai.Config{
			Publisher: publisher,
			Saver:     opened.store,
			LLM:       llm,
			IDs:       ids,
			Observer:  collectors,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("openai api key not configured; AI mentions are ignored")
	}

	loader, err := history.NewLoader(history.Config{
		Messages: opened.store,
		Users:    userCache,
		Files:    opened.files,
		PageSize: appConfig.HistoryPageSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	coordinatorConfig := rooms.Config{
		Rooms:      opened.store,
		Messages:   opened.store,
		Users:      userCache,
		Membership: membership,
		Hub:        hub,
		Publisher:  publisher,
		History:    loader,
		IDs:        ids,
		Logger:     logger,
	}
	dispatcherConfig := messaging.DispatcherConfig{
		Sessions:   sessions,
		Limiter:    limiter,
		Rooms:      opened.store,
		Users:      userCache,
		Files:      opened.files,
		Filter:     moderation.NewFilter(appConfig.BannedWords),
		Persist:    persister,
		Publisher:  publisher,
		Observer:   collectors,
		IDs:        ids,
		RateLimit:  appConfig.RateLimit,
		RateWindow: appConfig.RateWindow,
		Logger:     logger,
	}
	if orchestrator != nil {
		coordinatorConfig.Streams = orchestrator
		dispatcherConfig.Streams = orchestrator
	}
	coordinator, err := rooms.NewCoordinator(coordinatorConfig)
	if err != nil {
		return nil, err
	}
	dispatcher, err := messaging.NewDispatcher(dispatcherConfig)
	if err != nil {
		return nil, err
	}
	interactions, err := messaging.NewInteractions(messaging.InteractionsConfig{
		Messages:  opened.store,
		Rooms:     opened.store,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	sessionGateway, err := gateway.New(gateway.Config{
		Tokens:              tokens,
		Sessions:            sessions,
		Users:               userCache,
		Registry:            registry,
		Membership:          membership,
		Rooms:               coordinator,
		Hub:                 hub,
		Publisher:           publisher,
		Observer:            collectors,
		DuplicateLoginGrace: appConfig.DuplicateLoginGrace,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	router, err := gateway.NewRouter(gateway.RouterConfig{
		Dispatcher:   dispatcher,
		Interactions: interactions,
		Rooms:        coordinator,
		History:      loader,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	websocketHandler, err := gateway.NewHandler(gateway.HandlerConfig{
		Gateway:        sessionGateway,
		Router:         router,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		WebSocket:      websocketHandler,
		Metrics:        collectors.Handler(),
		HealthChecks:   opened.checks,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		handler:   handler,
		websocket: websocketHandler,
		streams:   orchestrator,
		persister: persister,
		bridge:    bridge,
	}, nil
}

func redisCheck(client *redis.Client) server.HealthCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func mongoCheck(client *mongo.Client) server.HealthCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	}
}

func natsCheck(conn *nats.Conn) server.HealthCheck {
	return func(context.Context) error {
		if status := conn.Status(); status != nats.CONNECTED {
			return fmt.Errorf("nats connection %s", status)
		}
		return nil
	}
}
