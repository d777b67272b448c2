package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dukerupert/ridealong/internal/auth"
	"github.com/dukerupert/ridealong/internal/changefeed"
	"github.com/dukerupert/ridealong/internal/config"
	"github.com/dukerupert/ridealong/internal/database"
	"github.com/dukerupert/ridealong/internal/dispatch"
	"github.com/dukerupert/ridealong/internal/events"
	"github.com/dukerupert/ridealong/internal/handler"
	"github.com/dukerupert/ridealong/internal/kv"
	"github.com/dukerupert/ridealong/internal/logging"
	"github.com/dukerupert/ridealong/internal/middleware"
	"github.com/dukerupert/ridealong/internal/notification"
	"github.com/dukerupert/ridealong/internal/push"
	"github.com/dukerupert/ridealong/internal/reminder"
	"github.com/dukerupert/ridealong/internal/server"
	"github.com/dukerupert/ridealong/internal/source/postgrest"
	"github.com/dukerupert/ridealong/internal/store"
	ws "github.com/dukerupert/ridealong/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The SQLite database always holds push subscriptions and permissions.
	db, err := database.Open(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	checks := map[string]handler.Pinger{"sqlite": db.PingContext}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	storage, closeStorage, err := openStorage(ctx, cfg, db, rdb, checks)
	if err != nil {
		logger.Error("failed to open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStorage()

	pushStore := store.NewPushStore(db)
	hub := ws.NewHub(logger.With("component", "hub"))

	// Leave background nil unless VAPID keys are configured; a nil
	// *push.WebPush would be a non-nil Channel.
	var background push.Channel
	if cfg.PushEnabled() {
		background = push.NewWebPush(pushStore, push.WebPushConfig{
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber:      cfg.Push.Subscriber,
		}, logger)
	} else {
		logger.Warn("VAPID keys not set, background push disabled")
	}
	gateway := push.NewGateway(pushStore, background, hub, logger)

	records := notification.NewStore(storage, logger)
	markers := reminder.NewMarkerStore(storage, logger)
	dispatcher := dispatch.New(records, gateway, logger)

	var (
		source reminder.Source
		rides  handler.RideLookup
	)
	switch cfg.Source.Driver {
	case "postgrest":
		c := postgrest.New(postgrest.Config{
			BaseURL:       cfg.Source.URL,
			APIKey:        cfg.Source.APIKey,
			RatePerSecond: cfg.Source.RatePerSecond,
			Burst:         cfg.Source.Burst,
			MaxFailures:   cfg.Source.MaxFailures,
			OpenTimeout:   cfg.Source.OpenTimeout,
		}, logger)
		source, rides = c, c
	default:
		rs := store.NewRideStore(db)
		source, rides = rs, rs
	}

	pool := reminder.NewPool(ctx, func() *reminder.Scheduler {
		return reminder.New(source, records, gateway, markers, reminder.Config{
			PollInterval: cfg.Scheduler.PollInterval,
			Lookahead:    cfg.Scheduler.Lookahead,
			FetchTimeout: cfg.Scheduler.FetchTimeout,
		}, logger)
	})
	defer pool.Close()

	if rdb != nil {
		feed := changefeed.New(rdb, cfg.Redis.Channel, records, logger)
		records.OnMutation(feed.Publish)
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Error("change feed stopped", "error", err)
			}
		}()
	}

	if cfg.Kafka.Enabled {
		consumer := events.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID,
			events.NewHandler(dispatcher, logger), logger)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("event consumer stopped", "error", err)
			}
		}()
	}

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}
	if cfg.Auth.DevHeader {
		logger.Warn("trusting identity header, do not use in production", "header", middleware.DevUserHeader)
	}

	deps := server.Deps{
		Records:        records,
		Dispatcher:     dispatcher,
		Gateway:        gateway,
		Hub:            hub,
		Subscriptions:  pushStore,
		Rides:          rides,
		Schedulers:     pool,
		VAPIDPublicKey: cfg.Push.VAPIDPublicKey,
		DevHeader:      cfg.Auth.DevHeader,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Health:         checks,

		DispatchPerMinute: cfg.Server.DispatchPerMinute,
		DispatchBurst:     cfg.Server.DispatchBurst,
	}
	if verifier != nil {
		deps.Verifier = verifier
	}
	srv := server.New(deps, logger)

	cleanupStop := make(chan struct{})
	defer close(cleanupStop)
	go srv.CleanupLoop(cleanupStop)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("ridealong running", "addr", "http://localhost:"+cfg.Server.Port,
			"storage", cfg.Storage.Driver, "source", cfg.Source.Driver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// openStorage builds the kv backend for notification records and reminder markers.
func openStorage(ctx context.Context, cfg *config.Config, db *sql.DB, rdb *redis.Client, checks map[string]handler.Pinger) (kv.Storage, func(), error) {
	noop := func() {}

	switch cfg.Storage.Driver {
	case "redis":
		return store.NewRedisKV(rdb, "ridealong:"), noop, nil
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Storage.MongoURI))
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			client.Disconnect(context.Background())
			return nil, nil, err
		}
		checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		coll := client.Database(cfg.Storage.MongoDB).Collection(cfg.Storage.MongoColl)
		return store.NewMongoKV(coll), func() { client.Disconnect(context.Background()) }, nil
	case "memory":
		return kv.NewMemory(), noop, nil
	default:
		return store.NewKVStore(db), noop, nil
	}
}
