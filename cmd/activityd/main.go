// Command activityd runs the activity and messaging core as a standalone
// background process: the Collection Scheduler's bucket collectors and the
// Push Delivery websocket endpoint. It has no REST/HTTP API surface of its
// own (spec.md's explicit Non-goal on routing) — the one HTTP listener it
// opens exists solely to perform the websocket upgrade handshake Push
// Delivery's duplex sockets require.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/joho/godotenv"

	"github.com/oaeproject/activity-core/pkg/aggregator"
	"github.com/oaeproject/activity-core/pkg/config"
	"github.com/oaeproject/activity-core/pkg/emitter"
	"github.com/oaeproject/activity-core/pkg/invitations"
	"github.com/oaeproject/activity-core/pkg/locking"
	"github.com/oaeproject/activity-core/pkg/messagebox"
	"github.com/oaeproject/activity-core/pkg/messagebox/urlrewrite"
	"github.com/oaeproject/activity-core/pkg/mqueue"
	"github.com/oaeproject/activity-core/pkg/push"
	"github.com/oaeproject/activity-core/pkg/registry"
	"github.com/oaeproject/activity-core/pkg/router"
	"github.com/oaeproject/activity-core/pkg/scheduler"
	"github.com/oaeproject/activity-core/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(ctx, storeConfigFrom(cfg.Database))
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()
	slog.Info("connected to PostgreSQL and applied migrations")

	locks := locking.New(locking.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer func() { _ = locks.Close() }()

	mq := mqueue.New(mqueue.Config{
		Addr:              cfg.Redis.Addr,
		Password:          cfg.Redis.Password,
		DB:                cfg.Redis.DB,
		VisibilityTimeout: cfg.Activity.CollectionExpiry,
		PrefetchCount:     cfg.Activity.MQPrefetchCount,
	})
	defer func() { _ = mq.Close() }()
	bucketQueue := scheduler.NewMQueueBucketQueue(mq)

	em := emitter.New()

	entities := registry.NewEntityRegistry()
	activities := registry.NewActivityRegistry()
	if err := registerMessageEntity(entities, st); err != nil {
		slog.Error("failed to register message entity type", "error", err)
		os.Exit(1)
	}
	if err := registerMessageSentActivity(activities); err != nil {
		slog.Error("failed to register message-sent activity type", "error", err)
		os.Exit(1)
	}

	signer := hmacSigner{key: cfg.Signing.Key}
	acl := selfOnlyACL{signer: signer}

	mb := messagebox.New(st, locks, urlrewrite.NewKnownHostSet().Matches)
	_ = mb // held for future wiring of a post-message entrypoint; exercised directly by its own tests

	r := router.New(entities, activities, acl, cfg.Activity.NumberOfProcessingBuckets)

	agg := aggregator.New(st, activities, em, aggregator.Config{
		AggregateIdleExpiry: cfg.Activity.AggregateIdleExpiry,
		AggregateMaxExpiry:  cfg.Activity.AggregateMaxExpiry,
		ActivityTTL:         cfg.Activity.ActivityTTL,
	})

	sched := scheduler.New(scheduler.Config{
		NumBuckets:               cfg.Activity.NumberOfProcessingBuckets,
		CollectionExpiry:         cfg.Activity.CollectionExpiry,
		MaxConcurrentCollections: cfg.Activity.MaxConcurrentCollections,
		PollingFrequency:         cfg.Activity.CollectionPollingFrequency,
		BatchSize:                cfg.Activity.CollectionBatchSize,
	}, locks, bucketQueue, agg)

	pushManager := push.NewManager(push.Config{
		AuthenticationTimeout: cfg.Push.AuthenticationTimeout,
		WriteTimeout:          cfg.Push.WriteTimeout,
		SendRatePerSecond:     cfg.Push.SendRatePerSecond,
		SendBurst:             cfg.Push.SendBurst,
	}, pushAuthenticator{signer: signer}, acl)
	wirePushDelivery(em, pushManager)

	inv := invitations.New(st, em, defaultRoleRanker{}, noopMemberUpdater{})
	_ = inv // exposed to embedding code via the package API, exercised by its own tests

	_ = r // Expand is called through scheduler.PostSeed by the activity-posting entrypoint embedders build against

	if cfg.Activity.ProcessActivityJobs {
		sched.Start(ctx)
		defer sched.Stop()
		slog.Info("collection scheduler started", "buckets", cfg.Activity.NumberOfProcessingBuckets)
	} else {
		slog.Info("collection scheduler disabled by process_activity_jobs=false")
	}

	httpServer := &http.Server{
		Addr: cfg.Push.ListenAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			conn, err := websocket.Accept(w, req, nil)
			if err != nil {
				return
			}
			pushManager.HandleConnection(req.Context(), conn)
		}),
	}
	go func() {
		slog.Info("push delivery endpoint listening", "addr", cfg.Push.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("push delivery endpoint stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down push delivery endpoint cleanly", "error", err)
	}
}

// wirePushDelivery fans materialized stream entries out to subscribed
// sockets, bridging the Aggregator's in-process event (spec §4.5 step 5)
// to the Push Delivery manager's per-connection deliveries (spec §4.6).
func wirePushDelivery(em *emitter.Emitter, manager *push.Manager) {
	em.On(aggregator.EventMaterialized, func(ctx context.Context, args ...any) {
		evt, ok := args[0].(aggregator.MaterializedEvent)
		if !ok {
			return
		}
		manager.Deliver(ctx, evt.RecipientID, evt.StreamType, evt.Format, push.Entry{
			ActivityID:   evt.Entry.ActivityID,
			ActivityType: evt.Entry.ActivityType,
			Verb:         evt.Entry.Verb,
			Published:    evt.Entry.Published,
			Actor:        evt.Entry.Actor,
			Object:       evt.Entry.Object,
			Target:       evt.Entry.Target,
		}, evt.Entry.NumNewActivities)
	})
}

func storeConfigFrom(dbCfg *config.DatabaseConfig) store.Config {
	return store.Config{
		Host:            dbCfg.Host,
		Port:            dbCfg.Port,
		User:            dbCfg.User,
		Password:        dbCfg.Password,
		Database:        dbCfg.Database,
		SSLMode:         dbCfg.SSLMode,
		MaxOpenConns:    dbCfg.MaxOpenConns,
		MaxIdleConns:    dbCfg.MaxIdleConns,
		ConnMaxLifetime: dbCfg.ConnMaxLifetime,
		ConnMaxIdleTime: dbCfg.ConnMaxIdleTime,
	}
}
