package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gift-battle-engine/cache"
	"gift-battle-engine/config"
	"gift-battle-engine/engine"
	"gift-battle-engine/handlers"
	"gift-battle-engine/middleware"
	"gift-battle-engine/models"
	"gift-battle-engine/services"
	"gift-battle-engine/transport"
	"gift-battle-engine/utils"
	"gift-battle-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// store is everything main needs from a persistence backend
type store interface {
	engine.Store
	engine.LedgerBackend
	workers.RetentionStore
	handlers.PlayerDirectory
}

func newLogger(env, level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if env == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func main() {
	cfg, err := config.Load()
	logger := newLogger(cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.DotenvMissing {
		logger.Info("no .env file found, reading environment variables directly")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	clock := clockwork.NewRealClock()

	var st store
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using the in-memory store")
		st = services.NewMemoryStore()
	} else {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		gs := services.NewGormStore(db)
		if err := gs.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
		st = gs
	}

	var ledger engine.LedgerBackend = st
	if cfg.RedisURL != "" {
		client, err := services.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer client.Close()
		ledger = services.NewRedisLedger(client, clock)
		logger.Info("idempotency ledger backed by redis")
	}

	gifts := workers.NewBatcher[models.GiftEvent](workers.BatcherConfig{
		Name:   "gift_events",
		Clock:  clock,
		Logger: logger,
	}, st.RecordGiftEvents)
	// the batcher and ingestion outlive the signal so shutdown can drain them
	background := context.WithoutCancel(ctx)
	gifts.Start(background)

	lbCache := cache.New(cache.DefaultTTL, cache.DefaultCapacity, clock)
	hub := transport.NewHub(transport.HubConfig{
		MaxConnections: cfg.MaxViewers,
		Cache:          lbCache,
		Clock:          clock,
		Logger:         logger.Named("hub"),
	})

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Store:       st,
		Ledger:      ledger,
		Sink:        gifts,
		Emitter:     hub,
		Invalidator: lbCache,
		Clock:       clock,
		Logger:      logger.Named("engine"),
	})
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}
	hub.SetSource(eng)

	debouncer := workers.NewDebouncer(cfg.Debounce, clock, logger.Named("debouncer"),
		workers.IngestAggregates(background, eng, logger.Named("ingest")))

	sim := workers.NewSimulator(workers.SimulatorConfig{
		Interval: cfg.SimInterval,
		Viewers:  cfg.SimViewers,
		Seed:     uint64(clock.Now().UnixNano()),
		Clock:    clock,
		Logger:   logger.Named("simulator"),
	}, debouncer.Add)
	if cfg.Engine.SimulationMode {
		sim.Start(ctx)
	}

	var uploader workers.ArchiveUploader
	if cfg.Archive.Enabled() {
		u, err := utils.NewArchiveUploader(ctx, utils.ArchiveConfig{
			AccountID:       cfg.Archive.AccountID,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			AccessKeySecret: cfg.Archive.AccessKeySecret,
			Bucket:          cfg.Archive.Bucket,
			Endpoint:        cfg.Archive.Endpoint,
			Prefix:          cfg.Archive.Prefix,
		})
		if err != nil {
			logger.Fatal("failed to initialize archive bucket", zap.Error(err))
		}
		uploader = u
	}

	keeper := workers.NewHousekeeper(workers.HousekeeperConfig{
		Store:     st,
		Ledger:    eng.Ledger(),
		Cache:     lbCache,
		Pools:     []workers.Sweeper{hub.Pool()},
		Uploader:  uploader,
		Retention: cfg.Retention,
		Clock:     clock,
		Logger:    logger.Named("housekeeper"),
	})
	if err := keeper.Start(ctx); err != nil {
		logger.Fatal("failed to start housekeeper", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(logger.Named("http")))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Cache-Control",
		MaxAge:       86400,
	}))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	handlers.SetupMatchRoutes(app, &handlers.MatchHandler{
		Engine:       eng,
		Cache:        lbCache,
		Debouncer:    debouncer,
		Hub:          hub,
		Simulator:    sim,
		Ctx:          ctx,
		ControlToken: cfg.ControlToken,
		ViewerToken:  cfg.ViewerToken,
		Logger:       logger.Named("handlers"),
	})
	handlers.SetupPlayerRoutes(app, st)

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewWebsocketHandler(hub, cfg.ViewerToken))
	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	go func() {
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("server running",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("ws_addr", cfg.WSAddr),
		zap.Bool("durable_store", cfg.DatabaseURL != ""),
		zap.Bool("simulation", cfg.Engine.SimulationMode),
		zap.String("cors_origins", cfg.AllowOrigins),
	)

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sim.Stop()
	hub.Close()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown", zap.Error(err))
	}
	if err := debouncer.Close(shutdownCtx); err != nil {
		logger.Warn("debouncer close", zap.Error(err))
	}
	eng.Stop()
	if err := gifts.Close(shutdownCtx); err != nil {
		logger.Warn("gift batcher close", zap.Error(err))
	}
	if err := keeper.Shutdown(); err != nil {
		logger.Warn("housekeeper shutdown", zap.Error(err))
	}
}
