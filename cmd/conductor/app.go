package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/dlq"
	"conductor/internal/events"
	"conductor/internal/logger"
	"conductor/internal/operator"
	"conductor/internal/replay"
	"conductor/internal/saga"
	"conductor/internal/tracer"
	"conductor/pkg/bootstrap"
	"conductor/pkg/cel"
	"conductor/pkg/circuitbreaker"
	"conductor/pkg/health"
	"conductor/pkg/metrics"
	"conductor/pkg/middleware"
	"conductor/pkg/migrations"
	"conductor/pkg/ratelimit"
	"conductor/pkg/tracing"
)

const serviceName = "conductor"

type App struct {
	config      *config.Config
	logger      logger.Logger
	base        *bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	redis       *redis.Client
	mongoClient *mongo.Client
	mongoDB     *mongo.Database

	tracerProvider *tracing.TracerProvider
	tracer         *tracer.Tracer
	breakers       *circuitbreaker.Registry
	ordererRepo    *events.CircuitBreakerRepository

	replayStore  *replay.Store
	queue        *dlq.Queue
	subscriber   *dlq.Subscriber
	orchestrator *saga.Orchestrator
	limits       *ratelimit.Limits

	router *gin.Engine
	server *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config:      cfg,
		logger:      log,
		base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterAll()

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.base.InitBroker(serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initComponents(); err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	a.initRouter()
	a.initServer()
	return nil
}

func (a *App) usesStore(store string) bool {
	return a.config.DLQ.Store == store || a.config.Saga.Store == store || a.config.Replay.Store == store
}

func (a *App) initDatabases(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.usesStore(constants.StorePostgres) {
		db, err := a.dbConnector.InitPostgreSQL(initCtx)
		if err != nil {
			return err
		}
		if db == nil {
			return errors.New("postgres store selected but database.postgres.host is empty")
		}
		a.db = db

		if a.config.Database.RunMigrations {
			if err := migrations.RunPostgres(db); err != nil {
				return err
			}
			a.logger.InfowCtx(ctx, "PostgreSQL migrations applied")
		}
	}

	if a.usesStore(constants.StoreMongoDB) {
		client, db, err := a.dbConnector.InitMongoDB(initCtx)
		if err != nil {
			return err
		}
		if client == nil {
			return errors.New("mongodb store selected but database.mongodb.uri is empty")
		}
		a.mongoClient = client
		a.mongoDB = db

		if err := migrations.EnsureEventIndexes(initCtx, db); err != nil {
			return err
		}
	}

	rdb, err := a.dbConnector.InitRedis(initCtx)
	if err != nil {
		return err
	}
	a.redis = rdb
	return nil
}

func (a *App) initComponents() error {
	log := a.logger
	cfg := a.config

	a.tracer = tracer.New(cfg.Tracer.MaxTraces, log)
	a.breakers = circuitbreaker.NewRegistry(circuitbreaker.FromConfig("", cfg.CircuitBreaker))

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	var replayRepo replay.Repository = replay.NewMemoryRepository()
	if cfg.Replay.Store == constants.StoreMongoDB {
		replayRepo = replay.NewMongoRepository(a.mongoDB)
	}
	a.replayStore = replay.NewStore(replayRepo, evaluator, cfg.Replay, log)

	var ordererRepo events.Repository = events.NewMemoryRepository()
	if a.redis != nil {
		ordererRepo = events.NewRedisRepository(a.redis)
	} else {
		log.Warnw("No Redis configured, orderer sequences are process-local")
	}
	a.ordererRepo = events.NewCircuitBreakerRepository(ordererRepo, cfg.CircuitBreaker)
	orderer := events.NewOrderer(a.ordererRepo, a.replayStore, cfg.Orderer, log)

	var emitter saga.Emitter = orderer
	if cfg.DLQ.Topics.SagaEvents != "" {
		emitter = events.NewPublisher(orderer, a.base.Producer, cfg.DLQ.Topics.SagaEvents, log)
	}

	var dlqRepo dlq.Repository = dlq.NewMemoryRepository()
	if cfg.DLQ.Store == constants.StorePostgres {
		dlqRepo = dlq.NewPostgresRepository(a.db)
	}
	a.queue = dlq.NewQueue(dlqRepo, dlq.NewRouter(a.base.Producer, cfg.DLQ.Topics), cfg.DLQ, log, dlq.WithTracer(a.tracer))

	// Step failures cross the broker when one is configured, so any replica's DLQ can take them.
	var sink saga.FailureSink = a.queue
	if cfg.Broker.Type != constants.BrokerMemory && cfg.Broker.Type != "" {
		sink = dlq.NewStepFailedPublisher(a.base.Producer, cfg.DLQ.Topics.StepFailed)
		a.subscriber = dlq.NewSubscriber(a.base.Consumer, a.queue, cfg.DLQ.Topics.StepFailed, log)
	} else {
		log.Warnw("Memory broker in use, redeliveries fail until an in-process consumer subscribes to the redrive topic",
			"redrive_prefix", cfg.DLQ.Topics.RedrivePrefix)
	}

	registry := saga.NewRegistry()
	if err := saga.RegisterHTTPServices(registry, cfg.Services, a.breakers, nil); err != nil {
		return err
	}
	log.Infow("Saga actions registered", "actions", registry.Names())

	var sagaRepo saga.Repository = saga.NewMemoryRepository()
	if cfg.Saga.Store == constants.StorePostgres {
		sagaRepo = saga.NewPostgresRepository(a.db)
	}
	a.orchestrator = saga.NewOrchestrator(sagaRepo, registry, cfg.Saga, log,
		saga.WithTracer(a.tracer),
		saga.WithEmitter(emitter),
		saga.WithFailureSink(sink),
	)
	return nil
}

func (a *App) initRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.CorrelationMiddleware())
	router.Use(middleware.LoggerMiddleware(a.logger))

	if a.config.Server.RateLimit.Enabled {
		a.limits = ratelimit.NewLimits(ratelimit.FromServerConfig(a.config.Server.RateLimit))
		router.Use(a.limits.Middleware())
		a.logger.Infow("Rate limiting enabled", "rps", a.config.Server.RateLimit.RPS, "burst", a.config.Server.RateLimit.Burst)
	}

	operator.NewHandler(a.queue, a.orchestrator, a.replayStore, a.tracer, a.logger).RegisterRoutes(router)

	router.GET("/health", a.healthRegistry().Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
}

func (a *App) healthRegistry() *health.CheckerRegistry {
	reg := health.NewCheckerRegistry()
	if a.db != nil {
		reg.Register(health.NewPostgreSQLChecker(a.db))
	}
	if a.redis != nil {
		reg.Register(health.NewRedisChecker(a.redis))
	}
	if a.mongoClient != nil {
		reg.Register(health.NewMongoDBChecker(a.mongoClient))
	}
	reg.Register(health.NewBreakerChecker(func() map[string]string {
		states := a.breakers.States()
		states["orderer-store"] = a.ordererRepo.State()
		return states
	}))
	return reg
}

func (a *App) initServer() {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds,
	}
}

// Run starts every background loop under one errgroup and blocks until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(gctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.queue.Run(gctx)
	})

	g.Go(func() error {
		return a.replayStore.Run(gctx)
	})

	if a.subscriber != nil {
		g.Go(func() error {
			return a.subscriber.Run(gctx)
		})
	}

	if a.limits != nil {
		g.Go(func() error {
			a.limits.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.orchestrator != nil {
		sagaTimeout := a.config.Saga.ShutdownTimeout
		if sagaTimeout <= 0 {
			sagaTimeout = constants.ShutdownTimeout
		}
		sagaCtx, sagaCancel := context.WithTimeout(ctx, sagaTimeout)
		if err := a.orchestrator.Shutdown(sagaCtx); err != nil {
			errs = append(errs, fmt.Errorf("saga shutdown error: %w", err))
		}
		sagaCancel()
	}

	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}

// Close releases brokers, stores and the trace exporter.
func (a *App) Close(ctx context.Context) error {
	return a.base.Shutdown(ctx, func(ctx context.Context) []error {
		var errs []error
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}
		return append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)...)
	})
}
