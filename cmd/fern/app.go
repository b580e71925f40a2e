package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/store/postgres"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/jobs"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/routes"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/identifierdomain"
	"github.com/Ramsey-B/fern/pkg/routes/job"
	"github.com/Ramsey-B/fern/pkg/routes/master"
	"github.com/Ramsey-B/fern/pkg/routes/record"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
	"github.com/Ramsey-B/fern/pkg/synthesis"
)

// run wires the service, starts it and blocks until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	s := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	checker := health.NewChecker(cfg.Version)

	st, err := openStore(ctx, cfg, s, logger)
	if err != nil {
		return err
	}
	checker.AddCheck("store", st.Ping)

	matchConfigs, err := matching.LoadConfigurations(cfg.MatchConfigPath)
	if err != nil {
		return err
	}
	rules, err := synthesis.LoadRules(cfg.MatchConfigPath)
	if err != nil {
		return err
	}

	cache := matching.NewDomainCache(st, logger)
	s.AddDependency(startup.Func{
		Name:    "domain-cache",
		Needs:   []string{"migrations"},
		OnStart: cache.Init,
		OnStop: func(context.Context) error {
			cache.Stop()
			return nil
		},
	})

	perms := permissions.NewPrincipalChecker()
	builder := synthesis.NewBuilder(st, rules, logger)
	p := pipeline.New(st, logger)

	entities := make([]linkage.EntityHandler, 0, len(cfg.GovernedEntityTypes))
	for _, t := range cfg.GovernedEntityTypes {
		entities = append(entities, linkage.EntityHandler{EntityType: t})
	}
	engine := linkage.New(linkage.Dependencies{
		Store:     st,
		Identity:  matching.NewIdentityMatcher(st, cache, logger),
		Domains:   cache,
		Providers: []matching.Provider{matching.NewAttributeMatcher(st, matchConfigs, logger)},
		Checker:   perms,
		Builder:   builder,
		Committer: p,
	}, linkage.Config{
		AutoMerge:              cfg.AutoMergeEnabled,
		MasterIdentifierDomain: cfg.MasterIdentifierDomain,
		Entities:               entities,
	}, logger)
	p.Use(engine)
	p.AddHook(engine.Triggers())
	engine.AddListener(events.AuditListener(logger))

	if cfg.GraphEnabled {
		client, err := graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			return err
		}
		p.AddHook(graph.NewProjector(client, logger))
		checker.AddCheck("graph", client.VerifyConnectivity)
		s.AddDependency(startup.Func{
			Name:    "graph",
			OnStart: client.VerifyConnectivity,
			OnStop:  client.Close,
		})
	}

	if cfg.KafkaProducerEnabled {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		emitter := events.NewEmitter(producer, logger)
		p.AddHook(emitter)
		engine.AddListener(emitter.Listener())
		s.AddDependency(startup.Func{
			Name:   "kafka-producer",
			OnStop: func(context.Context) error { return producer.Close() },
		})
	}

	var locker jobs.Locker = jobs.NewLocalLocker()
	var notifier identifierdomain.Notifier = identifierdomain.NotifyFunc(cache.Invalidate)
	if cfg.RedisEnabled {
		client, err := redis.NewClient(redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return err
		}
		locker = redis.NewLocker(client, "fern:lock:")
		domainSync := redis.NewDomainSync(client, cache)
		notifier = domainSync
		checker.AddCheck("redis", client.Ping)
		s.AddDependency(startup.Func{
			Name:    "redis",
			Needs:   []string{"domain-cache"},
			OnStart: domainSync.Start,
			OnStop: func(context.Context) error {
				domainSync.Stop()
				return client.Close()
			},
		})
	}

	manager := jobs.NewManager(engine, st, locker, perms, jobs.Config{
		PageSize:    cfg.FlagDuplicatesPageSize,
		Concurrency: cfg.FlagDuplicatesWorkers,
		LockTTL:     cfg.JobLockTTL,
	}, logger)
	s.AddDependency(startup.Func{
		Name:   "jobs",
		OnStop: manager.Stop,
	})

	if cfg.ReconcileEnabled {
		scheduler := jobs.NewScheduler(engine, locker, cfg.ReconcileInterval, cfg.JobLockTTL, logger)
		s.AddDependency(startup.Func{
			Name:    "reconcile-scheduler",
			Needs:   []string{"domain-cache"},
			OnStart: scheduler.Start,
			OnStop:  scheduler.Stop,
		})
	}

	if cfg.KafkaConsumerEnabled {
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaInputTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			MaxBackoff:    cfg.KafkaMaxBackoff,
		}, logger, ingest.NewHandler(p, logger).Handle)
		checker.AddCheck("kafka-consumer", func(context.Context) error {
			if !consumer.Health() {
				return errors.New("consumer is not running")
			}
			return nil
		})
		s.AddDependency(startup.Func{
			Name:    "kafka-consumer",
			Needs:   []string{"domain-cache"},
			OnStart: consumer.Start,
			OnStop:  func(context.Context) error { return consumer.Stop() },
		})
	}

	rewriter := query.NewRewriter(st, builder, perms, engine, logger)
	e, err := newServer(ctx, cfg, logger, routes.Handlers{
		Health:            checker,
		Records:           record.NewHandler(p, rewriter, engine, logger),
		Masters:           master.NewHandler(engine, rewriter, st, perms, logger),
		Jobs:              job.NewHandler(manager, logger),
		IdentifierDomains: identifierdomain.NewHandler(st, notifier, perms, logger),
	})
	if err != nil {
		return err
	}
	s.AddDependency(startup.Func{
		Name:  "http-server",
		Needs: []string{"domain-cache"},
		OnStart: func(context.Context) error {
			go func() {
				if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.WithError(err).Error("HTTP server stopped")
				}
			}()
			return nil
		},
		OnStop: e.Shutdown,
	})

	if err := s.Start(ctx); err != nil {
		return err
	}
	checker.SetReady(true)
	logger.WithContext(ctx).Infof("%s %s listening on :%d", cfg.AppName, cfg.Version, cfg.Port)

	<-ctx.Done()
	checker.SetReady(false)
	logger.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// openStore returns the configured store. The postgres store is connected eagerly so the
// components built on it can be wired before startup runs; migrations run as a dependency.
func openStore(ctx context.Context, cfg *config.Config, s *startup.Startup, logger ectologger.Logger) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("Using the in-memory store, data does not survive a restart")
		s.AddDependency(startup.Func{Name: "migrations"})
		return memory.New(), nil
	}
	if cfg.StoreDriver != "postgres" {
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	db, err := database.Open(ctx, database.ConnectionConfig{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
		RetryCount:      cfg.DatabaseReconnectRetryCount,
	}, logger)
	if err != nil {
		return nil, err
	}

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	s.AddDependency(startup.Func{
		Name:    "database",
		OnStart: db.PingContext,
		OnStop:  func(context.Context) error { return db.Close() },
	})
	s.AddDependency(startup.Func{
		Name:  "migrations",
		Needs: []string{"database"},
		OnStart: func(context.Context) error {
			return migrations.MigratePostgres(db, cfg.DatabaseName)
		},
	})

	return postgres.New(db, logger), nil
}

func newServer(ctx context.Context, cfg *config.Config, logger ectologger.Logger, handlers routes.Handlers) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(middleware.Context(!cfg.AuthEnabled))
	e.Use(middleware.Logger(logger))

	var auth []echo.MiddlewareFunc
	if cfg.AuthEnabled {
		authn, err := middleware.Authentication(ctx, logger, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			return nil, err
		}
		auth = append(auth, authn)
	}
	auth = append(auth, middleware.RequirePrincipal())

	routes.Register(e, handlers, auth...)
	return e, nil
}
