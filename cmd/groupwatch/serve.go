package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/automation/bridge"
	"github.com/memohai/groupwatch/internal/config"
	"github.com/memohai/groupwatch/internal/event"
	"github.com/memohai/groupwatch/internal/feed"
	"github.com/memohai/groupwatch/internal/handlers"
	"github.com/memohai/groupwatch/internal/healthcheck"
	databasechecker "github.com/memohai/groupwatch/internal/healthcheck/checkers/database"
	sessionchecker "github.com/memohai/groupwatch/internal/healthcheck/checkers/session"
	"github.com/memohai/groupwatch/internal/logger"
	"github.com/memohai/groupwatch/internal/media"
	"github.com/memohai/groupwatch/internal/media/providers/localfs"
	"github.com/memohai/groupwatch/internal/message"
	"github.com/memohai/groupwatch/internal/server"
	"github.com/memohai/groupwatch/internal/session"
	"github.com/memohai/groupwatch/internal/store"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			providePostgresStore,
			provideStateStore,
			provideAuthDirs,
			provideMediaService,
			provideFetcher,
			provideFeedRecorder,
			providePipeline,
			event.NewBroadcaster,
			provideAutomationFactory,
			providePool,
			provideSweeper,
			provideChecker,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideSessionHandler),
			provideServerHandler(provideFeedHandler),
			provideServerHandler(handlers.NewMetricsHandler),
			provideServer,
		),
		fx.Invoke(
			startPool,
			startSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideDBConn returns a nil pool when Postgres is disabled.
func provideDBConn(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*pgxpool.Pool, error) {
	if !cfg.Postgres.Enabled {
		log.Info("postgres disabled; session state is kept in memory")
		return nil, nil
	}
	dsn := cfg.Postgres.DSN()
	if err := store.Migrate(dsn); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	conn, err := store.OpenPool(context.Background(), dsn, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func providePostgresStore(log *slog.Logger, conn *pgxpool.Pool) (*store.Postgres, error) {
	if conn == nil {
		return nil, nil
	}
	return store.NewPostgres(log, conn)
}

func provideStateStore(pg *store.Postgres) session.StateStore {
	if pg == nil {
		return store.NewMemory()
	}
	return pg
}

func provideAuthDirs(cfg config.Config) (*store.AuthDirs, error) {
	return store.NewAuthDirs(cfg.Session.DataRoot)
}

func provideMediaService(log *slog.Logger, cfg config.Config) (*media.Service, error) {
	provider, err := localfs.New(cfg.Session.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("media storage: %w", err)
	}
	return media.NewService(log, provider), nil
}

func provideFetcher(log *slog.Logger, cfg config.Config) *media.Fetcher {
	return media.NewFetcher(log, media.FetcherConfig{
		Attempts:       cfg.Media.Attempts,
		RetryBase:      config.Duration(cfg.Media.RetryBase),
		AttemptTimeout: config.Duration(cfg.Media.AttemptTimeout),
		MinLargeBytes:  cfg.Media.MinLargeBytes,
		MaxBytes:       cfg.Media.MaxBytes,
		MaxConcurrent:  cfg.Media.MaxConcurrent,
	})
}

func provideFeedRecorder(cfg config.Config) *feed.Recorder {
	return feed.NewRecorder(cfg.Ingest.FeedGroups)
}

func providePipeline(log *slog.Logger, cfg config.Config, fetcher *media.Fetcher, mediaService *media.Service, recorder *feed.Recorder, pg *store.Postgres) *message.Pipeline {
	sinks := message.Sinks{recorder}
	if pg != nil {
		sinks = append(sinks, pg)
	}
	return message.NewPipeline(log, message.PipelineConfig{
		GroupGap: config.Duration(cfg.Ingest.GroupGap),
	}, fetcher, mediaService, sinks, nil)
}

func provideAutomationFactory(log *slog.Logger, cfg config.Config) (automation.Factory, error) {
	return bridge.NewFactory(log, bridge.Config{
		URL:         cfg.Automation.BridgeURL,
		CallTimeout: config.Duration(cfg.Automation.CallTimeout),
	})
}

func providePool(log *slog.Logger, cfg config.Config, factory automation.Factory, states session.StateStore, auth *store.AuthDirs, pipeline *message.Pipeline, broadcaster *event.Broadcaster) *session.Pool {
	return session.NewPool(log, session.Config{
		Queue: session.QueueConfig{
			JobTimeout: config.Duration(cfg.Session.InitTimeout),
			Delay:      config.Duration(cfg.Queue.Delay),
			BusyDelay:  config.Duration(cfg.Queue.BusyDelay),
		},
		Readiness: session.ReadinessConfig{
			Interval: config.Duration(cfg.Readiness.Interval),
			Budget:   config.Duration(cfg.Readiness.Budget),
			Stability: session.StabilityPolicy{
				RequiredStablePolls: cfg.Readiness.RequiredStablePolls,
			},
			ErrorOverride: session.ErrorOverridePolicy{
				Enabled:              cfg.Readiness.ErrorOverrideEnabled,
				MaxConsecutiveErrors: cfg.Readiness.ErrorOverrideAfterErrors,
			},
		},
		MaxHistory:       cfg.Ingest.MaxHistory,
		SubscriberBuffer: cfg.Session.SubscriberBuffer,
		HistoryLimit:     cfg.Session.HistoryLimit,
		CallTimeout:      config.Duration(cfg.Automation.CallTimeout),
		DestroyTimeout:   config.Duration(cfg.Session.DestroyTimeout),
	}, factory, states, auth, pipeline, broadcaster)
}

func provideSweeper(log *slog.Logger, cfg config.Config, pool *session.Pool) (*session.Sweeper, error) {
	return session.NewSweeper(log, session.SweeperConfig{
		Schedule:      cfg.Cleanup.Schedule,
		InactiveAfter: config.Duration(cfg.Cleanup.InactiveAfter),
	}, pool)
}

func provideChecker(log *slog.Logger, pool *session.Pool, pg *store.Postgres) healthcheck.Checker {
	var pinger databasechecker.Pinger
	if pg != nil {
		pinger = pg
	}
	return healthcheck.NewMulti(
		sessionchecker.NewChecker(log, pool),
		databasechecker.NewChecker(log, pinger),
	)
}

func providePingHandler(log *slog.Logger, pool *session.Pool) *handlers.PingHandler {
	return handlers.NewPingHandler(log, pool)
}

func provideSessionHandler(log *slog.Logger, pool *session.Pool, checker healthcheck.Checker) *handlers.SessionHandler {
	return handlers.NewSessionHandler(log, pool, checker)
}

func provideFeedHandler(log *slog.Logger, recorder *feed.Recorder, mediaService *media.Service) *handlers.FeedHandler {
	return handlers.NewFeedHandler(log, recorder, mediaService)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

func startPool(lc fx.Lifecycle, pool *session.Pool) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return pool.Shutdown(ctx) },
	})
}

func startSweeper(lc fx.Lifecycle, sweeper *session.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { sweeper.Start(); return nil },
		OnStop:  func(ctx context.Context) error { return sweeper.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting groupwatch",
				slog.String("version", version),
				slog.String("addr", cfg.Server.Addr),
			)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
