package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/minienv/internal/broker"
	"github.com/MrSnakeDoc/minienv/internal/compose"
	"github.com/MrSnakeDoc/minienv/internal/config"
	"github.com/MrSnakeDoc/minienv/internal/deploy"
	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/httpserver"
	"github.com/MrSnakeDoc/minienv/internal/httpserver/deps"
	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/pool"
	"github.com/MrSnakeDoc/minienv/internal/redis"
	"github.com/MrSnakeDoc/minienv/internal/scheduler"
	"github.com/MrSnakeDoc/minienv/internal/sources/repo"
	redisstore "github.com/MrSnakeDoc/minienv/internal/store/redis"
	"github.com/MrSnakeDoc/minienv/internal/version"
)

type App struct {
	cfg          *config.Config
	logger       logger.Logger
	server       *httpserver.Server
	docker       *compose.Docker
	redisClient  *goredis.Client
	mirror       *redisstore.Mirror
	pool         *pool.Pool
	bootstrapper *scheduler.Bootstrapper
	reconciler   *scheduler.Reconciler
}

func New() (*App, error) {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	docker, err := compose.NewDocker(loggerClient)
	if err != nil {
		return nil, err
	}

	// The mirror is optional: without redis the broker runs exactly the same.
	var (
		redisClient *goredis.Client
		mirror      *redisstore.Mirror
	)
	if cfg.RedisAddr != "" {
		redisClient, err = redis.New(context.Background(), redis.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
		}, loggerClient)
		if err != nil {
			loggerClient.Warn("redis mirror disabled", logger.Error(err))
		} else {
			mirror = redisstore.NewMirror(redisClient, cfg.NodeHost, loggerClient)
		}
	} else {
		loggerClient.Info("redis mirror not configured")
	}

	poolOpts := []pool.Option{}
	if mirror != nil {
		poolOpts = append(poolOpts, pool.WithObserver(mirror.Observe))
	}
	envPool := pool.New(cfg.PoolSize, loggerClient, poolOpts...)

	fetcher := repo.NewFetcher(repo.Options{
		Branch:  cfg.RepoBranch,
		Timeout: cfg.FetchTimeout,
		Retries: cfg.FetchRetries,
	}, loggerClient)

	orchestrator := deploy.New(deploy.Config{
		StackDir:          cfg.StackDir,
		EnvTemplate:       cfg.EnvTemplate,
		ProvisionTemplate: cfg.ProvisionTemplate,
		Version:           cfg.MinienvVersion,
		AllowOrigin:       cfg.AllowOrigin,
		ProvisionImages:   cfg.ProvisionImages,
		Volume: compose.VolumeOptions{
			Driver:     cfg.VolumeDriver,
			DriverOpts: deploy.ParseDriverOpts(cfg.VolumeDriverOpts),
		},
		Ports: deploy.Ports{
			LogStart:    cfg.LogPortStart,
			EditorStart: cfg.EditorPortStart,
			ProxyStart:  cfg.ProxyPortStart,
			Increment:   cfg.PortIncrement,
		},
		Endpoint:     domain.Endpoint{Scheme: cfg.URLScheme, HostName: cfg.NodeHost},
		PollInterval: cfg.WaitPollInterval,
		WaitTimeout:  cfg.WaitTimeout,
	}, docker, docker, fetcher, loggerClient)

	reconcileTrigger := make(chan struct{}, 1)

	var purger scheduler.Mirror
	if mirror != nil {
		purger = mirror
	}
	bootstrapper := scheduler.NewBootstrapper(envPool, orchestrator, purger, loggerClient)

	reconciler := scheduler.NewReconciler(envPool, orchestrator, loggerClient, scheduler.ReconcilerConfig{
		Interval:         cfg.CheckInterval,
		IdleTimeout:      cfg.IdleTimeout,
		ClaimTimeout:     cfg.ClaimTimeout,
		ProvisionTimeout: cfg.ProvisionTimeout,
	}, reconcileTrigger)

	d := deps.Deps{
		Logger:           loggerClient,
		StartTime:        time.Now(),
		Version:          version.Version,
		Commit:           version.Commit,
		BuildDate:        version.BuildDate,
		GoVersion:        version.GoVersion,
		MinienvVersion:   cfg.MinienvVersion,
		TimeNow:          time.Now,
		AllowOrigin:      cfg.AllowOrigin,
		AllowedCIDRS:     cfg.AllowedCIDRS,
		TrustProxy:       cfg.TrustProxy,
		ClaimRateBurst:   cfg.ClaimRateBurst,
		ClaimRatePerMin:  cfg.ClaimRatePerMin,
		Broker:           broker.New(envPool, orchestrator, cfg.DeployTimeout, loggerClient),
		Pool:             envPool,
		Docker:           docker,
		Whitelist:        cfg.Whitelist,
		ReconcileTrigger: reconcileTrigger,
	}
	if mirror != nil {
		d.Mirror = mirror
	}

	return &App{
		cfg:          cfg,
		logger:       loggerClient,
		server:       httpserver.New(cfg, loggerClient, d),
		docker:       docker,
		redisClient:  redisClient,
		mirror:       mirror,
		pool:         envPool,
		bootstrapper: bootstrapper,
		reconciler:   reconciler,
	}, nil
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting minienv %s on %s with %d environments", version.Version, a.cfg.ListenPort, a.pool.Size())
	a.logger.Infof("minienv %s (commit=%s, built=%s, go=%s, stack=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion, a.cfg.MinienvVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := a.docker.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("container engine unavailable: %w", err)
	}

	if a.mirror != nil {
		a.mirror.Start()
	}

	a.bootstrapper.Bootstrap(ctx)

	a.reconciler.Start(ctx)
	a.logger.Info("reconciler started",
		logger.Duration("interval", a.cfg.CheckInterval),
		logger.Duration("idle_timeout", a.cfg.IdleTimeout),
		logger.Duration("claim_timeout", a.cfg.ClaimTimeout))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
		stop()
	}

	a.reconciler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stop server: %w", err)
	}

	a.bootstrapper.Wait()

	if a.mirror != nil {
		a.mirror.Stop()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		}
	}
	if err := a.docker.Close(); err != nil {
		a.logger.Warnf("failed to close docker client: %v", err)
	}

	a.logger.Info("✅ minienv stopped cleanly")
	_ = a.logger.Sync()
	return runErr
}
