package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/auth"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/cache"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/config"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/database"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/document"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/events"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/logging"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/notify"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/queue"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/saga"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/server"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/task"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scripthelper-api",
		Short: "ScriptHelper document and generation backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("task-channel", defaults.GetString("tasks.channel"), "Redis list carrying queued task ids")
	cmd.PersistentFlags().Int("task-sweep-minutes", defaults.GetInt("tasks.sweep_minutes"), "Interval for re-publishing stale pending tasks (0 disables)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("worker-secret", "", "Shared secret for token exchange (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tasks.channel", "task-channel")
	bindFlag(cmd, "tasks.sweep_minutes", "task-sweep-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.worker_secret", "worker-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient, err := queue.Dial(appConfig.RedisAddress)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	bus := events.NewBus()

	tagCache, err := cache.NewTagCache(cache.TagCacheConfig{
		Client: redisClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	tagCache.Attach(bus)

	taskQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Client:  redisClient,
		Channel: appConfig.TaskChannel,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	broadcaster, err := notify.NewBroadcaster(notify.BroadcasterConfig{
		Client: redisClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	broadcaster.Attach(bus)

	realtime := server.NewRealtimeDispatcher()
	realtime.Attach(bus)

	idProvider := document.NewUUIDProvider()

	engine, err := document.NewEngine(document.EngineConfig{
		Database:   db,
		Bus:        bus,
		Cache:      tagCache,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ledger, err := task.NewLedger(task.LedgerConfig{
		Database:   db,
		Bus:        bus,
		Queue:      taskQueue,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
	})
	if err != nil {
		return err
	}

	completionSaga, err := saga.NewSaga(saga.SagaConfig{
		Engine: engine,
		Ledger: ledger,
		Users:  usersService,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	ledger.SetCompletionHandler(completionSaga)

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "scripthelper-auth",
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:       engine,
		Ledger:       ledger,
		Users:        usersService,
		Tokens:       tokenIssuer,
		Realtime:     realtime,
		WorkerSecret: appConfig.WorkerSecret,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.TaskSweepEvery > 0 {
		go runSweep(signalCtx, ledger, appConfig.TaskSweepEvery, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runSweep re-publishes pending tasks that have sat in storage longer than the
// sweep interval, covering deliveries lost between the database write and the
// queue push.
func runSweep(ctx context.Context, ledger *task.Ledger, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			republished, err := ledger.RepublishStale(ctx, every)
			if err != nil {
				logger.Warn("stale task sweep failed", zap.Error(err))
				continue
			}
			if republished > 0 {
				logger.Info("stale tasks re-published", zap.Int("count", republished))
			}
		}
	}
}
