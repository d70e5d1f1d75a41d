package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/auth"
	"github.com/MarcoPoloResearchLab/erdsync/internal/cache"
	"github.com/MarcoPoloResearchLab/erdsync/internal/collab"
	"github.com/MarcoPoloResearchLab/erdsync/internal/config"
	"github.com/MarcoPoloResearchLab/erdsync/internal/database"
	"github.com/MarcoPoloResearchLab/erdsync/internal/logging"
	"github.com/MarcoPoloResearchLab/erdsync/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/erdsync/internal/server"
	"github.com/MarcoPoloResearchLab/erdsync/internal/storage"
	"github.com/MarcoPoloResearchLab/erdsync/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "erdsync-api",
		Short: "Real-time collaborative diagram sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("storage-root", defaults.GetString("storage.root"), "Directory holding durable designs")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("sync.debounce_ms"), "Durable write-back debounce in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "storage.root", "storage-root")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.debounce_ms", "debounce-ms")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := cache.NewNotifier()
	cacheStore, err := cache.NewStore(cache.StoreConfig{
		Database: db,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	filesystem, err := storage.NewDiskFilesystem(appConfig.StorageRoot)
	if err != nil {
		return err
	}
	objectStore, err := storage.NewObjectStore(storage.ObjectStoreConfig{
		Filesystem: filesystem,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	engine, err := collab.NewEngine(collab.EngineConfig{
		Cache:         cache.NewDiagramCache(cacheStore, appConfig.DiagramTTL),
		Store:         objectStore,
		DebounceDelay: appConfig.DebounceDelay,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}
	sessionGate, err := auth.NewSessionGate(auth.SessionGateConfig{
		Validator:  validator,
		Directory:  userService,
		CookieName: appConfig.AuthCookieName,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Context:    signalCtx,
		Gatekeeper: auth.NewChain(sessionGate),
		Engine:     engine,
		Designs:    objectStore,
		Limiter:    ratelimit.NewLimiter(cacheStore, logger),
		Mailer:     server.NewLogMailer(logger),
		Realtime: server.RealtimeConfig{
			PingInterval: appConfig.RealtimePing,
			ReadTimeout:  appConfig.RealtimeReadTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	go cacheStore.RunSweeper(signalCtx, appConfig.SweepInterval)

	changes, unsubscribe := notifier.Subscribe(signalCtx, cache.DiagramKeyPattern)
	defer unsubscribe()
	go engine.FollowChanges(signalCtx, changes)

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
