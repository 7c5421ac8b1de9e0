package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/auth"
	"github.com/ilai-app/edge/internal/config"
	"github.com/ilai-app/edge/internal/logging"
	"github.com/ilai-app/edge/internal/notes"
	"github.com/ilai-app/edge/internal/origin"
	"github.com/ilai-app/edge/internal/server"
	"github.com/ilai-app/edge/internal/sessions"
	"github.com/ilai-app/edge/internal/signaling"
	"github.com/ilai-app/edge/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ilai-edge",
		Short: "ilai edge realtime coordination service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	setupFlags(rootCmd)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Origins allowed for CORS and websocket upgrades")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Session JWT signing secret (overrides env)")
	flags.String("issuer", defaults.GetString("auth.issuer"), "Expected session JWT issuer")
	flags.String("origin-url", defaults.GetString("origin.base_url"), "Origin API base URL for note flushes")
	flags.Duration("idle-timeout", defaults.GetDuration("actor.idle_timeout"), "Idle period before an actor leaves memory (0 disables)")
	flags.Duration("session-ttl", defaults.GetDuration("session.ttl"), "Session inactivity window")
	flags.Duration("flush-debounce", defaults.GetDuration("notes.flush_debounce"), "Quiet period before note edits are pushed to the origin")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "issuer")
	bindFlag(cmd, "origin.base_url", "origin-url")
	bindFlag(cmd, "actor.idle_timeout", "idle-timeout")
	bindFlag(cmd, "session.ttl", "session-ttl")
	bindFlag(cmd, "notes.flush_debounce", "flush-debounce")
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

	db, err := storage.OpenSQLite(appConfig.DatabasePath, logging.Component(logger, "storage"))
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	systemClock := clock.New()
	store, err := storage.NewStore(storage.StoreConfig{Database: db, Clock: systemClock.Now})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	system, err := actor.NewSystem(actor.Config{
		Store:       store,
		Clock:       systemClock,
		Logger:      logging.Component(logger, "actor"),
		Metrics:     actor.NewMetrics(registry),
		MailboxSize: appConfig.MailboxSize,
		IdleTimeout: appConfig.IdleTimeout,
	})
	if err != nil {
		return err
	}

	originClient, err := origin.NewClient(origin.Config{
		BaseURL:    appConfig.OriginBaseURL,
		Token:      appConfig.OriginToken,
		Timeout:    appConfig.OriginTimeout,
		MaxRetries: uint64(appConfig.OriginMaxRetries),
		Logger:     logging.Component(logger, "origin"),
		Registerer: registry,
	})
	if err != nil {
		return err
	}
	noteFactory, err := notes.NewFactory(notes.Config{Flusher: originClient, Debounce: appConfig.FlushDebounce})
	if err != nil {
		return err
	}

	if err := multierr.Combine(
		system.Register(sessions.Kind, sessions.NewFactory(appConfig.SessionTTL)),
		system.Register(signaling.Kind, signaling.NewFactory()),
		system.Register(notes.Kind, noteFactory),
	); err != nil {
		return err
	}
	if err := system.Start(ctx); err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
		Clock:         systemClock.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Actors:         system,
		Sessions:       validator,
		AllowedOrigins: appConfig.AllowedOrigins,
		Registerer:     registry,
		Gatherer:       registry,
		Logger:         logging.Component(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Stop accepting requests first; the actor system then closes the
	// remaining sockets and flushes pending note edits.
	return multierr.Combine(
		serveErr,
		httpServer.Shutdown(shutdownCtx),
		system.Shutdown(shutdownCtx),
	)
}
