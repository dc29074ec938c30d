package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/app"
	"github.com/MarcoPoloResearchLab/corkboard/internal/config"
	"github.com/MarcoPoloResearchLab/corkboard/internal/database"
	"github.com/MarcoPoloResearchLab/corkboard/internal/logging"
	"github.com/MarcoPoloResearchLab/corkboard/internal/tracing"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	tracerName      = "github.com/MarcoPoloResearchLab/corkboard"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "corkboard-api",
		Short: "Corkboard collaborative board service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("session-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	flags.String("session-cookie", defaults.GetString("auth.cookie_name"), "Session cookie name")
	flags.Int("max-attempts", defaults.GetInt("ordering.max_attempts"), "Position conflict retry bound")
	flags.Int("retry-jitter-ms", defaults.GetInt("ordering.retry_jitter_ms"), "Jitter unit between conflict retries")
	flags.Int("realtime-buffer", defaults.GetInt("realtime.buffer_size"), "Per-session outbound queue size")
	flags.Int("heartbeat-seconds", defaults.GetInt("realtime.heartbeat_seconds"), "Realtime heartbeat interval")
	flags.String("redis-url", defaults.GetString("redis.url"), "Redis URL enabling activity history and the relay")
	flags.Int64("activity-max-len", defaults.GetInt64("redis.activity_max_len"), "Activity entries kept per board")
	flags.String("relay-channel", defaults.GetString("redis.relay_channel"), "Redis channel for cross-instance events")
	flags.String("trace-exporter", defaults.GetString("tracing.exporter"), "Span exporter (none, log)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "session-issuer")
	bindFlag(cmd, "auth.cookie_name", "session-cookie")
	bindFlag(cmd, "ordering.max_attempts", "max-attempts")
	bindFlag(cmd, "ordering.retry_jitter_ms", "retry-jitter-ms")
	bindFlag(cmd, "realtime.buffer_size", "realtime-buffer")
	bindFlag(cmd, "realtime.heartbeat_seconds", "heartbeat-seconds")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "redis.activity_max_len", "activity-max-len")
	bindFlag(cmd, "redis.relay_channel", "relay-channel")
	bindFlag(cmd, "tracing.exporter", "trace-exporter")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	tracerProvider, err := tracing.NewProvider(appConfig.TraceExporter, logger)
	if err != nil {
		return err
	}
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	redisClient, err := openRedis(ctx, appConfig)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	instanceID := uuid.NewString()
	application, err := app.New(ctx, app.Options{
		Config:     appConfig,
		Database:   db,
		Redis:      redisClient,
		InstanceID: instanceID,
		Logger:     logger.With(zap.String("instance_id", instanceID)),
		Tracer:     otel.Tracer(tracerName),
	})
	if err != nil {
		return err
	}

	// Request contexts end when shutdown starts so that event streams return.
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     application.Handler,
		BaseContext: func(net.Listener) context.Context { return requestCtx },
	}
	httpServer.RegisterOnShutdown(cancelRequests)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("redis", redisClient != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		application.Shutdown()
		return shutdownErr
	case err := <-errCh:
		application.Shutdown()
		return err
	}
}

func openRedis(ctx context.Context, cfg config.AppConfig) (*redis.Client, error) {
	if !cfg.RedisEnabled() {
		return nil, nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis.url: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}
