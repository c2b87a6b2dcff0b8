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

	"github.com/MarcoPoloResearchLab/tally/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/hardware"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tally-api",
		Short: "Tally drink dispenser backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newDeviceTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Dashboard HTTP listen address")
	cmd.PersistentFlags().String("hardware-address", defaults.GetString("hardware.address"), "Device websocket listen address")
	cmd.PersistentFlags().String("hardware-signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("confirmation-phrase", "", "Phrase required to change settings or reset (overrides env)")
	cmd.PersistentFlags().String("sweep-schedule", defaults.GetString("sweep.schedule"), "Cron schedule for the cycle sweep")
	cmd.PersistentFlags().Bool("metrics", defaults.GetBool("metrics.enabled"), "Expose Prometheus metrics on /metrics")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "hardware.address", "hardware-address")
	bindFlag(cmd, "hardware.signing_secret", "hardware-signing-secret")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "sweep.schedule", "sweep-schedule")
	bindFlag(cmd, "metrics.enabled", "metrics")
	bindFlag(cmd, "device.confirmation_phrase", "confirmation-phrase")
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

func newDeviceTokenCommand() *cobra.Command {
	var (
		deviceID string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "device-token",
		Short: "Print a signed token for the dispenser controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("hardware.signing_secret")
			issuer, err := auth.NewDeviceTokenIssuer(auth.DeviceTokenConfig{
				SigningSecret: []byte(secret),
				TokenTTL:      ttl,
			})
			if err != nil {
				return fmt.Errorf("hardware.signing_secret: %w", err)
			}
			token, expiresAt, err := issuer.Issue(deviceID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device identifier embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 365*24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("device")
	return cmd
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

	store, err := dispenser.NewGormStore(db, dispenser.NewUUIDProvider())
	if err != nil {
		return err
	}

	var (
		recorder       *metrics.Recorder
		metricsHandler http.Handler
	)
	if appConfig.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder, err = metrics.NewRecorder(registry)
		if err != nil {
			return err
		}
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	dispatcher := server.NewStatusDispatcher()
	serviceConfig := dispenser.ServiceConfig{
		Store:              store,
		Clock:              time.Now,
		Broadcaster:        dispatcher,
		Logger:             logger,
		Defaults:           appConfig.Device,
		ConfirmationPhrase: appConfig.ConfirmationPhrase,
		DisplayLocation:    appConfig.DisplayLocation(),
	}
	if recorder != nil {
		serviceConfig.Metrics = recorder
	}
	service, err := dispenser.NewService(serviceConfig)
	if err != nil {
		return err
	}
	if _, err := service.Status(ctx); err != nil {
		return err
	}

	dashboardHandler, err := server.NewHTTPHandler(server.Dependencies{
		Service:        service,
		Dispatcher:     dispatcher,
		Logger:         logger,
		MetricsHandler: metricsHandler,
		RateLimit: server.RateLimitConfig{
			PerSecond: appConfig.RateLimitPerSecond,
			Burst:     appConfig.RateLimitBurst,
		},
		HistoryCacheTTL: appConfig.HistoryCacheTTL,
	})
	if err != nil {
		return err
	}

	hardwareConfig := hardware.HandlerConfig{
		Processor:    service,
		Logger:       logger,
		ReplyTimeout: appConfig.HardwareReplyTimeout,
	}
	if recorder != nil {
		hardwareConfig.Metrics = recorder
	}
	if appConfig.HardwareSigningSecret != "" {
		tokens, err := auth.NewDeviceTokenIssuer(auth.DeviceTokenConfig{
			SigningSecret: []byte(appConfig.HardwareSigningSecret),
		})
		if err != nil {
			return err
		}
		hardwareConfig.Tokens = tokens
	}
	websocketHandler, err := hardware.NewHandler(hardwareConfig)
	if err != nil {
		return err
	}
	hardwareRouter, err := server.NewHardwareHTTPHandler(websocketHandler)
	if err != nil {
		return err
	}

	sweeper, err := scheduler.NewJobScheduler(scheduler.Config{
		Sweeper:  service,
		Schedule: appConfig.SweepSchedule,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Request contexts derive from serveCtx so open dashboard streams end on shutdown.
	serveCtx, cancelServe := context.WithCancel(signalCtx)
	defer cancelServe()
	baseContext := func(net.Listener) context.Context {
		return serveCtx
	}

	dashboardServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     dashboardHandler,
		BaseContext: baseContext,
	}
	hardwareServer := &http.Server{
		Addr:        appConfig.HardwareAddress,
		Handler:     hardwareRouter,
		BaseContext: baseContext,
	}
	hardwareServer.RegisterOnShutdown(websocketHandler.CloseConnections)

	errCh := make(chan error, 2)
	serve := func(name string, httpServer *http.Server) {
		logger.Info("server starting", zap.String("listener", name), zap.String("address", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serve("dashboard", dashboardServer)
	go serve("hardware", hardwareServer)

	var runErr error
	select {
	case <-signalCtx.Done():
	case runErr = <-errCh:
	}
	cancelServe()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := errors.Join(
		dashboardServer.Shutdown(shutdownCtx),
		hardwareServer.Shutdown(shutdownCtx),
	)
	if runErr != nil {
		return runErr
	}
	return shutdownErr
}
