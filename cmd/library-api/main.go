package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/library/internal/config"
	"github.com/MarcoPoloResearchLab/library/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "library-api",
		Short: "Library sign-in backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired associations and nonces once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), cmd)
		},
	}
	rootCmd.AddCommand(sweepCmd)

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
	cmd.PersistentFlags().String("public-url", defaults.GetString("http.public_url"), "External origin used for OpenID realm and return_to")
	cmd.PersistentFlags().StringSlice("trusted-proxies", nil, "Proxy addresses or CIDRs whose X-Forwarded-For is honored")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-identity-url", defaults.GetString("admin.identity_url"), "OpenID identity URL granted administrator rights")
	cmd.PersistentFlags().Duration("openid-skew", defaults.GetDuration("openid.skew"), "Clock skew tolerated for nonces and association sweeps")
	cmd.PersistentFlags().String("nonce-backend", defaults.GetString("nonce.backend"), "Nonce store backend (database, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis nonce backend")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("sweep.interval"), "Interval between background sweeps")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.public_url", "public-url")
	bindFlag(cmd, "http.trusted_proxies", "trusted-proxies")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.identity_url", "admin-identity-url")
	bindFlag(cmd, "openid.skew", "openid-skew")
	bindFlag(cmd, "nonce.backend", "nonce-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "sweep.interval", "sweep-interval")
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

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go app.sweeper.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("public_url", appConfig.PublicURL),
			zap.String("nonce_backend", appConfig.NonceBackend))
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

func runSweep(ctx context.Context, cmd *cobra.Command) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	results, err := app.sweeper.SweepOnce(ctx)
	for _, result := range results {
		if result.Err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: failed: %v\n", result.Name, result.Err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted %d\n", result.Name, result.Deleted)
	}
	return err
}
