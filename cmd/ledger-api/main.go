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

	"github.com/pocketledger/backend/internal/auth"
	"github.com/pocketledger/backend/internal/config"
	"github.com/pocketledger/backend/internal/database"
	"github.com/pocketledger/backend/internal/ledger"
	"github.com/pocketledger/backend/internal/logging"
	"github.com/pocketledger/backend/internal/photostore"
	"github.com/pocketledger/backend/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledger-api",
		Short: "Pocketledger sync backend service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Bool("sync-enabled", defaults.GetBool("sync.enabled"), "Serve sync routes")
	cmd.PersistentFlags().Bool("sync-premium-only", defaults.GetBool("sync.premium_only"), "Restrict sync to premium accounts")
	cmd.PersistentFlags().String("s3-bucket", defaults.GetString("s3.bucket"), "S3 bucket for transaction photos")
	cmd.PersistentFlags().String("s3-region", defaults.GetString("s3.region"), "S3 region")
	cmd.PersistentFlags().String("s3-endpoint", defaults.GetString("s3.endpoint"), "S3-compatible endpoint (MinIO)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.enabled", "sync-enabled")
	bindFlag(cmd, "sync.premium_only", "sync-premium-only")
	bindFlag(cmd, "s3.bucket", "s3-bucket")
	bindFlag(cmd, "s3.region", "s3-region")
	bindFlag(cmd, "s3.endpoint", "s3-endpoint")
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      time.Duration(appConfig.TokenTTLMinutes) * time.Minute,
	})

	var photos ledger.PhotoStore
	if appConfig.PhotosConfigured() {
		store, err := photostore.New(ctx, photostore.Config{
			Region:        appConfig.S3Region,
			Endpoint:      appConfig.S3Endpoint,
			Bucket:        appConfig.S3Bucket,
			AccessKey:     appConfig.S3AccessKey,
			SecretKey:     appConfig.S3SecretKey,
			PublicBaseURL: appConfig.S3PublicBaseURL,
		}, logger)
		if err != nil {
			return err
		}
		photos = store
	} else {
		logger.Warn("no photo store configured, transaction photos disabled")
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ledger.NewUUIDProvider(),
		Photos:     photos,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		LedgerService:  ledgerService,
		Dispatcher:     server.NewSyncDispatcher(),
		Access: server.AccessPolicy{
			SyncEnabled: appConfig.SyncEnabled,
			PremiumOnly: appConfig.SyncPremiumOnly,
		},
		Logger: logger,
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
