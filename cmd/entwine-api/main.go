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

	"github.com/CandorWorksLab/entwine/backend/internal/auth"
	"github.com/CandorWorksLab/entwine/backend/internal/cache"
	"github.com/CandorWorksLab/entwine/backend/internal/chat"
	"github.com/CandorWorksLab/entwine/backend/internal/config"
	"github.com/CandorWorksLab/entwine/backend/internal/database"
	"github.com/CandorWorksLab/entwine/backend/internal/logging"
	"github.com/CandorWorksLab/entwine/backend/internal/overlap"
	"github.com/CandorWorksLab/entwine/backend/internal/profiles"
	"github.com/CandorWorksLab/entwine/backend/internal/pseudonym"
	"github.com/CandorWorksLab/entwine/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "entwine-api",
		Short: "Entwine partner overlap backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
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
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("auth-audience", defaults.GetString("auth.audience"), "Expected session token audience")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("hash-salt", "", "Partner pseudonym salt (overrides env)")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address for the stats cache (empty disables)")
	cmd.PersistentFlags().String("redis-password", "", "Redis password")
	cmd.PersistentFlags().Int("redis-db", defaults.GetInt("redis.db"), "Redis database index")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.audience", "auth-audience")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "hash.salt", "hash-salt")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "redis.password", "redis-password")
	bindFlag(cmd, "redis.db", "redis-db")
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

// newTokenCommand mints a development session token so local clients can
// exercise the protected routes without the external identity provider.
func newTokenCommand() *cobra.Command {
	var userID string
	var email string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development session token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), userID, email)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&userID, "user-id", "", "Subject claim for the token")
	tokenCmd.Flags().StringVar(&email, "email", "", "Email claim for the token")
	_ = tokenCmd.MarkFlagRequired("user-id")
	return tokenCmd
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

	hasher, err := pseudonym.NewHasher(appConfig.HashSalt)
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	idProvider := overlap.NewUUIDProvider()
	dispatcher := server.NewRealtimeDispatcher()

	rooms, err := chat.NewRooms(chat.RoomsConfig{
		Database:   db,
		IDProvider: idProvider,
	})
	if err != nil {
		return err
	}

	var statsCache overlap.StatsCache
	if appConfig.RedisAddr != "" {
		redisCache := cache.NewStatsCache(appConfig.RedisAddr, appConfig.RedisPassword, appConfig.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", appConfig.RedisAddr, err)
		}
		defer redisCache.Close()
		statsCache = redisCache
		logger.Info("stats cache enabled", zap.String("address", appConfig.RedisAddr))
	}

	overlapService, err := overlap.NewService(overlap.ServiceConfig{
		Database:   db,
		Hasher:     hasher,
		IDProvider: idProvider,
		Rooms:      rooms,
		Cache:      statsCache,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Rooms:      rooms,
		Members:    overlapService,
		Publisher:  dispatcher,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	profileService, err := profiles.NewService(profiles.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator: validator,
		Overlap:   overlapService,
		Profiles:  profileService,
		Chat:      chatService,
		Realtime:  dispatcher,
		Logger:    logger,
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
