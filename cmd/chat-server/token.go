package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/auth"
	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/config"
	"github.com/marha-hwang/ktb-BootcampChat/internal/database"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/sharedstore"
	"github.com/marha-hwang/ktb-BootcampChat/internal/users"
)

type tokenOptions struct {
	userID string
	name   string
	email  string
}

// newTokenCommand issues a bearer token and an application session for a
// user, creating the profile when needed. Intended for local clients and
// smoke tests.
func newTokenCommand() *cobra.Command {
	options := tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token and session for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd.Context(), cmd, options)
		},
	}
	cmd.Flags().StringVar(&options.userID, "user", "", "User id (required)")
	cmd.Flags().StringVar(&options.name, "name", "", "Display name")
	cmd.Flags().StringVar(&options.email, "email", "", "Email address")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func issueToken(ctx context.Context, cmd *cobra.Command, options tokenOptions) error {
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

	directory, err := users.NewDirectory(users.DirectoryConfig{Database: db})
	if err != nil {
		return err
	}
	name := options.name
	if name == "" {
		name = options.userID
	}
	user := chat.User{ID: options.userID, Name: name, Email: options.email}
	if err := directory.Upsert(ctx, user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}

	var shared sharedstore.Store
	if appConfig.RedisAddress != "" {
		client, err := sharedstore.NewRedisClient(ctx, sharedstore.RedisConfig{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		shared = sharedstore.NewRedis(client)
	} else {
		logger.Warn("redis not configured; the session only lives in this process")
		shared = sharedstore.NewMemory(time.Now)
	}

	sessions, err := auth.NewSessionStore(auth.SessionStoreConfig{Store: shared, TTL: appConfig.SessionTTL})
	if err != nil {
		return err
	}
	sessionID, err := sessions.Create(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueToken(user.ID, user.Name)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	logger.Info("token issued", zap.String("user_id", user.ID), zap.Int64("expires_in", expiresIn))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "token=%s\n", token)
	fmt.Fprintf(out, "sessionId=%s\n", sessionID)
	return nil
}
