package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/census-portal-api/internal/migrations"
	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/internal/repository"
	"github.com/noah-isme/census-portal-api/internal/service"
	"github.com/noah-isme/census-portal-api/pkg/config"
	"github.com/noah-isme/census-portal-api/pkg/database"
	"github.com/noah-isme/census-portal-api/pkg/logger"
)

const commandTimeout = 2 * time.Minute

var (
	adminUsername string
	adminEmail    string
	adminFullName string
	adminPassword string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(ctx context.Context, db *sqlx.DB, logr *zap.Logger) error {
			applied, err := migrations.NewMigrator(db, logr).Up(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		})
	},
}

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create an administrator account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		password := adminPassword
		if password == "" {
			password = os.Getenv("PORTAL_ADMIN_PASSWORD")
		}
		return withDatabase(cmd, func(ctx context.Context, db *sqlx.DB, logr *zap.Logger) error {
			users := service.NewUserService(repository.NewUserRepository(db), validator.New(), logr)
			user, err := users.Create(ctx, service.CreateUserRequest{
				Username: adminUsername,
				Email:    adminEmail,
				FullName: adminFullName,
				Role:     models.RoleAdmin,
				Password: password,
			}, "", models.RequestMeta{UserAgent: "portalctl"})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created administrator %s (%s)\n", user.Username, user.ID)
			return nil
		})
	},
}

var expireWindowsCmd = &cobra.Command{
	Use:   "expire-windows",
	Short: "Record the expiry of an upload window whose deadline has passed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(ctx context.Context, db *sqlx.DB, logr *zap.Logger) error {
			validate := validator.New()
			userRepo := repository.NewUserRepository(db)
			notifications := service.NewNotificationService(repository.NewNotificationRepository(db), userRepo, validate, nil, logr)
			windows := service.NewWindowService(
				repository.NewWindowRepository(db),
				userRepo,
				repository.NewSubmissionRepository(db),
				notifications,
				userRepo,
				validate,
				nil,
				logr,
				service.WindowConfig{},
			)
			expired, err := windows.FinalizeExpired(ctx)
			if err != nil {
				return err
			}
			if expired {
				fmt.Fprintln(cmd.OutOrStdout(), "window expired")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to expire")
			}
			return nil
		})
	},
}

func withDatabase(cmd *cobra.Command, fn func(ctx context.Context, db *sqlx.DB, logr *zap.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	return fn(ctx, db, logr)
}
