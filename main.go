package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/leogray15-maker/arcane-archives/config"
	"github.com/leogray15-maker/arcane-archives/internal/affiliate"
	"github.com/leogray15-maker/arcane-archives/internal/alerts"
	"github.com/leogray15-maker/arcane-archives/internal/api"
	"github.com/leogray15-maker/arcane-archives/internal/auth"
	"github.com/leogray15-maker/arcane-archives/internal/billing"
	"github.com/leogray15-maker/arcane-archives/internal/cache"
	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/events"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
	"github.com/leogray15-maker/arcane-archives/internal/notification"
	"github.com/leogray15-maker/arcane-archives/internal/store"
	"github.com/leogray15-maker/arcane-archives/internal/vault"

	"github.com/rs/zerolog"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ctx := context.Background()

	// Overlay secrets from Vault before anything reads them
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			log.Fatalf("Failed to connect to Vault: %v", err)
		}
		if err := vaultClient.ApplySecrets(ctx, cfg); err != nil {
			log.Fatalf("Failed to load secrets from Vault: %v", err)
		}
		// Secrets now live in the config; drop the client-side copies
		vaultClient.ClearCache()
		logger.Info("Vault secrets applied")
	}

	// Initialize database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)

	// Redis-backed cache (optional; the API degrades to direct reads)
	var cacheService *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without cache", "error", err)
			cacheService = nil
		} else {
			defer cacheService.Close()
			logger.Info("Cache service initialized")
		}
	}

	// Event bus for alert feed and operational events
	eventBus := events.NewEventBus()
	eventBus.SubscribeAll(func(e events.Event) {
		logger.Debug("Event published", "type", string(e.Type))
	})

	// Notification manager (Telegram and Discord trade alerts)
	notifyManager := notification.NewManager(logger)
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info("Telegram notifications enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info("Discord notifications enabled")
		}
	}

	// Commission audit trail goes to its own structured stream
	audit := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("stream", "commission-audit").
		Logger()

	// Affiliate engine
	resolver := affiliate.NewResolver(repo, logger)
	ledger := affiliate.NewLedger(repo, cfg.AffiliateConfig.CommissionAmount, cfg.AffiliateConfig.MinWithdrawal, eventBus, audit)

	// Stripe client and webhook reconciler
	billingClient := billing.NewClient(cfg.BillingConfig.StripeSecretKey)
	reconciler := billing.NewReconciler(repo, repo, ledger, cfg.BillingConfig.StripeWebhookSecret, logger)

	// Store checkout
	storeService := store.NewService(repo, billingClient, cfg.StoreConfig.Currency, logger)

	// Live alert board
	board := alerts.NewBoard(repo, notifyManager, eventBus, logger)

	// Auth
	authService, err := auth.NewService(repo, resolver, auth.Config{
		JWTSecret:            cfg.AuthConfig.JWTSecret,
		AccessTokenDuration:  cfg.AuthConfig.AccessTokenDuration,
		RefreshTokenDuration: cfg.AuthConfig.RefreshTokenDuration,
		MinPasswordLength:    cfg.AuthConfig.MinPasswordLength,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}

	if err := auth.SeedAdminUser(ctx, repo, cfg.AuthConfig.AdminEmail, cfg.AuthConfig.AdminPassword, logger); err != nil {
		log.Fatalf("Failed to seed admin user: %v", err)
	}

	// Session cleanup runs in the background
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			runCtx, runLog := logging.WithTraceContext(ctx)
			if err := authService.CleanupExpiredSessions(runCtx); err != nil {
				runLog.Warn("Session cleanup failed", "error", err)
			}
		}
	}()

	// Web server
	server := api.NewServer(api.ServerConfig{
		Port:            cfg.ServerConfig.Port,
		Host:            cfg.ServerConfig.Host,
		AllowedOrigins:  splitOrigins(cfg.ServerConfig.AllowedOrigins),
		ProductionMode:  true,
		StaticFilesPath: "./web/dist",
		BroadcastQueue:  cfg.AlertsConfig.BroadcastQueue,
	}, api.Deps{
		Repo:        repo,
		EventBus:    eventBus,
		AuthService: authService,
		Ledger:      ledger,
		Reconciler:  reconciler,
		Billing:     billingClient,
		PriceID:     cfg.BillingConfig.SubscriptionPriceID,
		Store:       storeService,
		Board:       board,
		Cache:       cacheService,
		Logger:      logger,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start web server: %v", err)
		}
	}()

	logger.Info("Arcane Archives platform started",
		"host", cfg.ServerConfig.Host,
		"port", cfg.ServerConfig.Port)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down web server", "error", err)
	}

	logger.Info("Shutdown complete")
}

// splitOrigins turns the comma-separated CORS setting into a list
func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
