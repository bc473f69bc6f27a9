// Copyright 2026 The VoxQuota Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxquota/voxquota/internal/audit"
	"github.com/voxquota/voxquota/internal/config"
	"github.com/voxquota/voxquota/internal/observability/logger"
	"github.com/voxquota/voxquota/internal/observability/metrics"
	"github.com/voxquota/voxquota/internal/observability/tracing"
	"github.com/voxquota/voxquota/internal/quota"
	"github.com/voxquota/voxquota/internal/store/postgres"
	transportHTTP "github.com/voxquota/voxquota/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting voxquota admission controller")

	// Phase: CLI Commands
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if len(os.Args) > 1 && os.Args[1] == "admin-token" {
		subject := "ops"
		if len(os.Args) > 2 {
			subject = os.Args[2]
		}
		token, err := transportHTTP.MintAdminToken(cfg.Admin.JWTSecret, subject, cfg.Admin.TokenTTL)
		if err != nil {
			fmt.Printf("Failed to mint admin token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		os.Exit(0)
	}

	// Initialize context
	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		os.Exit(1)
	}
	defer tracer.Shutdown(ctx)

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
		os.Exit(1)
	}
	quotaMetrics, err := metrics.NewQuotaMetrics(meter)
	if err != nil {
		slog.Error("failed to create quota metrics", logger.Error(err))
		os.Exit(1)
	}

	// Initialize the record store
	var store quota.Store
	if cfg.Quota.Store == "memory" {
		slog.Warn("using in-memory quota store; records will not survive a restart")
		store = quota.NewMemoryStore()
	} else {
		db, err := postgres.New(ctx, postgres.Config{
			Host:         cfg.Database.Host,
			Port:         cfg.Database.Port,
			User:         cfg.Database.User,
			Password:     cfg.Database.Password,
			Database:     cfg.Database.Database,
			SSLMode:      cfg.Database.SSLMode,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			slog.Error("failed to connect to database", logger.Error(err))
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("connected to database")
		store = postgres.NewQuotaRepository(db)
	}

	// Window calculator in the configured zone
	loc, err := time.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		slog.Error("invalid quota timezone", logger.Error(err))
		os.Exit(1)
	}

	auditLogger := audit.NewSlogLogger()
	controller := quota.NewController(store, quota.NewCalculator(loc), quota.Config{
		Defaults: quota.Defaults{
			MonthlyLimitMinutes: cfg.Quota.DefaultMonthlyLimitMinutes,
			WeeklyLimitMinutes:  cfg.Quota.DefaultWeeklyLimitMinutes,
		},
		MonthlyAutoReset: cfg.Quota.MonthlyAutoReset,
		MaxRetries:       cfg.Quota.CASMaxRetries,
	}, auditLogger)

	// Initialize rate limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Create HTTP handler and router
	handler := transportHTTP.NewHandler(controller, quotaMetrics, cfg.Admin.JWTSecret)
	router := transportHTTP.NewRouter(handler, rateLimiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	slog.Info("migrations applied")
	return nil
}
