package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinlogic/internal/config"
	"github.com/ehr/clinlogic/internal/platform/auth"
	"github.com/ehr/clinlogic/internal/platform/db"
	"github.com/ehr/clinlogic/internal/platform/logic"
	"github.com/ehr/clinlogic/internal/platform/middleware"
	"github.com/ehr/clinlogic/internal/platform/telemetry"
	"github.com/ehr/clinlogic/internal/platform/websocket"
	"github.com/ehr/clinlogic/migrations"
)

const (
	apiPrefix      = "/api/v1/logic"
	requestTimeout = 2 * time.Minute
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "logic-server",
		Short:        "Clinical logic evaluation engine",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(evalCmd())
	root.AddCommand(tokensCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the logic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	missing, err := db.MissingTables(ctx, pool, cfg.DBSchema, sourceTables()...)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("could not check data source tables")
	case len(missing) > 0:
		logger.Warn().Strs("tables", missing).Str("schema", cfg.DBSchema).Msg("data source tables missing, run migrate up")
	}

	svc, err := buildService(ctx, cfg, pool, logic.Options{}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise logic service")
	}

	e := newServer(cfg, svc, pool, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer assembles the echo instance: middleware, health checks, metrics,
// the token change feed and the logic API.
func newServer(cfg *config.Config, svc *logic.Service, pinger db.Pinger, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	tp := telemetry.NewProvider(telemetry.Config{
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
		GoCollectors:   true,
	})
	tp.WatchCache(svc.Cache())
	tp.WatchTokens(svc.Registry())
	tp.WatchPool(func() *db.PoolStats { return db.PoolStatsOf(pinger) })

	hub := websocket.NewHub(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", "16M"))

	if cfg.AuthEnabled() {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		logger.Warn().Msg("authentication disabled, requests run as the development admin")
		e.Use(auth.DevAuthMiddleware())
	}

	e.Use(middleware.Audit(logger, apiPrefix, tp, hub))

	health := db.HealthHandler(pinger)
	e.GET("/health", health)
	e.GET("/health/db", health)
	if cfg.MetricsEnabled {
		e.GET("/metrics", tp.Handler())
	}

	api := e.Group(apiPrefix, middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(api)

	timed := api.Group("", middleware.RequestTimeout(requestTimeout))
	logic.NewHandler(svc, cfg.IndexDateLayout).RegisterRoutes(timed)

	return e
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			to, _ := cmd.Flags().GetInt("to")

			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema, to)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Apply migrations up to this version (0 = all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, schema, statuses)
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	for _, sub := range []*cobra.Command{upCmd, statusCmd} {
		sub.Flags().String("schema", "public", "Target schema for migrations")
		sub.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	}
	return cmd
}

func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}

	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationFiles(dir)), pool.Close, nil
}

func printStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-8s %-28s %-11s %-20s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT", "TABLES")
	for _, s := range statuses {
		appliedAt := ""
		if s.Applied() {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		tables := strings.Join(s.Tables, ",")
		if len(s.Missing) > 0 {
			tables += " (missing: " + strings.Join(s.Missing, ",") + ")"
		}
		fmt.Fprintf(out, "%-8d %-28s %-11s %-20s %s\n", s.Version, s.Name, s.State(), appliedAt, tables)
	}
}
