package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carechat/carechat/internal/config"
	"github.com/carechat/carechat/internal/domain/chat"
	"github.com/carechat/carechat/internal/platform/auth"
	"github.com/carechat/carechat/internal/platform/cache"
	"github.com/carechat/carechat/internal/platform/db"
	"github.com/carechat/carechat/internal/platform/middleware"
	"github.com/carechat/carechat/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "carechat-server",
		Short: "Patient and professional chat server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres)",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return fmt.Errorf("migrations apply to the %q driver only; %q creates its schema on start",
			config.DriverPostgres, cfg.StoreDriver)
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage development tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint an HS256 token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			patient, _ := cmd.Flags().GetString("patient")
			professional, _ := cmd.Flags().GetString("professional")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			keyCfg := &config.Config{AuthSigningKey: os.Getenv("AUTH_SIGNING_KEY")}
			tok, err := auth.IssueToken(keyCfg.SigningKeyBytes(), auth.TokenRequest{
				UserID:         user,
				PatientID:      patient,
				ProfessionalID: professional,
				Issuer:         os.Getenv("AUTH_ISSUER"),
				Audience:       os.Getenv("AUTH_AUDIENCE"),
				TTL:            ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	issueCmd.Flags().String("user", "", "Subject (user id)")
	issueCmd.Flags().String("patient", "", "Patient identity claim")
	issueCmd.Flags().String("professional", "", "Professional identity claim")
	issueCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.AddCommand(issueCmd)

	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores bundles the repositories selected by STORE_DRIVER with the hooks
// the health endpoint needs.
type stores struct {
	rooms    chat.RoomRepository
	messages chat.MessageRepository
	pinger   db.Pinger
	details  func() any
	closers  []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	st := &stores{}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)
		st.rooms = chat.NewRoomRepoPG(pool)
		st.messages = chat.NewMessageRepoPG(pool)
		st.pinger = pool
		st.details = func() any { return db.GetPoolStats(pool) }
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = sqlDB.Close() })
		store, err := chat.NewSQLiteStore(ctx, sqlDB)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.rooms, st.messages, st.pinger = store, store, store
	default:
		store := chat.NewMemoryStore()
		st.rooms, st.messages, st.pinger = store, store, store
	}
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store opened")

	if cfg.RedisURL != "" {
		client, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = client.Close() })
		roomCache := cache.New(client, "carechat:", cfg.RoomCacheTTL)
		st.rooms = chat.NewCachedRoomRepository(st.rooms, roomCache, logger)

		storeDetails := st.details
		st.details = func() any {
			d := map[string]any{"room_cache": roomCache.Stats()}
			if storeDetails != nil {
				d["pool"] = storeDetails()
			}
			return d
		}
		logger.Info().Msg("room cache enabled")
	}
	return st, nil
}

// server holds what runServer must shut down besides the HTTP listener.
type server struct {
	echo    *echo.Echo
	hub     *websocket.Hub
	revoked *auth.TokenRevocationStore
}

func newServer(cfg *config.Config, st *stores, logger zerolog.Logger) *server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	var hsts time.Duration
	if cfg.TLSEnabled {
		hsts = 365 * 24 * time.Hour
	}
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{HSTSMaxAge: hsts}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	revoked := auth.NewTokenRevocationStore()
	resolver := auth.NewJWTResolver(auth.JWTConfig{
		SigningKey: cfg.SigningKeyBytes(),
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
	}, revoked)

	hub := websocket.NewHub(cfg.ChatSubscriberBuffer, logger)
	svc := chat.NewService(st.rooms, st.messages, hub, chat.ServiceConfig{
		MaxContentLength: cfg.ChatMaxContentLength,
		AppendTimeout:    cfg.ChatAppendTimeout,
	}, logger)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version,
			"hub":     hub.Stats(),
		})
	})
	e.GET("/health/db", db.HealthHandler(st.pinger, st.details))

	prefix := e.Group(cfg.ChatPathPrefix)

	// The WebSocket route authenticates itself before upgrading.
	chat.NewSessionHandler(svc, resolver, hub, websocket.NewUpgrader(cfg.CORSOrigins), cfg.ChatIdleTimeout, logger).
		RegisterRoutes(prefix)

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := prefix.Group("",
		auth.Middleware(resolver),
		middleware.RateLimit(rateLimitCfg),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)
	chat.NewHandler(svc, logger).RegisterRoutes(api)
	auth.RegisterRevocationRoutes(api, revoked)

	return &server{echo: e, hub: hub, revoked: revoked}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"))
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	srv := newServer(cfg, st, logger)
	defer srv.revoked.Close()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("prefix", cfg.ChatPathPrefix).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = srv.echo.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.echo.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// Hijacked WebSocket connections outlive Shutdown; end their sessions.
	n := srv.hub.CloseAll()
	logger.Info().Int("sessions", n).Msg("server stopped")
	return nil
}
