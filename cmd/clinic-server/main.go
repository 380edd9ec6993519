package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicflow/scheduler/internal/config"
	"github.com/clinicflow/scheduler/internal/domain/scheduling"
	"github.com/clinicflow/scheduler/internal/platform/auth"
	"github.com/clinicflow/scheduler/internal/platform/db"
	"github.com/clinicflow/scheduler/internal/platform/events"
	"github.com/clinicflow/scheduler/internal/platform/lock"
	"github.com/clinicflow/scheduler/internal/platform/middleware"
	"github.com/clinicflow/scheduler/internal/platform/reqcache"
	"github.com/clinicflow/scheduler/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Clinic availability and appointment scheduling API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
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

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print the free slots of a clinic day",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinicID, err := uuidFlag(cmd, "clinic", true)
			if err != nil {
				return err
			}
			doctorID, err := uuidFlag(cmd, "doctor", false)
			if err != nil {
				return err
			}
			patientID, err := uuidFlag(cmd, "patient", false)
			if err != nil {
				return err
			}
			date, _ := cmd.Flags().GetString("date")

			return withService(cmd, func(ctx context.Context, svc *scheduling.Service) error {
				slots, err := svc.GetAvailableSlots(ctx, clinicID, date, doctorID, patientID)
				if err != nil {
					return err
				}
				if len(slots) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no free slots")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(slots, "\n"))
				return nil
			})
		},
	}
	cmd.Flags().String("clinic", "", "Clinic id")
	cmd.Flags().String("date", "", "Date (YYYY-MM-DD)")
	cmd.Flags().String("doctor", "", "Doctor id")
	cmd.Flags().String("patient", "", "Patient id")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Auto-complete elapsed appointments of a clinic",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinicID, err := uuidFlag(cmd, "clinic", true)
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc *scheduling.Service) error {
				n, err := svc.RefreshAppointmentStatuses(ctx, clinicID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Completed %d appointment(s).\n", n)
				return nil
			})
		},
	}
	cmd.Flags().String("clinic", "", "Clinic id")
	return cmd
}

func uuidFlag(cmd *cobra.Command, name string, required bool) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		if required {
			return uuid.Nil, fmt.Errorf("--%s is required", name)
		}
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: %w", name, err)
	}
	return id, nil
}

// withService wires a service against the configured stores for one-shot
// CLI commands.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *scheduling.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stderr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	deps, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	return fn(ctx, deps.svc)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  "clinic-server",
	}
}

type closer interface{ Close() error }

// deps holds the long-lived resources behind a Service.
type deps struct {
	svc     *scheduling.Service
	hub     *websocket.Hub
	pinger  db.Pinger
	stats   db.StatsFunc
	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func openDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	d.closers = append(d.closers, pool.Close)
	d.pinger = pool
	d.stats = db.PoolStatsFunc(pool)
	logger.Info().Msg("connected to database")

	var locker scheduling.Locker
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLocker(ctx, cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		d.closers = append(d.closers, closeLogged(rl, logger, "redis"))
		locker = rl
		logger.Info().Msg("booking locks backed by redis")
	} else {
		locker = lock.NewMemoryLocker()
		logger.Warn().Msg("REDIS_URL not set, booking locks are process-local")
	}

	var broker events.Publisher = events.LogPublisher{Logger: logger}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connect to amqp: %w", err)
		}
		d.closers = append(d.closers, closeLogged(ap, logger, "amqp"))
		broker = ap
	}
	d.hub = websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	publisher := events.Fanout{broker, d.hub}

	svc, err := buildService(cfg, logger,
		scheduling.NewScheduleRepoPG(pool), scheduling.NewAppointmentRepoPG(pool),
		locker, publisher)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.svc = svc
	return d, nil
}

func closeLogged(c closer, logger zerolog.Logger, name string) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Str("resource", name).Msg("close failed")
		}
	}
}

func buildService(cfg *config.Config, logger zerolog.Logger, sched scheduling.ScheduleRepository,
	appt scheduling.AppointmentRepository, locker scheduling.Locker, publisher scheduling.Publisher) (*scheduling.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	settings := scheduling.Settings{
		SlotMinutes:     cfg.SlotDurationMinutes,
		CompletionGrace: cfg.AutoCompleteGrace,
		Location:        loc,
		LockTTL:         cfg.BookingLockTTL,
	}
	return scheduling.NewService(sched, appt, settings,
		scheduling.WithLogger(logger.With().Str("component", "scheduling").Logger()),
		scheduling.WithLocker(locker),
		scheduling.WithPublisher(publisher),
	), nil
}

// newServer builds the HTTP surface. Health endpoints sit outside auth.
// The event stream is registered only when hub is non-nil.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *scheduling.Service, hub *websocket.Hub, pinger db.Pinger, stats db.StatsFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.ClinicHeader},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(cfg.DefaultClinic()))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.SkipPaths(auth.HealthPaths...),
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger, stats))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rateLimitCfg),
		middleware.RequestTimeout(cfg.RequestTimeout),
		reqcache.Middleware(reqcache.DefaultSize),
	)
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)

	// Long-lived streams stay outside the request timeout.
	if hub != nil {
		websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group("/api/v1/events"))
	}

	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: every request acts as clinic admin, do not expose this server")
	}

	ctx := context.Background()
	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise dependencies")
	}
	defer d.Close()

	e := newServer(cfg, logger, d.svc, d.hub, d.pinger, d.stats)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
