/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize logger and store (memory, SQLite or Postgres)
  3. Create engine, API handler and expiry scheduler
  4. Optionally seed a workshop with the default program
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port            HTTP server port
  -db              SQLite database path (":memory:" for an in-memory database)
  -driver          Store driver: sqlite, postgres or memory. sqlite serializes
                   every write; use postgres for parallel writes across clients
  -seed-workshop   Apply the default program to this workshop at startup

ENVIRONMENT:
  PORT, DB_DRIVER, DATABASE_URL, SQLITE_PATH, JWT_SECRET, EXPIRY_SCHEDULE,
  LOG_LEVEL, PROGRAM_FILE, ALLOWED_ORIGINS. See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiry scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # Run with file database
  ./server -db="./data/loyalty.db"

  # Run against Postgres
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server

  # Local demo with a seeded workshop
  ./server -driver=memory -seed-workshop=demo

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment keys and defaults
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/loyalty"
	memstore "github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/observability"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	driver := flag.String("driver", "", "Store driver: sqlite, postgres or memory (overrides DB_DRIVER)")
	seedWorkshop := flag.String("seed-workshop", "", "Apply the default program to this workshop at startup")
	flag.Parse()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}
	if *driver != "" {
		cfg.DBDriver = *driver
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()
	ctx := observability.WithFields(context.Background(),
		observability.Field{Key: "db_driver", Value: cfg.DBDriver})

	// Initialize store
	store, health, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "Failed to initialize store", err)
	}
	defer closeStore()

	engine := loyalty.NewEngine(store, loyalty.WithLogger(logger))

	// Initialize handler
	handler, err := api.NewHandler(engine, logger)
	if err != nil {
		logger.Fatal(ctx, "Failed to build default program", err)
	}
	handler.Health = health

	if cfg.ProgramFile != "" {
		data, err := os.ReadFile(cfg.ProgramFile)
		if err != nil {
			logger.Fatal(ctx, "Failed to read program file", err)
		}
		program, err := handler.ProgramFactory.ParseProgram(data)
		if err != nil {
			logger.Fatal(ctx, "Invalid program file", err)
		}
		handler.DefaultProgram = program
	}

	if *seedWorkshop != "" {
		seedCtx := loyalty.WithWorkshop(ctx, loyalty.WorkshopID(*seedWorkshop))
		if err := handler.ProgramFactory.Apply(seedCtx, engine, handler.DefaultProgram); err != nil {
			logger.Fatal(seedCtx, "Failed to seed workshop", err)
		}
		logger.Info(seedCtx, "workshop seeded with default program")
	}

	scheduler, err := api.NewExpiryScheduler(engine, cfg.ExpirySchedule, logger)
	if err != nil {
		logger.Fatal(ctx, "Failed to create expiry scheduler", err)
	}
	scheduler.Start()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Origins(),
		JWTSecret:      cfg.JWTSecret,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info(observability.WithFields(ctx, observability.Field{Key: "addr", Value: server.Addr}),
			"server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "Server failed", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Server forced to shutdown", err)
	}

	logger.Info(ctx, "server stopped")
}

// openStore returns the configured store with its health check and closer.
func openStore(ctx context.Context, cfg config.Config) (loyalty.Store, func(context.Context) error, func(), error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		return memstore.NewMemory(), nil, func() {}, nil

	case config.DriverPostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg.Ping, func() { pg.Close() }, nil

	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return db, db.Ping, func() { db.Close() }, nil
	}
}
