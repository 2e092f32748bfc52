package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/database/memory"
	"github.com/kozaktomas/face-identity/internal/database/mysql"
	"github.com/kozaktomas/face-identity/internal/database/postgres"
	"github.com/kozaktomas/face-identity/internal/engine"
	"github.com/kozaktomas/face-identity/internal/lifecycle"
	"github.com/kozaktomas/face-identity/internal/logger"
	"github.com/kozaktomas/face-identity/internal/metrics"
	"github.com/kozaktomas/face-identity/internal/session"
	"github.com/kozaktomas/face-identity/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the Face Identity HTTP API.
Configuration is read from the environment (and an optional .env file).
API_KEY and EMBEDDING_URL must point at a running inference service.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

// backend is an opened identity store plus its shutdown hooks.
type backend struct {
	store database.Store
	save  func() error
	close func() error
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	switch cfg.Database.Backend {
	case config.BackendMemory:
		if cfg.Database.HNSWEnabled {
			log.Info("Using in-memory store with HNSW search")
			return &backend{store: memory.NewWithHNSW()}, nil
		}
		log.Info("Using in-memory store")
		return &backend{store: memory.New()}, nil

	case config.BackendPostgres:
		if cfg.Database.URL == "" {
			return nil, errors.New("DATABASE_URL environment variable is required")
		}
		log.Info("Connecting to PostgreSQL database")
		pool, err := postgres.Open(ctx, &cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		store := postgres.NewStore(pool)
		if cfg.Database.HNSWEnabled {
			initHNSW(ctx, store, cfg.Database.HNSWIndexPath, log)
		}
		return &backend{store: store, save: store.SaveHNSWIndex, close: pool.Close}, nil

	case config.BackendMySQL:
		log.Info("Connecting to MySQL database")
		pool, err := mysql.Open(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MySQL: %w", err)
		}
		return &backend{store: mysql.NewStore(pool), close: pool.Close}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Database.Backend)
}

// initHNSW builds or loads the in-memory embedding index. A failure leaves
// search on pgvector.
func initHNSW(ctx context.Context, store *postgres.Store, indexPath string, log *logger.Logger) {
	if err := store.EnableHNSW(ctx, indexPath); err != nil {
		log.Warn("Failed to build HNSW index, search will use PostgreSQL", "error", err)
		return
	}
	log.Info("HNSW index ready", "embeddings", store.HNSWCount(), "path", indexPath)
}

func openSessions(cfg *config.Config, log *logger.Logger) (session.Store, error) {
	switch cfg.Session.Backend {
	case config.BackendRedis:
		log.Info("Using Redis session store")
		return session.NewRedisStore(cfg.Session.RedisURL)
	case config.BackendMemory, "":
		return session.NewMemoryStore(time.Minute), nil
	}
	return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
}

// resolveServeHostPort applies --host and --port over the environment.
func resolveServeHostPort(cmd *cobra.Command, cfg *config.Config) {
	if port := mustGetInt(cmd, "port"); port != 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	resolveServeHostPort(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	if !cfg.RecommendedThreshold() {
		log.Warn("Similarity threshold outside the usual 0.5-0.7 range",
			"threshold", cfg.Matching.SimilarityThreshold)
	}

	m := metrics.New("")
	ctx := context.Background()

	be, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if be.close != nil {
		defer be.close()
	}
	store := database.NewGuard(be.store, cfg.Database.Timeout, cfg.Database.Retries,
		database.WithObserver(m.ExternalCall("store")))

	sessionStore, err := openSessions(cfg, log)
	if err != nil {
		return err
	}
	defer sessionStore.Close()
	sessions := session.NewManager(sessionStore, cfg.Enrollment.SessionTTL, cfg.Enrollment.MaxImagesPerRegistration)

	detector := engine.New(cfg.Embedding.URL, cfg.Embedding.Timeout,
		engine.WithObserver(m.ExternalCall("engine")))

	svc, err := lifecycle.New(cfg, detector, store,
		lifecycle.WithLogger(log),
		lifecycle.WithRecorder(m),
		lifecycle.WithSessions(sessions),
	)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	server := web.NewServer(cfg, svc, log, m)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutting down")
		if be.save != nil {
			if err := be.save(); err != nil {
				log.Warn("Failed to save HNSW index", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Error during shutdown", "error", err)
		}
	}()

	log.Info("Service configured",
		"addr", fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		"store", cfg.Database.Backend,
		"sessions", cfg.Session.Backend,
		"embedding_url", cfg.Embedding.URL)

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
