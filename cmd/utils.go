package cmd

import (
	"context"
	"flag"
	"fmt"
	"image-analysis-backend/internal/api"
	"image-analysis-backend/internal/config"
	"image-analysis-backend/internal/core"
	"image-analysis-backend/internal/database"
	"image-analysis-backend/internal/metrics"
	"image-analysis-backend/internal/storage"
	"image-analysis-backend/internal/store"
	"log"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	if err := godotenv.Load(configPath); err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func NewCorrelationStore(cfg config.StoreConfig) (store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.StoreType {
	case "memory":
		slog.Warn("using in-memory correlation store, requests are lost on restart and not shared between processes")
		return store.NewMemoryStore(), nil

	case "sqlite":
		db, err := database.NewSqliteDatabase(cfg.SqlitePath)
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(db), nil

	default:
		db, err := database.NewDatabase(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(db), nil
	}
}

// NewPayloadStore returns nil when images travel inline in the work items.
func NewPayloadStore(ctx context.Context, cfg config.PayloadConfig) (*core.PayloadStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var objects storage.ObjectStore
	switch cfg.PayloadStore {
	case "inline":
		return nil, nil

	case "local":
		local, err := storage.NewLocalObjectStore(cfg.PayloadDir)
		if err != nil {
			return nil, fmt.Errorf("error creating local payload store: %w", err)
		}
		objects = local

	case "s3":
		s3Store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating s3 payload store: %w", err)
		}
		objects = s3Store
	}

	payloads := core.NewPayloadStore(objects, cfg.PayloadBucket)
	if err := payloads.Init(ctx); err != nil {
		return nil, fmt.Errorf("error creating payload bucket '%s': %w", cfg.PayloadBucket, err)
	}

	slog.Info("offloading image payloads", "store", cfg.PayloadStore, "bucket", cfg.PayloadBucket)
	return payloads, nil
}

func NewScorer(cfg config.ScorerConfig) (core.Scorer, error) {
	return core.LoadScorer(core.NewScorerLoaders(), cfg.ScorerType, core.ScorerConfig{
		TopK:      cfg.TopK,
		RemoteURL: cfg.ScorerURL,
		APIKey:    cfg.ScorerAPIKey,
		Timeout:   cfg.ScoreTimeout,
	})
}

func NewRouter(service *api.BackendService, name string) *chi.Mux {
	r := chi.NewRouter()

	requestMetrics := metrics.NewMiddleware(name)
	requestMetrics.MustRegister(prometheus.DefaultRegisterer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics.Handler)

	r.Handle("/metrics", metrics.Handler())
	service.AddRoutes(r)

	return r
}

func NewServer(handler http.Handler, addr string) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: handler,
	}
}
