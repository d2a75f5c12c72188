package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/pdfshelf/internal/config"
	"github.com/maneesh/pdfshelf/internal/db"
	"github.com/maneesh/pdfshelf/internal/handlers"
	"github.com/maneesh/pdfshelf/internal/library"
	"github.com/maneesh/pdfshelf/internal/pin"
	"github.com/maneesh/pdfshelf/internal/render"
	"github.com/maneesh/pdfshelf/internal/shell"
	"github.com/maneesh/pdfshelf/internal/storage"
	"github.com/maneesh/pdfshelf/internal/tracing"
	"github.com/maneesh/pdfshelf/internal/viewer"
	"github.com/maneesh/pdfshelf/internal/websocket"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Info("Starting pdfshelf service...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Infof("Service: %s, Port: %s", cfg.ServiceName, cfg.ServicePort)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, version, cfg.OTelEndpoint, cfg.TracingEnabled)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warnf("Error shutting down tracer: %v", err)
		}
	}()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Initialize record store
	log.Infof("Connecting to %s record store...", cfg.StoreDriver)
	conn, err := db.Open(cfg.StoreDriver, cfg.GetDSN())
	if err != nil {
		log.Fatalf("Failed to connect to record store: %v", err)
	}
	if err := db.Migrate(conn, cfg.StoreDriver); err != nil {
		log.Fatalf("Failed to migrate record store: %v", err)
	}
	bookStore := storage.NewBookStore(conn, cfg.StoreDriver)
	defer bookStore.Close()
	log.Info("Record store initialized")

	// Initialize object storage
	objects, err := newObjectStore(startCtx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	// Initialize Redis record cache
	var cache library.RecordCache = library.NoCache{}
	if cfg.RedisEnabled {
		log.Info("Connecting to Redis...")
		redisCache, err := storage.NewRedisCache(startCtx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to initialize Redis client: %v", err)
		}
		defer redisCache.Close()
		cache = redisCache
		log.Info("Redis client initialized")
	}

	service := library.NewService(bookStore, objects, cache)

	opener := render.NewFitzOpener(2*time.Minute, cfg.GetMaxUploadBytes())
	thumbs, err := viewer.NewThumbnailer(opener, cfg.ThumbnailScale, cfg.ThumbnailCacheSize)
	if err != nil {
		log.Fatalf("Failed to initialize thumbnailer: %v", err)
	}

	app := shell.New(service, opener, thumbs, cfg.ViewerSessionLimit)
	defer app.Close()
	if status := app.Load(startCtx); status != shell.StatusReady {
		log.Warn("Library not reachable at startup; clients can retry")
	}

	gate := pin.NewGate(cfg.LibraryPIN, cfg.SessionSecret, time.Duration(cfg.SessionTTLMinutes)*time.Minute)
	if !gate.Enabled() {
		log.Warn("LIBRARY_PIN is empty; the library is unlocked")
	}

	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	handler := handlers.NewHandler(app, gate, hub, cfg.GetMaxUploadBytes())
	router := handlers.NewRouter(handler, cfg.AllowedOrigin)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Infof("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}

func newObjectStore(ctx context.Context, cfg *config.Config) (library.ObjectStore, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		log.Info("Connecting to S3...")
		store, err := storage.NewS3Store(ctx, cfg.MinIOBucketName, cfg.S3Region, cfg.S3AccessKeyID, cfg.S3SecretKey, cfg.GetPublicBaseURL())
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			return nil, err
		}
		log.Info("S3 client initialized")
		return store, nil
	default:
		log.Info("Connecting to MinIO...")
		store, err := storage.NewMinioStore(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey,
			cfg.MinIOBucketName, cfg.MinIOUseSSL, cfg.GetPublicBaseURL())
		if err != nil {
			return nil, err
		}
		log.Info("MinIO client initialized")
		return store, nil
	}
}
