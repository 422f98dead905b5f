package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proofroom/proofroom/internal/accesstoken"
	"github.com/proofroom/proofroom/internal/analytics"
	"github.com/proofroom/proofroom/internal/archive"
	"github.com/proofroom/proofroom/internal/cache"
	"github.com/proofroom/proofroom/internal/content"
	"github.com/proofroom/proofroom/internal/database"
	"github.com/proofroom/proofroom/internal/geoip"
	"github.com/proofroom/proofroom/internal/hotlink"
	"github.com/proofroom/proofroom/internal/media"
	"github.com/proofroom/proofroom/internal/ratelimit"
	"github.com/proofroom/proofroom/internal/security"
	"github.com/proofroom/proofroom/internal/server"
	"github.com/proofroom/proofroom/internal/share"
	"github.com/proofroom/proofroom/internal/storage"
	"github.com/redis/go-redis/v9"
)

type cachePinger struct {
	client *redis.Client
}

func (c cachePinger) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded environment from .env")
	}

	port := getEnv("PORT", "8080")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	cookieSecret := os.Getenv("COOKIE_SECRET")
	if cookieSecret == "" {
		log.Fatal("COOKIE_SECRET is required")
	}

	hotlinkCfg, err := hotlinkConfigFromEnv()
	if err != nil {
		log.Fatalf("invalid hotlink configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}
	log.Println("database migrations applied")

	redisClient, err := cache.Connect(ctx, getEnv("REDIS_URL", "redis://localhost:6379/0"))
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisClient.Close()
	log.Println("redis connected")

	store, err := newStorage(ctx)
	if err != nil {
		log.Fatalf("storage initialization failed: %v", err)
	}

	locator := geoip.Open(os.Getenv("GEOIP_DB_PATH"))
	defer locator.Close()
	if locator.Enabled() {
		log.Println("geoip database loaded")
	}

	baseURL := getEnv("BASE_URL", "http://localhost:8080")
	secureCookies := strings.HasPrefix(baseURL, "https://")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tracker := analytics.NewTracker(db.Pool, analytics.NewMetrics(registry))

	repo := media.NewRepository(db.Pool)
	events := security.NewLog(db.Pool, locator)
	limiter := ratelimit.NewLimiter(redisClient)
	tokens := accesstoken.NewStore(redisClient, time.Duration(getEnvInt64("ACCESS_TOKEN_TTL_SECONDS", int64(accesstoken.DefaultTTL/time.Second)))*time.Second)

	contentCfg := content.DefaultConfig()
	contentCfg.BaseURL = baseURL
	contentCfg.IPRule.MaxRequests = getEnvInt64("RATE_LIMIT_IP_PER_MINUTE", contentCfg.IPRule.MaxRequests)
	contentCfg.SessionRule.MaxRequests = getEnvInt64("RATE_LIMIT_SESSION_PER_MINUTE", contentCfg.SessionRule.MaxRequests)
	contentCfg.ChunkCap = getEnvInt64("MEDIA_CHUNK_CAP_BYTES", contentCfg.ChunkCap)
	contentCfg.FrameAncestors = strings.Fields(os.Getenv("ALLOWED_FRAME_ANCESTORS"))

	builder := archive.NewBuilder(store, repo, redisClient, archive.Config{
		Workers:      int(getEnvInt64("ARCHIVE_WORKERS", 2)),
		BuildTimeout: time.Duration(getEnvInt64("ARCHIVE_BUILD_TIMEOUT_SECONDS", 600)) * time.Second,
		WorkDir:      os.Getenv("ARCHIVE_WORK_DIR"),
	})

	contentHandler := content.NewHandler(tokens, repo, store, share.NewBinder(cookieSecret, secureCookies), limiter, events, contentCfg)
	contentHandler.SetHotlinkDetector(hotlink.NewDetector(redisClient, locator, hotlinkCfg))
	contentHandler.SetTracker(tracker)
	contentHandler.SetArchiver(builder)
	log.Printf("hotlink protection mode: %s", hotlinkCfg.Mode)

	srv := server.New(server.Config{
		Pinger:         db,
		CachePinger:    cachePinger{client: redisClient},
		Content:        contentHandler,
		SecurityEvents: events,
		Limiter:        limiter,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		JWTSecret:      jwtSecret,
		BaseURL:        baseURL,
	})

	// No WriteTimeout: streams end with the request context.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("proofroom listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownCh
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
	log.Println("waiting for archive builds...")
	builder.Wait()
	log.Println("shutdown complete")
}

func newStorage(ctx context.Context) (storage.Backend, error) {
	switch backend := getEnv("STORAGE_BACKEND", "s3"); backend {
	case "local":
		return storage.NewLocal(getEnv("LOCAL_STORAGE_DIR", "./data"))
	case "s3":
		s3Store, err := storage.NewS3(ctx, storage.Config{
			Endpoint:  getEnv("S3_ENDPOINT", "http://localhost:3900"),
			Bucket:    getEnv("S3_BUCKET", "proofroom"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Region:    getEnv("S3_REGION", "eu-central-1"),
		})
		if err != nil {
			return nil, err
		}
		if err := s3Store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("bucket check: %w", err)
		}
		return s3Store, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}
}

func hotlinkConfigFromEnv() (hotlink.Config, error) {
	cfg := hotlink.DefaultConfig()
	mode, err := hotlink.ParseMode(os.Getenv("HOTLINK_MODE"))
	if err != nil {
		return hotlink.Config{}, err
	}
	cfg.Mode = mode
	cfg.AllowedOrigins = splitList(os.Getenv("HOTLINK_ALLOWED_ORIGINS"))
	cfg.MaxIPsPerSession = getEnvInt64("HOTLINK_MAX_IPS_PER_SESSION", cfg.MaxIPsPerSession)
	cfg.MaxFirstSeenRequests = getEnvInt64("HOTLINK_MAX_FIRST_SEEN_REQUESTS", cfg.MaxFirstSeenRequests)
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
