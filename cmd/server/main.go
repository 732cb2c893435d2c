package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"classwatch-backend/internal/bus"
	"classwatch-backend/internal/config"
	"classwatch-backend/internal/database"
	"classwatch-backend/internal/handlers"
	"classwatch-backend/internal/middleware"
	"classwatch-backend/internal/repository"
	"classwatch-backend/internal/router"
	"classwatch-backend/internal/services"
	"classwatch-backend/internal/websocket"
	"classwatch-backend/internal/worker"
)

const busChannel = "classwatch:events"

func main() {
	log.Println("🚀 Starting Classwatch Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	instanceID := uuid.New()
	if cfg.InstanceID != "" {
		parsed, err := uuid.Parse(cfg.InstanceID)
		if err != nil {
			log.Fatalf("✗ INSTANCE_ID is not a UUID: %v", err)
		}
		instanceID = parsed
	}
	log.Printf("✓ Instance id %s", instanceID)

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis (optional) ────
	// Redis backs the cross-instance bus and the artifact cache. Both fail
	// open, so a missing broker means single-instance mode, not a crash.
	var redisClients *database.RedisClients
	if cfg.RedisURL != "" {
		redisClients, err = database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠ Redis unavailable, running single-instance: %v", err)
			redisClients = nil
		} else {
			defer redisClients.Close()
			log.Println("✓ Redis connected")
		}
	} else {
		log.Println("⚠ REDIS_URL not set, running single-instance")
	}

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	deviceRepo := repository.NewDeviceRepo(pool)
	identityRepo := repository.NewIdentityRepo(pool)
	linkRepo := repository.NewLinkRepo(pool)
	heartbeatRepo := repository.NewHeartbeatRepo(pool)
	schoolRepo := repository.NewSchoolRepo(pool)

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	schoolService := services.NewSchoolService(schoolRepo)

	presenceStore := services.NewPresenceStore(
		time.Duration(cfg.OnlineThresholdSec)*time.Second,
		time.Duration(cfg.IdleThresholdSec)*time.Second,
	)

	var cacheClient, pubsubClient *redis.Client
	if redisClients != nil {
		cacheClient, pubsubClient = redisClients.Cache, redisClients.PubSub
	}
	artifactCache := services.NewArtifactCache(cacheClient, time.Duration(cfg.ArtifactTTLSec)*time.Second)

	// ──── Step 5: Rehydrate Presence ────
	rehydrateCtx, cancelRehydrate := context.WithTimeout(context.Background(), 30*time.Second)
	schoolIDs, err := schoolRepo.ListIDs(rehydrateCtx)
	if err != nil {
		log.Fatalf("✗ School listing failed: %v", err)
	}
	if err := presenceStore.Rehydrate(rehydrateCtx, heartbeatRepo, identityRepo, schoolIDs); err != nil {
		log.Fatalf("✗ Presence rehydration failed: %v", err)
	}
	cancelRehydrate()
	log.Println("✓ Presence store rehydrated")

	// ──── Step 6: Wire Registry, Bus, and Pipeline ────
	// The reconciler publishes through the bus, the bus routes through the
	// hub, and the hub feeds the pipeline; the publisher sides are bound
	// after construction to close the loop.
	reconciler := services.NewReconciler(deviceRepo, identityRepo, linkRepo, presenceStore, time.Duration(cfg.LinkTTLHours)*time.Hour)

	heartbeatPool := worker.NewPool(
		schoolService,
		reconciler,
		heartbeatRepo,
		presenceStore,
		cfg.HeartbeatWorkers,
		cfg.HeartbeatQueueDepth,
	)

	wsHub := websocket.NewHub(
		schoolService,
		artifactCache,
		heartbeatPool,
		reconciler,
		cfg.JWTSecret,
		time.Duration(cfg.AuthHandshakeTimeoutSec)*time.Second,
	)

	eventBus := bus.New(instanceID, wsHub, pubsubClient, busChannel)
	wsHub.SetPublisher(eventBus)
	reconciler.SetPublisher(eventBus)
	heartbeatPool.SetPublisher(eventBus)

	eventBus.Start()
	log.Println("✓ Broadcast bus started")

	heartbeatPool.Start()
	log.Printf("✓ Heartbeat pipeline started (%d workers)", cfg.HeartbeatWorkers)

	sweeper := services.NewSweeper(
		reconciler,
		heartbeatRepo,
		time.Duration(cfg.HeartbeatRetentionHours)*time.Hour,
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
	)
	sweeper.Start()
	log.Println("✓ Sweeper started")

	// ──── Step 7: Start HTTP Server ────
	presenceHandler := handlers.NewPresenceHandler(presenceStore, artifactCache)
	// Steady-state traffic rides the socket, so only connection churn hits
	// the limiter.
	wsLimiter := middleware.NewUpgradeLimiter(cfg.WSUpgradeLimit, time.Duration(cfg.WSUpgradeWindowSec)*time.Second)
	r := router.New(jwtAuth, presenceHandler, wsHub, wsLimiter)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		sweeper.Stop()
		heartbeatPool.Stop()
		eventBus.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ Classwatch Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
