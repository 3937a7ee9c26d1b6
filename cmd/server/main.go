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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/sheaf-ai/sheaf/server/internal/admin"
	"github.com/sheaf-ai/sheaf/server/internal/auth"
	"github.com/sheaf-ai/sheaf/server/internal/config"
	"github.com/sheaf-ai/sheaf/server/internal/credit"
	"github.com/sheaf-ai/sheaf/server/internal/handler"
	"github.com/sheaf-ai/sheaf/server/internal/middleware"
	"github.com/sheaf-ai/sheaf/server/internal/node"
	"github.com/sheaf-ai/sheaf/server/internal/scheduler"
	"github.com/sheaf-ai/sheaf/server/internal/service"
	"github.com/sheaf-ai/sheaf/server/internal/store"
	"github.com/sheaf-ai/sheaf/server/internal/ws"
)

func main() {
	// ── Configuration ──
	cfg := config.Load()

	// ── Redis ──
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	log.Println("connected to Redis at", cfg.RedisAddr)

	// ── SQL Store ──
	dbDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
	st, err := store.NewStore(dbDSN)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	log.Printf("database initialised: %s@%s:%s/%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)

	// ── Credit Ledger ──
	creditSvc := credit.NewService(st.DB(), credit.Limits{
		GuestFreePages:         cfg.GuestFreePages,
		SignupBonusPages:       cfg.SignupBonusPages,
		EarlyAdopterBonusPages: cfg.EarlyAdopterBonusPages,
		EarlyAdopterCap:        cfg.EarlyAdopterCap,
	})

	// ── User & Admin Services ──
	userSvc := auth.NewUserService(st.DB())
	adminSvc := admin.NewService(st.DB(), creditSvc)

	// ── Scheduler ──
	sched := scheduler.NewScheduler(rdb, cfg)

	// ── WebSocket Hub (charges credits on successful settlement) ──
	waiter := ws.NewResultWaiter()
	hub := ws.NewHub(sched, waiter, creditSvc, st)

	// ── Worker Authenticator (ED25519) ──
	workerAuth, err := node.NewAuthenticator(cfg.WorkerVerifyKey)
	if err != nil {
		log.Fatalf("failed to init worker authenticator: %v", err)
	}

	// ── Service ──
	svc := service.NewDocumentService(sched, hub, waiter, st, cfg, creditSvc)

	// ── Lease Watchdog (background) ──
	watchdogCtx, watchdogCancel := context.WithCancel(ctx)
	defer watchdogCancel()
	go sched.StartLeaseWatchdog(watchdogCtx)

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger())

	h := handler.NewHandler(svc, hub, st, workerAuth)
	authHandler := handler.NewAuthHandler(userSvc, creditSvc)
	userHandler := handler.NewUserHandler(userSvc, creditSvc)
	adminHandler := handler.NewAdminHandler(userSvc, creditSvc, adminSvc)

	// Register routes; business endpoints resolve the caller to a
	// credit owner (API key or guest device header).
	identity := middleware.Identity(userSvc)
	authHandler.RegisterRoutes(r)
	h.RegisterRoutes(r, identity)
	userHandler.RegisterRoutes(r.Group("/api/v1", identity))

	// Register admin routes with admin token authentication
	adminHandler.RegisterRoutes(r.Group("/api/v1/admin", middleware.AdminTokenAuth(cfg.AdminToken)))

	// ── HTTP Server with graceful shutdown ──
	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	// ── Graceful Shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")
	watchdogCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	rdb.Close()
	log.Println("server exited cleanly")
}
