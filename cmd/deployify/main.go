package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Abhinav21110/deployify/internal/builder"
	"github.com/Abhinav21110/deployify/internal/config"
	"github.com/Abhinav21110/deployify/internal/detect"
	"github.com/Abhinav21110/deployify/internal/docker"
	"github.com/Abhinav21110/deployify/internal/httpx"
	"github.com/Abhinav21110/deployify/internal/logbus"
	"github.com/Abhinav21110/deployify/internal/migrate"
	"github.com/Abhinav21110/deployify/internal/provider"
	"github.com/Abhinav21110/deployify/internal/queue"
	"github.com/Abhinav21110/deployify/internal/repository/postgres"
	deploysvc "github.com/Abhinav21110/deployify/internal/service/deploy"
	"github.com/Abhinav21110/deployify/internal/vault"
	"github.com/Abhinav21110/deployify/internal/worker"
	"github.com/Abhinav21110/deployify/internal/workspace"
	"github.com/Abhinav21110/deployify/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("deployify", logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL(), cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	bus := logbus.New(repo, log)
	registry := provider.NewRegistry(
		provider.NewNetlify(log, ""),
		provider.NewVercel(log, ""),
	)

	vaultSvc, err := vault.New(repo, registry, cfg.EncryptionKey, log)
	if err != nil {
		log.Error("vault init failed", "error", err)
		os.Exit(1)
	}

	var jobQueue queue.Queue
	if addr := cfg.RedisAddr(); addr != "" {
		jobQueue, err = queue.NewRedis(addr, cfg.RedisPassword, 0, log)
		if err != nil {
			log.Error("redis queue unavailable", "addr", addr, "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("REDIS_HOST not set; using in-memory queue, jobs will not survive restart")
		jobQueue = queue.NewMemory()
	}
	defer jobQueue.Close()

	workspaceManager, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("workspace init failed", "error", err, "root", cfg.WorkspaceRoot)
		os.Exit(1)
	}
	if err := workspaceManager.Reset(); err != nil {
		log.Warn("workspace reset failed", "error", err)
	}

	dockerClient, err := docker.New(cfg.ContainerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("container daemon unreachable at startup; builds will fail until it returns", "error", err)
	}

	engine := builder.New(dockerClient, workspaceManager, log)
	deployService := deploysvc.New(repo, jobQueue, bus, log, cfg.MaxAttempts, cfg.JobTimeout)

	workerPool := worker.New(jobQueue, repo, bus, vaultSvc, registry, engine,
		detect.Workspace, log, cfg.WorkerCount)
	workerPool.RecoverStale(ctx, cfg.JobTimeout+2*time.Minute)
	go workerPool.Run(ctx)
	log.Info("worker pool started", "workers", cfg.WorkerCount)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := cfg.RedisAddr(); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPassword, 1, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deployService, vaultSvc, bus, registry, jobQueue,
		limiter, cfg.RateLimitPerMinute, pool.Ping, dockerClient.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
