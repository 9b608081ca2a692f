// Package main 调度端入口
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batch-orchestrator/internal/config"
	"batch-orchestrator/internal/scheduler/dispatch"
	"batch-orchestrator/internal/scheduler/server"
	"batch-orchestrator/internal/scheduler/supervisor"
	"batch-orchestrator/internal/scheduler/taskstate"
	"batch-orchestrator/internal/scheduler/workflow"
	"batch-orchestrator/internal/shared/infra"
	"batch-orchestrator/internal/shared/storage/dbutil"
	"batch-orchestrator/internal/shared/storage/driver/postgres"
	"batch-orchestrator/internal/shared/storage/driver/sqlite"
	"batch-orchestrator/internal/shared/storage/repository"
	"batch-orchestrator/pkg/logging"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting Scheduler Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	logger := logging.Default("scheduler-server")

	// 初始化持久化存储
	db, dialect, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := dialect.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}
	store := repository.NewStore(db, dialect)
	defer store.Close()
	log.Printf("Connected to database [driver=%s]", cfg.DBDriver)

	// 初始化 Redis（存活追踪 + 消息总线）
	redisInfra, err := infra.NewRedisInfra(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisInfra.Close()
	log.Println("Connected to Redis")

	// 组装调度核心
	machine := taskstate.New(store, store, logger)
	dispatcher := dispatch.NewDispatcher(redisInfra.Bus(), machine, store, logger)
	executor := workflow.NewExecutor(machine, dispatcher, store, logger)
	sup := supervisor.New(machine, dispatcher, store, executor, cfg.Supervisor.Interval, logger)
	listener := dispatch.NewResultListener(redisInfra.Bus(), machine, store, logger)

	h := server.NewHandler(store, redisInfra.Liveness(), machine, dispatcher, executor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := listener.Start(ctx); err != nil {
		log.Fatalf("Failed to start result listener: %v", err)
	}
	sup.Start(ctx)
	h.StartGaugeSampler(ctx, 15*time.Second)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		cancel()
	}()

	log.Printf("Scheduler Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// openDatabase 按配置选择数据库驱动
func openDatabase(cfg *config.Config) (*sql.DB, dbutil.Dialect, error) {
	switch cfg.DBDriver {
	case "sqlite":
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return db, sqlite.NewDialect(), nil
	default:
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return db, postgres.NewDialect(), nil
	}
}
