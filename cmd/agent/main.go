// Package main 执行节点入口
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"batch-orchestrator/internal/agent"
	"batch-orchestrator/internal/config"
	"batch-orchestrator/internal/shared/infra"
	"batch-orchestrator/pkg/logging"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting Agent... [env=%s]", cfg.Env)

	logger := logging.Default("agent")

	redisInfra, err := infra.NewRedisInfra(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisInfra.Close()
	log.Println("Connected to Redis")

	ag, err := agent.New(agent.Config{
		ID:                cfg.Agent.ID,
		Capacity:          cfg.Agent.Capacity,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		HeartbeatTTL:      cfg.Agent.HeartbeatTTL,
	}, redisInfra.Bus(), redisInfra.Liveness(), logger)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down agent...")
		cancel()
	}()

	log.Printf("Agent %s consuming queue %s", cfg.Agent.ID, ag.QueueName())
	if err := ag.Start(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Agent error: %v", err)
	}

	fmt.Println("Agent stopped")
}
