package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/pipeline"
)

func main() {
	// 1. Resolve the configuration path
	configPath := os.Getenv("DREY_CONFIG")
	if configPath == "" {
		configPath = "drey.yml"
	}

	// 2. Load drey.yml configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", configPath, err)
		os.Exit(1)
	}

	// Environment override for containerized deployments
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}

	// 3. Assemble the pipeline
	p, err := pipeline.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to assemble pipeline: %v\n", err)
		os.Exit(1)
	}

	// 4. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// 5. Start the pipeline
	if err := p.Start(runCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to start pipeline: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("dreyd running for instance '%s'\n", cfg.Instance)

	// 6. Wait for shutdown signal
	sig := <-sigCh
	fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
	cancel()

	// 7. Stop with a bounded drain window
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := p.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("dreyd stopped")
}
