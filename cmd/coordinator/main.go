// Command coordinator runs the system readiness coordinator.
//
// The coordinator waits for the required agents to come online, then
// periodically aggregates their heartbeats into a readiness snapshot stored
// in Redis and broadcast to the frontend.
//
// # Configuration
//
// Environment variables (see package config for the full list):
//
//	REDIS_URL        - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD   - Redis password (optional)
//	COORDINATOR_NAME - bus identity (default: "coordinator")
//	REQUIRED_AGENTS  - comma-separated agents the system needs
//	READY_TIMEOUT    - how long to wait for agents at startup
//	CHECK_INTERVAL   - base readiness poll interval
//
// A .env file in the working directory is loaded when present.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/config"
	"github.com/parleylabs/parley/coordinator"
	"github.com/parleylabs/parley/telemetry"
)

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	// A missing .env simply means the environment is already set.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf(ctx, "close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	b, err := bus.NewRedis(rdb, bus.WithPublishTimeout(cfg.PublishTimeout))
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}

	logger := telemetry.NewClueLogger()

	c, err := coordinator.New(coordinator.Config{
		Bus:               b,
		RequiredAgents:    cfg.RequiredAgents,
		Name:              cfg.CoordinatorName,
		FrontendChannel:   cfg.FrontendChannel,
		ReadyTimeout:      cfg.ReadyTimeout,
		CheckInterval:     cfg.CheckInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
		Logger:            logger,
		Metrics:           telemetry.NewClueMetrics(),
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	// Channel used by both the signal handler and the run goroutine to
	// notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-ch)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()

	log.Printf(ctx, "coordinator %q running (required=%v)", cfg.CoordinatorName, cfg.RequiredAgents)
	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}
