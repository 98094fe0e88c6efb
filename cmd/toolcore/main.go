// Command toolcore runs the tool execution service.
//
// The service consumes tool requests from the bus, executes registry tools
// locally or through the Python sandbox, and publishes results back to the
// requesting agent. It also serves the registry management HTTP API.
//
// # Configuration
//
// Environment variables (see package config for the full list):
//
//	REDIS_URL              - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	TOOLCORE_NAME          - bus identity (default: "toolcore")
//	TOOLS_FILE             - tool registry YAML path (default: "tools.yaml")
//	TOOL_REQUEST_CHANNEL   - channel tool requests arrive on
//	SANDBOX_API_URL        - Python sandbox base URL (default: "http://localhost:8001")
//	TOOLCORE_ADDR          - HTTP listen address (default: ":8002")
//	FILES_ROOT             - directory file tools are confined to
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
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/config"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/toolcore"
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

	if err := run(ctx, *dbgF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, dbg bool) error {
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

	registry, err := toolcore.OpenRegistry(cfg.ToolsFile)
	if err != nil {
		return fmt.Errorf("open tool registry: %w", err)
	}
	sandbox := toolcore.NewSandboxClient(cfg.SandboxAPIURL, nil)

	svc, err := toolcore.New(toolcore.Config{
		Bus:               b,
		Registry:          registry,
		Sandbox:           sandbox,
		Name:              cfg.ToolCoreName,
		RequestChannel:    cfg.ToolRequestChannel,
		FrontendChannel:   cfg.FrontendChannel,
		OrchestratorName:  cfg.OrchestratorName,
		FilesRoot:         cfg.FilesRoot,
		PollInterval:      cfg.SandboxPollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
		Logger:            logger,
		Metrics:           telemetry.NewClueMetrics(),
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	api := toolcore.NewAPI(toolcore.APIConfig{
		Service: svc,
		Logger:  logger,
		Pingers: []health.Pinger{b, sandbox},
	})

	// Channel used by the signal handler, the HTTP server and the run
	// goroutine to notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	handleHTTPServer(ctx, cfg.ToolCoreAddr, api.Handler(), &wg, errc, dbg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()

	log.Printf(ctx, "toolcore %q running (tools=%s sandbox=%s)",
		cfg.ToolCoreName, cfg.ToolsFile, cfg.SandboxAPIURL)
	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}
