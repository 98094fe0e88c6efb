// Command gateway runs the websocket frontend gateway.
//
// The gateway accepts browser websocket connections, forwards chat and task
// submissions to the orchestrator and broadcasts frontend traffic (and
// generation deltas when streaming is enabled) to every connected client.
//
// # Configuration
//
// Environment variables (see package config for the full list):
//
//	REDIS_URL        - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD   - Redis password (optional)
//	GATEWAY_ADDR     - HTTP listen address (default: ":8000")
//	FRONTEND_CHANNEL - channel frontend traffic is published on
//	REQUIRED_AGENTS  - agents reported by get_agent_status probes
//	STREAM_ENABLED   - relay response deltas from the Pulse stream
//	STREAM_NAME      - Pulse stream name (default: "parley:deltas")
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
	"github.com/parleylabs/parley/gateway"
	"github.com/parleylabs/parley/stream"
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

	var subs *stream.Subscriber
	if cfg.StreamEnabled {
		str, err := stream.Open(rdb, cfg.StreamName, 0)
		if err != nil {
			return fmt.Errorf("open delta stream: %w", err)
		}
		subs, err = stream.NewSubscriber(stream.SubscriberOptions{Stream: str})
		if err != nil {
			return fmt.Errorf("create delta subscriber: %w", err)
		}
	}

	gw, err := gateway.New(gateway.Config{
		Bus:              b,
		OrchestratorName: cfg.OrchestratorName,
		FrontendChannel:  cfg.FrontendChannel,
		RequiredAgents:   cfg.RequiredAgents,
		Streams:          subs,
		Pingers:          []health.Pinger{b},
		Logger:           logger,
		Metrics:          telemetry.NewClueMetrics(),
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

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
	handleHTTPServer(ctx, cfg.GatewayAddr, gw.Handler(), &wg, errc, dbg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()

	log.Printf(ctx, "gateway running (addr=%s stream=%t)", cfg.GatewayAddr, cfg.StreamEnabled)
	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}
