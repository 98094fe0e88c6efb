// Command worker runs a single debate persona, proposer or critic.
//
// Each persona is its own process with its own bus identity so deployments
// can scale and restart them independently. The role is selected with the
// -role flag.
//
// # Configuration
//
// Environment variables (see package config for the full list):
//
//	REDIS_URL             - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD        - Redis password (optional)
//	PROPOSER_NAME         - proposer bus identity (default: "proposer")
//	CRITIC_NAME           - critic bus identity (default: "critic")
//	TOOL_REQUEST_CHANNEL  - channel tool requests are published on
//	STREAM_ENABLED        - publish response deltas to the Pulse stream
//	STREAM_NAME           - Pulse stream name (default: "parley:deltas")
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

	"github.com/parleylabs/parley/agents"
	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/config"
	"github.com/parleylabs/parley/runtime"
	"github.com/parleylabs/parley/stream"
	"github.com/parleylabs/parley/telemetry"
)

func main() {
	roleF := flag.String("role", string(agents.RoleProposer), "Persona to run (proposer|critic)")
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

	if err := run(ctx, agents.Role(*roleF)); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, role agents.Role) error {
	// A missing .env simply means the environment is already set.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	var name string
	switch role {
	case agents.RoleProposer:
		name = cfg.ProposerName
	case agents.RoleCritic:
		name = cfg.CriticName
	default:
		return fmt.Errorf("unknown role %q", role)
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

	pub := runtime.NewPublisher(b, name,
		runtime.WithFrontendChannel(cfg.FrontendChannel),
		runtime.WithOrchestratorName(cfg.OrchestratorName),
		runtime.WithPublisherLogger(logger),
	)
	tc := runtime.NewToolClient(pub,
		runtime.WithToolRequestChannel(cfg.ToolRequestChannel),
		runtime.WithToolClientLogger(logger),
	)

	opts := []agents.WorkerOption{
		agents.WithToolClient(tc),
		agents.WithMaxHistory(cfg.MaxHistorySize),
		agents.WithLogger(logger),
	}
	if cfg.StreamEnabled {
		str, err := stream.Open(rdb, cfg.StreamName, 0)
		if err != nil {
			return fmt.Errorf("open delta stream: %w", err)
		}
		spub, err := stream.NewPublisher(stream.PublisherOptions{Stream: str})
		if err != nil {
			return fmt.Errorf("create delta publisher: %w", err)
		}
		opts = append(opts,
			agents.WithDeltaSink(spub),
			agents.WithStreamingGenerator(agents.Stream(agents.Canned(), 0)),
		)
	}

	worker, err := agents.NewWorker(role, pub, opts...)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	rt, err := runtime.New(runtime.Config{
		Bus:               b,
		Agent:             worker,
		Name:              name,
		Publisher:         pub,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}

	// Channel used by both the signal handler and the run goroutine to
	// notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()

	log.Printf(ctx, "worker %q running (role=%s stream=%t)", name, role, cfg.StreamEnabled)
	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}
