// Command orchestrator runs the debate orchestrator agent.
//
// The orchestrator owns per-task debate state: it routes fresh tasks to a
// proposer, runs the critique/refine rounds and publishes the final
// conclusion. One instance serves the whole deployment.
//
// # Configuration
//
// Environment variables (see package config for the full list):
//
//	REDIS_URL              - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	ORCHESTRATOR_NAME      - bus identity (default: "orchestrator")
//	PROPOSER_NAME          - proposer persona identity (default: "proposer")
//	CRITIC_NAME            - critic persona identity (default: "critic")
//	MAX_DEBATE_ROUNDS      - critique/refine round cap (default: 3)
//	ROUTER_DECISION_STORE  - "file" or "mongo" (default: "file")
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
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/config"
	"github.com/parleylabs/parley/effort"
	"github.com/parleylabs/parley/orchestrator"
	"github.com/parleylabs/parley/router"
	"github.com/parleylabs/parley/runtime"
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

	store, closeStore, err := openDecisionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rtr := router.New(
		router.WithLearningRate(cfg.RouterLearningRate),
		router.WithClusterUpdateFrequency(cfg.ClusterUpdateFrequency),
		router.WithStore(store),
		router.WithLogger(logger),
	)

	pub := runtime.NewPublisher(b, cfg.OrchestratorName,
		runtime.WithFrontendChannel(cfg.FrontendChannel),
		runtime.WithOrchestratorName(cfg.OrchestratorName),
		runtime.WithPublisherLogger(logger),
	)
	orch, err := orchestrator.New(pub,
		orchestrator.WithRouter(rtr),
		orchestrator.WithEstimator(effort.New(cfg.EstimatorOptions()...)),
		orchestrator.WithProposers(cfg.ProposerName),
		orchestrator.WithCritic(cfg.CriticName),
		orchestrator.WithMaxRounds(cfg.MaxDebateRounds),
		orchestrator.WithMinRounds(cfg.MinDebateRounds),
		orchestrator.WithMaxHistory(cfg.MaxHistorySize),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	rt, err := runtime.New(runtime.Config{
		Bus:               b,
		Agent:             orch,
		Name:              cfg.OrchestratorName,
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

	log.Printf(ctx, "orchestrator %q running (proposer=%s critic=%s rounds=%d)",
		cfg.OrchestratorName, cfg.ProposerName, cfg.CriticName, cfg.MaxDebateRounds)
	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// openDecisionStore builds the routing decision store named by the
// configuration. The returned closer releases the backing connection.
func openDecisionStore(ctx context.Context, cfg *config.Settings) (router.DecisionStore, func(), error) {
	switch cfg.DecisionStore {
	case config.StoreMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		store := router.NewMongoStore(client.Database(cfg.MongoDatabase).Collection("routing_decisions"))
		return store, func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		store, err := router.NewFileStore(cfg.DecisionFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open decision file: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}
