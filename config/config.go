// Package config loads runtime settings from the environment.
//
// Every service binary reads the same Settings struct so that a single
// .env file can drive a whole deployment. Values follow the
// environment-variable-with-default convention:
//
//	REDIS_URL                    - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD               - Redis password (optional)
//	PUBLISH_TIMEOUT              - bus publish deadline (default: "2s")
//	ORCHESTRATOR_NAME            - orchestrator agent name (default: "orchestrator")
//	PROPOSER_NAME                - proposer agent name (default: "proposer")
//	CRITIC_NAME                  - critic agent name (default: "critic")
//	TOOLCORE_NAME                - tool core agent name (default: "toolcore")
//	COORDINATOR_NAME             - coordinator agent name (default: "coordinator")
//	HEARTBEAT_INTERVAL           - heartbeat period (default: "10s")
//	HEARTBEAT_TTL                - heartbeat key TTL (default: "15s")
//	MAX_DEBATE_ROUNDS            - refinement round cap (default: 3)
//	MIN_DEBATE_ROUNDS            - advisory round floor (default: 2)
//	MAX_HISTORY_SIZE             - per-task history bound (default: 10)
//	ROUTER_LEARNING_RATE         - exploration probability (default: 0.1)
//	CLUSTERING_UPDATE_FREQUENCY  - completions per model update (default: 50)
//	ROUTER_DECISION_STORE        - "file" or "mongo" (default: "file")
//	ROUTER_DECISION_FILE         - JSONL path for the file store (default: "decisions.jsonl")
//	MONGO_URL                    - Mongo URI for the mongo store (default: "mongodb://localhost:27017")
//	MONGO_DATABASE               - Mongo database name (default: "parley")
//	EFFORT_TUNING                - enable estimator auto-tuning (default: false)
//	TOOLS_FILE                   - YAML tool definitions (default: "tools.yaml")
//	TOOL_REQUEST_CHANNEL         - tool request topic (default: "tool_requests")
//	SANDBOX_API_URL              - sandbox base URL (default: "http://localhost:8001")
//	SANDBOX_POLL_INTERVAL        - sandbox result poll period (default: "1s")
//	TOOLCORE_ADDR                - tool core HTTP listen address (default: ":8002")
//	FILES_ROOT                   - directory boxing the file tools (default: "workspace")
//	FRONTEND_CHANNEL             - frontend broadcast topic (default: "frontend_channel")
//	GATEWAY_ADDR                 - gateway HTTP listen address (default: ":8000")
//	REQUIRED_AGENTS              - comma-separated readiness set (default: "proposer,critic,orchestrator")
//	READY_TIMEOUT                - startup readiness deadline (default: "60s")
//	CHECK_INTERVAL               - coordinator poll period (default: "10s")
//	STREAM_ENABLED               - enable delta streaming (default: false)
//	STREAM_NAME                  - pulse stream for deltas (default: "parley:deltas")
//
// Durations accept Go syntax ("90s", "2m") or a bare integer meaning
// seconds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/effort"
	"github.com/parleylabs/parley/router"
)

// Decision store kinds accepted by ROUTER_DECISION_STORE.
const (
	StoreFile  = "file"
	StoreMongo = "mongo"
)

// Settings holds every tunable the services read. Zero value is not
// usable; obtain one through FromEnv or Default.
type Settings struct {
	// Bus.
	RedisURL       string
	RedisPassword  string
	PublishTimeout time.Duration

	// Agent identity and liveness.
	OrchestratorName  string
	ProposerName      string
	CriticName        string
	ToolCoreName      string
	CoordinatorName   string
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	// Debate.
	MaxDebateRounds int
	MinDebateRounds int
	MaxHistorySize  int

	// Routing and effort estimation.
	RouterLearningRate     float64
	ClusterUpdateFrequency int
	DecisionStore          string
	DecisionFile           string
	MongoURL               string
	MongoDatabase          string
	EffortTuning           bool

	// Tool execution.
	ToolsFile           string
	ToolRequestChannel  string
	SandboxAPIURL       string
	SandboxPollInterval time.Duration
	ToolCoreAddr        string
	FilesRoot           string

	// Gateway.
	FrontendChannel string
	GatewayAddr     string

	// Coordinator.
	RequiredAgents []string
	ReadyTimeout   time.Duration
	CheckInterval  time.Duration

	// Delta streaming.
	StreamEnabled bool
	StreamName    string
}

// Default returns the settings used when no environment is set.
func Default() *Settings {
	return &Settings{
		RedisURL:       "localhost:6379",
		PublishTimeout: bus.DefaultPublishTimeout,

		OrchestratorName:  "orchestrator",
		ProposerName:      "proposer",
		CriticName:        "critic",
		ToolCoreName:      "toolcore",
		CoordinatorName:   "coordinator",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      15 * time.Second,

		MaxDebateRounds: 3,
		MinDebateRounds: 2,
		MaxHistorySize:  10,

		RouterLearningRate:     router.DefaultLearningRate,
		ClusterUpdateFrequency: router.DefaultClusterUpdateFrequency,
		DecisionStore:          StoreFile,
		DecisionFile:           router.DefaultDecisionFile,
		MongoURL:               "mongodb://localhost:27017",
		MongoDatabase:          "parley",

		ToolsFile:           "tools.yaml",
		ToolRequestChannel:  bus.DefaultToolRequestChannel,
		SandboxAPIURL:       "http://localhost:8001",
		SandboxPollInterval: time.Second,
		ToolCoreAddr:        ":8002",
		FilesRoot:           "workspace",

		FrontendChannel: bus.DefaultFrontendChannel,
		GatewayAddr:     ":8000",

		RequiredAgents: []string{"proposer", "critic", "orchestrator"},
		ReadyTimeout:   60 * time.Second,
		CheckInterval:  10 * time.Second,

		StreamName: "parley:deltas",
	}
}

// FromEnv loads settings from the environment on top of the defaults
// and validates the result.
func FromEnv() (*Settings, error) {
	s := Default()

	s.RedisURL = envOr("REDIS_URL", s.RedisURL)
	s.RedisPassword = os.Getenv("REDIS_PASSWORD")
	s.PublishTimeout = envDurationOr("PUBLISH_TIMEOUT", s.PublishTimeout)

	s.OrchestratorName = envOr("ORCHESTRATOR_NAME", s.OrchestratorName)
	s.ProposerName = envOr("PROPOSER_NAME", s.ProposerName)
	s.CriticName = envOr("CRITIC_NAME", s.CriticName)
	s.ToolCoreName = envOr("TOOLCORE_NAME", s.ToolCoreName)
	s.CoordinatorName = envOr("COORDINATOR_NAME", s.CoordinatorName)
	s.HeartbeatInterval = envDurationOr("HEARTBEAT_INTERVAL", s.HeartbeatInterval)
	s.HeartbeatTTL = envDurationOr("HEARTBEAT_TTL", s.HeartbeatTTL)

	s.MaxDebateRounds = envIntOr("MAX_DEBATE_ROUNDS", s.MaxDebateRounds)
	s.MinDebateRounds = envIntOr("MIN_DEBATE_ROUNDS", s.MinDebateRounds)
	s.MaxHistorySize = envIntOr("MAX_HISTORY_SIZE", s.MaxHistorySize)

	s.RouterLearningRate = envFloatOr("ROUTER_LEARNING_RATE", s.RouterLearningRate)
	s.ClusterUpdateFrequency = envIntOr("CLUSTERING_UPDATE_FREQUENCY", s.ClusterUpdateFrequency)
	s.DecisionStore = envOr("ROUTER_DECISION_STORE", s.DecisionStore)
	s.DecisionFile = envOr("ROUTER_DECISION_FILE", s.DecisionFile)
	s.MongoURL = envOr("MONGO_URL", s.MongoURL)
	s.MongoDatabase = envOr("MONGO_DATABASE", s.MongoDatabase)
	s.EffortTuning = envBoolOr("EFFORT_TUNING", s.EffortTuning)

	s.ToolsFile = envOr("TOOLS_FILE", s.ToolsFile)
	s.ToolRequestChannel = envOr("TOOL_REQUEST_CHANNEL", s.ToolRequestChannel)
	s.SandboxAPIURL = envOr("SANDBOX_API_URL", s.SandboxAPIURL)
	s.SandboxPollInterval = envDurationOr("SANDBOX_POLL_INTERVAL", s.SandboxPollInterval)
	s.ToolCoreAddr = envOr("TOOLCORE_ADDR", s.ToolCoreAddr)
	s.FilesRoot = envOr("FILES_ROOT", s.FilesRoot)

	s.FrontendChannel = envOr("FRONTEND_CHANNEL", s.FrontendChannel)
	s.GatewayAddr = envOr("GATEWAY_ADDR", s.GatewayAddr)

	s.RequiredAgents = envListOr("REQUIRED_AGENTS", s.RequiredAgents)
	s.ReadyTimeout = envDurationOr("READY_TIMEOUT", s.ReadyTimeout)
	s.CheckInterval = envDurationOr("CHECK_INTERVAL", s.CheckInterval)

	s.StreamEnabled = envBoolOr("STREAM_ENABLED", s.StreamEnabled)
	s.StreamName = envOr("STREAM_NAME", s.StreamName)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	if s.MaxDebateRounds < 1 {
		return fmt.Errorf("MAX_DEBATE_ROUNDS must be at least 1, got %d", s.MaxDebateRounds)
	}
	if s.MinDebateRounds < 0 || s.MinDebateRounds > s.MaxDebateRounds {
		return fmt.Errorf("MIN_DEBATE_ROUNDS must be between 0 and MAX_DEBATE_ROUNDS (%d), got %d", s.MaxDebateRounds, s.MinDebateRounds)
	}
	if s.MaxHistorySize < 1 {
		return fmt.Errorf("MAX_HISTORY_SIZE must be at least 1, got %d", s.MaxHistorySize)
	}
	if s.RouterLearningRate < 0 || s.RouterLearningRate > 1 {
		return fmt.Errorf("ROUTER_LEARNING_RATE must be in [0,1], got %g", s.RouterLearningRate)
	}
	if s.ClusterUpdateFrequency < 1 {
		return fmt.Errorf("CLUSTERING_UPDATE_FREQUENCY must be at least 1, got %d", s.ClusterUpdateFrequency)
	}
	if s.DecisionStore != StoreFile && s.DecisionStore != StoreMongo {
		return fmt.Errorf("ROUTER_DECISION_STORE must be %q or %q, got %q", StoreFile, StoreMongo, s.DecisionStore)
	}
	if s.HeartbeatTTL <= s.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TTL (%s) must exceed HEARTBEAT_INTERVAL (%s)", s.HeartbeatTTL, s.HeartbeatInterval)
	}
	if len(s.RequiredAgents) == 0 {
		return fmt.Errorf("REQUIRED_AGENTS must name at least one agent")
	}
	return nil
}

// EstimatorOptions translates settings into effort estimator options.
func (s *Settings) EstimatorOptions() []effort.EstimatorOption {
	var opts []effort.EstimatorOption
	if s.EffortTuning {
		opts = append(opts, effort.WithTuning())
	}
	return opts
}

// AgentNames returns every canonical agent name, orchestrator first.
func (s *Settings) AgentNames() []string {
	return []string{s.OrchestratorName, s.ProposerName, s.CriticName, s.ToolCoreName, s.CoordinatorName}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a
// default. Bare integers are read as seconds.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

// envListOr returns the environment variable as a comma-separated list
// or a default. Blank entries are dropped.
func envListOr(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
