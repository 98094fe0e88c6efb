// Package bus abstracts the message fabric: topic publish/subscribe plus a
// keyed ephemeral store with TTL. Topics and keys are disjoint namespaces.
//
// Two implementations ship with the package: Redis (production) and an
// in-memory bus (tests, single-process demos). Both deliver messages on a
// single topic in publish order and drop rather than block when a subscriber
// falls behind.
package bus

import (
	"context"
	"time"
)

type (
	// Bus couples pub/sub with the keyed TTL store, which is how every
	// deployment consumes it: the same broker carries both.
	Bus interface {
		Publisher
		Subscriber
		KV

		// Close releases bus-owned resources. It does not close
		// caller-owned connections.
		Close() error
	}

	// Publisher sends one message to every current subscriber of a topic.
	// Publishing is fire-and-forget: transient failures are logged and the
	// message is dropped, there is no client-side queue.
	Publisher interface {
		Publish(ctx context.Context, topic string, data []byte) error
	}

	// Subscriber opens a subscription on a topic. Implementations reconnect
	// transparently on connection loss, re-issuing the subscription with
	// exponential backoff capped at 5s.
	Subscriber interface {
		Subscribe(ctx context.Context, topic string) (Subscription, error)
	}

	// KV is the keyed ephemeral store. Values expire after their TTL and
	// read as absent afterwards.
	KV interface {
		SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, bool, error)
	}

	// Subscription yields messages until closed. The message channel closes
	// once the subscription winds down.
	Subscription interface {
		Messages() <-chan []byte
		Close()
	}
)

// Default topic and key names. Deployments override the channel names via
// configuration; the naming scheme itself is fixed.
const (
	// DefaultFrontendChannel is the broadcast topic relayed to every
	// websocket client.
	DefaultFrontendChannel = "frontend_channel"

	// DefaultToolRequestChannel lets agents address the tool core without
	// holding its channel name.
	DefaultToolRequestChannel = "tool_requests"

	// SandboxResultsChannel carries sandbox completion notices to the tool
	// core.
	SandboxResultsChannel = "sandbox:execution_results"

	// SystemStatusKey holds the coordinator's readiness aggregate.
	SystemStatusKey = "system_status"

	// SystemStatusTTL bounds how long a readiness aggregate stays fresh.
	SystemStatusTTL = 30 * time.Second

	// HeartbeatAlive is the value agents write under their heartbeat key.
	HeartbeatAlive = "alive"
)

// AgentChannel returns the dedicated inbound topic for an agent.
func AgentChannel(agent string) string { return agent + "_channel" }

// HeartbeatKey returns the keyed-state entry an agent refreshes while alive.
func HeartbeatKey(agent string) string { return agent + "_heartbeat" }
