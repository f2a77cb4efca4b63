package webhook

import (
	"time"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
)

type EventType string

const (
	EventPending      EventType = "deployment.pending"
	EventConnecting   EventType = "deployment.connecting"
	EventActive       EventType = "deployment.active"
	EventDisconnected EventType = "deployment.disconnected"
	EventFailed       EventType = "deployment.failed"
	EventStopped      EventType = "deployment.stopped"
)

// EventFor maps a deployment state to the event announcing it.
func EventFor(state supervisor.State) EventType {
	return EventType("deployment." + string(state))
}

type Event struct {
	EventType    EventType `json:"event_type"`
	DeploymentID string    `json:"deployment_id"`
	OwnerID      string    `json:"owner_id,omitempty"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Config struct {
	URLs       []string
	Secret     string
	Events     []EventType
	Workers    int
	RetryLimit int
	QueueSize  int
	Timeout    time.Duration
	// AllowPrivate accepts plain HTTP and local network targets.
	AllowPrivate bool

	// OwnerOf resolves the owner of a deployment at delivery time.
	OwnerOf func(deploymentID string) string
	// OnDelivered observes the final outcome of each delivery.
	OnDelivered func(event string, delivered bool)
}

func ConfigFromEnv() Config {
	var events []EventType
	for _, name := range env.GetEnvListOrDefault("WEBHOOK_EVENTS", nil) {
		events = append(events, EventType(name))
	}
	return Config{
		URLs:         env.GetEnvListOrDefault("WEBHOOK_URLS", nil),
		Secret:       env.GetEnvStringOrDefault("WEBHOOK_SECRET", ""),
		Events:       events,
		Workers:      env.GetEnvPositiveIntOrDefault("WEBHOOK_WORKERS", 4, 1),
		RetryLimit:   env.GetEnvPositiveIntOrDefault("WEBHOOK_RETRY_LIMIT", 3, 1),
		QueueSize:    env.GetEnvPositiveIntOrDefault("WEBHOOK_QUEUE_SIZE", 1000, 1),
		Timeout:      env.GetEnvDurationOrDefault("WEBHOOK_TIMEOUT", 10*time.Second),
		AllowPrivate: env.GetEnvBoolOrDefault("WEBHOOK_ALLOW_PRIVATE", false),
	}
}
