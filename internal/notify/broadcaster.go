// Package notify broadcasts change notifications to interested clients. Every
// document and task event for a project is published on the single channel
// "project-<project_id>" so one subscription covers all document kinds.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/events"
)

const (
	channelPrefix    = "project-"
	broadcastTimeout = 5 * time.Second
)

var errMissingClient = errors.New("notify: redis client is required")

// Broadcaster publishes event payloads to per-project redis channels.
type Broadcaster struct {
	client *redis.Client
	logger *zap.Logger
}

// BroadcasterConfig describes the dependencies for a Broadcaster.
type BroadcasterConfig struct {
	Client *redis.Client
	Logger *zap.Logger
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{client: cfg.Client, logger: logger}, nil
}

// ChannelName returns the notification channel for a project.
func ChannelName(projectID string) string {
	return channelPrefix + projectID
}

// Broadcast publishes the payload on the named channel.
func (b *Broadcaster) Broadcast(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// envelope is the wire form of a broadcast event.
type envelope struct {
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Attach subscribes the broadcaster to every bus event. Events without a
// project id have no channel and are skipped.
func (b *Broadcaster) Attach(bus *events.Bus) {
	bus.SubscribeAll(func(event events.Event) {
		if event.ProjectID == "" {
			return
		}
		encoded, err := json.Marshal(envelope{
			Type:       event.Type,
			ProjectID:  event.ProjectID,
			Payload:    event.Payload,
			OccurredAt: event.OccurredAt,
		})
		if err != nil {
			b.logger.Error("broadcast encode failed", zap.String("event_type", event.Type), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()
		if err := b.Broadcast(ctx, ChannelName(event.ProjectID), encoded); err != nil {
			b.logger.Error("broadcast failed",
				zap.String("event_type", event.Type),
				zap.String("project_id", event.ProjectID),
				zap.Error(err))
		}
	})
}
