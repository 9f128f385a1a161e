package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-pm-lifecycle/internal/logger"
	"github.com/pesio-ai/be-pm-lifecycle/internal/service"
)

// Compile-time checks.
var (
	_ service.Notifier = (*NATSNotifier)(nil)
	_ service.Notifier = (*RedisNotifier)(nil)
	_ service.Notifier = (*LogNotifier)(nil)
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "notifications.pm"

// subject returns <prefix>.<event_type>.
func subject(prefix, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s", prefix, eventType)
}

// notification is the JSON schema published to the bus.
type notification struct {
	*service.Event
	ResourceType string `json:"resource_type,omitempty"`
	IsActionable bool   `json:"is_actionable"`
	Category     string `json:"category"`
}

func encode(ev *service.Event) ([]byte, error) {
	n := &notification{Event: ev, Category: "pm_lifecycle"}
	switch ev.Type {
	case service.EventApprovalRequired, service.EventApprovalDelegated:
		n.ResourceType = ev.EntityType
		n.IsActionable = true
	case service.EventStageReady:
		n.ResourceType = "stage"
		n.IsActionable = true
	default:
		n.ResourceType = ev.EntityType
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return data, nil
}

// ── NATS ──────────────────────────────────────────────────────────────────────

// natsPublisher is the subset of *nats.Conn the notifier needs.
type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSNotifier publishes engine events to NATS for consumption by the
// notification service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.pm.approval_required.
type NATSNotifier struct {
	conn   natsPublisher
	prefix string
	log    *logger.Logger
}

// NewNATSNotifier creates a notifier backed by an established connection.
func NewNATSNotifier(conn *nats.Conn, prefix string, log *logger.Logger) *NATSNotifier {
	return &NATSNotifier{conn: conn, prefix: prefix, log: log}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string, log *logger.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publish sends ev to <prefix>.<event_type>.
func (n *NATSNotifier) Publish(ctx context.Context, ev *service.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	subj := subject(n.prefix, ev.Type)
	if err := n.conn.Publish(subj, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subj, err)
	}

	n.log.Debug().
		Str("subject", subj).
		Str("record_id", ev.RecordID).
		Int("recipients", len(ev.Recipients)).
		Msg("notification: event published")
	return nil
}

// ── Redis ─────────────────────────────────────────────────────────────────────

// redisPublisher is the subset of redis.Cmdable the notifier needs.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes engine events on Redis pub/sub channels named like
// the NATS subjects.
type RedisNotifier struct {
	client redisPublisher
	prefix string
	log    *logger.Logger
}

// NewRedisNotifier creates a notifier over a go-redis client.
func NewRedisNotifier(client redis.Cmdable, prefix string, log *logger.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: prefix, log: log}
}

// Publish sends ev to the <prefix>.<event_type> channel.
func (n *RedisNotifier) Publish(ctx context.Context, ev *service.Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	channel := subject(n.prefix, ev.Type)
	receivers, err := n.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	n.log.Debug().
		Str("channel", channel).
		Int64("receivers", receivers).
		Str("record_id", ev.RecordID).
		Msg("notification: event published")
	return nil
}

// ── Log ───────────────────────────────────────────────────────────────────────

// LogNotifier writes events to the log. Used in development and when no
// broker is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a notifier that logs at Info.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Publish logs ev and never fails.
func (n *LogNotifier) Publish(_ context.Context, ev *service.Event) error {
	n.log.Info().
		Str("event_type", ev.Type).
		Str("entity_type", ev.EntityType).
		Str("entity_id", ev.EntityID).
		Str("record_id", ev.RecordID).
		Str("actor_id", ev.ActorID).
		Str("role", ev.Role).
		Strs("recipients", ev.Recipients).
		Msg("notification")
	return nil
}
