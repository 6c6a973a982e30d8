package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ccmesh/routing-engine/pkg/messages"
)

// NatsMessageBus is the external bus collaborator, implemented on NATS with
// JetStream. Outbound state-change events are at-most-once from the engine's
// perspective: a failed publish is logged and not retried.
type NatsMessageBus struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	subscriptions  map[string]*nats.Subscription
	streamName     string
	url            string
	consumerPrefix string
}

// Config holds NATS configuration.
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "ROUTING")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
}

// NewNatsMessageBus connects to NATS and ensures the engine's stream exists.
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "ROUTING"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:           nc,
		js:             js,
		subscriptions:  make(map[string]*nats.Subscription),
		streamName:     cfg.StreamName,
		url:            cfg.URL,
		consumerPrefix: cfg.ConsumerPrefix,
	}

	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy so that
// multiple services can consume the same presence/task subjects.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{"routing.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err = mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("Created JetStream stream: %s", mb.streamName)
		return nil
	}
	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishPresence publishes an agent presence event.
func (mb *NatsMessageBus) PublishPresence(ctx context.Context, event *messages.PresenceEvent) error {
	subject := fmt.Sprintf("routing.presence.%s", event.Presence.AgentID)
	return mb.publish(subject, event)
}

// PublishTaskState publishes a task state-change event.
func (mb *NatsMessageBus) PublishTaskState(ctx context.Context, event *messages.TaskEvent) error {
	subject := fmt.Sprintf("routing.tasks.%s", event.Task.ID)
	return mb.publish(subject, event)
}

func (mb *NatsMessageBus) publish(subject string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err = mb.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeAgentStateCommands consumes availability-change commands.
func (mb *NatsMessageBus) SubscribeAgentStateCommands(handler func(*messages.AgentStateCommand)) error {
	return mb.subscribe("routing.commands.agent-state", "agent-state-commands", func(msg *nats.Msg) {
		var cmd messages.AgentStateCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("Failed to unmarshal agent state command: %v", err)
			msg.Nak()
			return
		}
		handler(&cmd)
		msg.Ack()
	})
}

// SubscribeMediaStateCommands consumes capacity-change commands, e.g. from
// an externally managed voice domain.
func (mb *NatsMessageBus) SubscribeMediaStateCommands(handler func(*messages.MediaStateCommand)) error {
	return mb.subscribe("routing.commands.mrd-state", "mrd-state-commands", func(msg *nats.Msg) {
		var cmd messages.MediaStateCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("Failed to unmarshal media state command: %v", err)
			msg.Nak()
			return
		}
		handler(&cmd)
		msg.Ack()
	})
}

// SubscribeTaskStateCommands consumes task lifecycle commands.
func (mb *NatsMessageBus) SubscribeTaskStateCommands(handler func(*messages.TaskStateCommand)) error {
	return mb.subscribe("routing.commands.task-state", "task-state-commands", func(msg *nats.Msg) {
		var cmd messages.TaskStateCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("Failed to unmarshal task state command: %v", err)
			msg.Nak()
			return
		}
		handler(&cmd)
		msg.Ack()
	})
}

// PublishAgentStateCommand places an availability-change command on the bus.
// Used by the admin CLI.
func (mb *NatsMessageBus) PublishAgentStateCommand(ctx context.Context, cmd *messages.AgentStateCommand) error {
	return mb.publish("routing.commands.agent-state", cmd)
}

// PublishMediaStateCommand places a capacity-change command on the bus.
func (mb *NatsMessageBus) PublishMediaStateCommand(ctx context.Context, cmd *messages.MediaStateCommand) error {
	return mb.publish("routing.commands.mrd-state", cmd)
}

// PublishTaskStateCommand places a task lifecycle command on the bus.
func (mb *NatsMessageBus) PublishTaskStateCommand(ctx context.Context, cmd *messages.TaskStateCommand) error {
	return mb.publish("routing.commands.task-state", cmd)
}

func (mb *NatsMessageBus) prefixConsumer(name string) string {
	if mb.consumerPrefix != "" {
		return mb.consumerPrefix + "-" + name
	}
	return name
}

// subscribe sets up a durable JetStream subscription.
func (mb *NatsMessageBus) subscribe(subject, consumerName string, handler nats.MsgHandler) error {
	prefixed := mb.prefixConsumer(consumerName)
	sub, err := mb.js.Subscribe(subject, handler,
		nats.Durable(prefixed),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	mb.subscriptions[subject] = sub
	log.Printf("Subscribed to %s with consumer %s", subject, prefixed)
	return nil
}

// Close drains all subscriptions and closes the connection.
func (mb *NatsMessageBus) Close() {
	for subject, sub := range mb.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("Failed to unsubscribe from %s: %v", subject, err)
		}
	}
	mb.conn.Close()
}
