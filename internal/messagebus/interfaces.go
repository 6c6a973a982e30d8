package messagebus

import (
	"context"

	"github.com/ccmesh/routing-engine/pkg/messages"
)

// PresencePublisher abstracts agent presence publication for testability.
type PresencePublisher interface {
	PublishPresence(ctx context.Context, event *messages.PresenceEvent) error
}

// TaskPublisher abstracts task state publication for testability.
type TaskPublisher interface {
	PublishTaskState(ctx context.Context, event *messages.TaskEvent) error
}

// CommandSubscriber abstracts the inbound command feed: sibling services
// drive the engine over the bus exactly as a local API call would.
type CommandSubscriber interface {
	SubscribeAgentStateCommands(handler func(*messages.AgentStateCommand)) error
	SubscribeMediaStateCommands(handler func(*messages.MediaStateCommand)) error
	SubscribeTaskStateCommands(handler func(*messages.TaskStateCommand)) error
}

// Verify NatsMessageBus implements all interfaces at compile time.
var (
	_ PresencePublisher = (*NatsMessageBus)(nil)
	_ TaskPublisher     = (*NatsMessageBus)(nil)
	_ CommandSubscriber = (*NatsMessageBus)(nil)
)
