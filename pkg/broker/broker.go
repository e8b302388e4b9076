// Package broker connects runtimes across processes. Engine events fan
// out onto well-known channels, business events and commands come back
// in, and component announcements let nodes discover each other.
// Delivery is at-least-once: consumers must tolerate duplicates.
package broker

import (
	"github.com/fluxorio/flowstate/pkg/model"
)

// Well-known channels. Component-scoped channels are derived with
// CommandChannel and EventChannel.
const (
	// ChannelAnnounce carries component announcements on startup.
	ChannelAnnounce = "fsm:registry:announce"

	// ChannelStateChange carries every committed transition.
	ChannelStateChange = "fsm:events:state_change"

	// ChannelInstanceCreated and ChannelInstanceDisposed carry instance
	// lifecycle events.
	ChannelInstanceCreated  = "fsm:events:instance_created"
	ChannelInstanceDisposed = "fsm:events:instance_disposed"

	commandPrefix = "fsm:commands:"
)

// CommandChannel returns the command channel for a component.
func CommandChannel(componentName string) string {
	return commandPrefix + componentName
}

// EventChannel returns the business event channel for a component. It is
// the bare component name, so external producers need no protocol
// knowledge beyond the name.
func EventChannel(componentName string) string {
	return componentName
}

// Handler consumes raw broker messages. Handlers run on broker delivery
// goroutines.
type Handler func(channel string, data []byte)

// Subscription unregisters its handler when closed.
type Subscription interface {
	Close() error
}

// Broker is a minimal at-least-once publish/subscribe transport. The
// in-memory driver serves single-process deployments and tests; the NATS
// driver serves clusters.
type Broker interface {
	Publish(channel string, data []byte) error
	Subscribe(channel string, h Handler) (Subscription, error)
	Close() error
}

// Announcement is published on ChannelAnnounce when a node starts
// hosting a component.
type Announcement struct {
	ComponentName string   `json:"componentName"`
	NodeID        string   `json:"nodeId"`
	Machines      []string `json:"machines"`
}

// EngineEventEnvelope is the wire form of an engine event on the
// fsm:events:* channels.
type EngineEventEnvelope struct {
	Type          string       `json:"type"`
	ComponentName string       `json:"componentName"`
	MachineName   string       `json:"machineName,omitempty"`
	InstanceID    string       `json:"instanceId,omitempty"`
	From          string       `json:"from,omitempty"`
	To            string       `json:"to,omitempty"`
	Event         *model.Event `json:"event,omitempty"`
	NodeID        string       `json:"nodeId,omitempty"`
}

// Command kinds accepted on a component's command channel.
const (
	CommandSendEvent      = "sendEvent"
	CommandBroadcast      = "broadcast"
	CommandCreateInstance = "createInstance"
)

// Command is the wire form of a cross-component effect. InstanceID
// targets one instance on sendEvent; State restricts a broadcast to
// instances currently in that state.
type Command struct {
	Kind        string                 `json:"kind"`
	MachineName string                 `json:"machineName,omitempty"`
	InstanceID  string                 `json:"instanceId,omitempty"`
	State       string                 `json:"state,omitempty"`
	EventType   string                 `json:"eventType,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}
