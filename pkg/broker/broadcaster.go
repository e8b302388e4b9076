package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxorio/flowstate/pkg/bus"
	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/engine"
	"github.com/fluxorio/flowstate/pkg/model"
	obs "github.com/fluxorio/flowstate/pkg/observability/prometheus"
)

// Broadcaster bridges runtimes and the broker. Outbound, it mirrors
// engine events onto the fsm:events:* channels and announces hosted
// components; inbound, it feeds command and business event channels into
// the hosted runtimes. It also implements the cross-component contract
// over the wire, serving as the registry's fallback for components
// hosted elsewhere.
type Broadcaster struct {
	broker  Broker
	nodeID  string
	logger  core.Logger
	metrics *obs.Metrics

	mu       sync.Mutex
	attached map[string]*attachment
	closed   bool

	announceOnce sync.Once
	announceSub  Subscription
	peersMu      sync.Mutex
	peers        map[string]Announcement
}

type attachment struct {
	runtime *engine.Runtime
	closers []func() error
}

// NewBroadcaster creates a broadcaster over the given broker.
func NewBroadcaster(b Broker, logger core.Logger) *Broadcaster {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Broadcaster{
		broker:   b,
		nodeID:   uuid.New().String(),
		logger:   logger,
		metrics:  obs.GetMetrics(),
		attached: make(map[string]*attachment),
		peers:    make(map[string]Announcement),
	}
}

// NodeID returns this node's identity as seen in announcements.
func (bc *Broadcaster) NodeID() string { return bc.nodeID }

// Attach wires a runtime to the broker: its engine events go out, its
// component's command and event channels come in, and an announcement is
// published.
func (bc *Broadcaster) Attach(rt *engine.Runtime) error {
	component := rt.Component()

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return fmt.Errorf("broadcaster is closed")
	}
	if _, exists := bc.attached[component.Name]; exists {
		return fmt.Errorf("component %s already attached", component.Name)
	}

	att := &attachment{runtime: rt}

	busSub := rt.Bus().SubscribeAll(func(ev bus.EngineEvent) {
		bc.mirror(ev)
	})
	att.closers = append(att.closers, func() error { busSub.Close(); return nil })

	cmdSub, err := bc.broker.Subscribe(CommandChannel(component.Name), func(_ string, data []byte) {
		bc.metrics.BrokerInboundTotal.WithLabelValues("commands").Inc()
		bc.handleCommand(rt, data)
	})
	if err != nil {
		busSub.Close()
		return err
	}
	att.closers = append(att.closers, cmdSub.Close)

	evSub, err := bc.broker.Subscribe(EventChannel(component.Name), func(_ string, data []byte) {
		bc.metrics.BrokerInboundTotal.WithLabelValues("events").Inc()
		bc.handleBusinessEvent(rt, data)
	})
	if err != nil {
		busSub.Close()
		cmdSub.Close()
		return err
	}
	att.closers = append(att.closers, evSub.Close)

	bc.attached[component.Name] = att
	bc.watchAnnouncements()

	machines := make([]string, 0, len(component.StateMachines))
	for _, m := range component.StateMachines {
		machines = append(machines, m.Name)
	}
	bc.publish(ChannelAnnounce, "announce", Announcement{
		ComponentName: component.Name,
		NodeID:        bc.nodeID,
		Machines:      machines,
	})
	return nil
}

// watchAnnouncements records component announcements, including this
// node's own, so Peers reflects every runtime on the fabric.
func (bc *Broadcaster) watchAnnouncements() {
	bc.announceOnce.Do(func() {
		sub, err := bc.broker.Subscribe(ChannelAnnounce, func(_ string, data []byte) {
			var ann Announcement
			if err := core.JSONDecode(data, &ann); err != nil {
				bc.logger.Warnf("decode announcement: %v", err)
				return
			}
			bc.peersMu.Lock()
			bc.peers[ann.NodeID+"/"+ann.ComponentName] = ann
			bc.peersMu.Unlock()
		})
		if err != nil {
			bc.logger.Warnf("subscribe announcements: %v", err)
			return
		}
		bc.announceSub = sub
	})
}

// Peers returns the announcements seen so far, ordered by component then
// node.
func (bc *Broadcaster) Peers() []Announcement {
	bc.peersMu.Lock()
	defer bc.peersMu.Unlock()

	out := make([]Announcement, 0, len(bc.peers))
	for _, ann := range bc.peers {
		out = append(out, ann)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ComponentName != out[j].ComponentName {
			return out[i].ComponentName < out[j].ComponentName
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Detach unwires one component.
func (bc *Broadcaster) Detach(componentName string) {
	bc.mu.Lock()
	att, ok := bc.attached[componentName]
	delete(bc.attached, componentName)
	bc.mu.Unlock()
	if !ok {
		return
	}
	for _, closer := range att.closers {
		if err := closer(); err != nil {
			bc.logger.Warnf("detach %s: %v", componentName, err)
		}
	}
}

// Close detaches every component. The underlying broker is left open.
func (bc *Broadcaster) Close() {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return
	}
	bc.closed = true
	names := make([]string, 0, len(bc.attached))
	for name := range bc.attached {
		names = append(names, name)
	}
	announceSub := bc.announceSub
	bc.announceSub = nil
	bc.mu.Unlock()

	if announceSub != nil {
		if err := announceSub.Close(); err != nil {
			bc.logger.Warnf("close announcement subscription: %v", err)
		}
	}
	for _, name := range names {
		bc.Detach(name)
	}
}

// NotifyDisconnected publishes a broker_disconnected engine event on
// every attached runtime's bus. Wire it to the transport's disconnect
// callback.
func (bc *Broadcaster) NotifyDisconnected(err error) {
	msg := "broker connection lost"
	if err != nil {
		msg = err.Error()
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	for _, att := range bc.attached {
		att.runtime.Bus().Publish(bus.EngineEvent{
			Type:          bus.EventBrokerDisconnected,
			ComponentName: att.runtime.Component().Name,
			Error:         msg,
		})
	}
}

// mirror republishes one engine event onto its wire channel.
func (bc *Broadcaster) mirror(ev bus.EngineEvent) {
	var channel string
	switch ev.Type {
	case bus.EventStateChange:
		channel = ChannelStateChange
	case bus.EventInstanceCreated:
		channel = ChannelInstanceCreated
	case bus.EventInstanceDisposed:
		channel = ChannelInstanceDisposed
	default:
		return
	}

	bc.publish(channel, "events", EngineEventEnvelope{
		Type:          string(ev.Type),
		ComponentName: ev.ComponentName,
		MachineName:   ev.MachineName,
		InstanceID:    ev.InstanceID,
		From:          ev.From,
		To:            ev.To,
		Event:         ev.Event,
		NodeID:        bc.nodeID,
	})
}

func (bc *Broadcaster) publish(channel, class string, payload interface{}) {
	data, err := core.JSONEncode(payload)
	if err != nil {
		bc.logger.Errorf("encode for %s: %v", channel, err)
		return
	}
	if err := bc.broker.Publish(channel, data); err != nil {
		bc.metrics.BrokerPublishTotal.WithLabelValues(class, "error").Inc()
		bc.logger.Errorf("publish %s: %v", channel, err)
		bc.broadcastError(channel, err)
		return
	}
	bc.metrics.BrokerPublishTotal.WithLabelValues(class, "ok").Inc()
}

func (bc *Broadcaster) broadcastError(channel string, err error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for _, att := range bc.attached {
		att.runtime.Bus().Publish(bus.EngineEvent{
			Type:          bus.EventBroadcastError,
			ComponentName: att.runtime.Component().Name,
			Error:         fmt.Sprintf("publish %s: %v", channel, err),
		})
	}
}

func (bc *Broadcaster) handleCommand(rt *engine.Runtime, data []byte) {
	var cmd Command
	if err := core.JSONDecode(data, &cmd); err != nil {
		bc.logger.Errorf("decode command for %s: %v", rt.Component().Name, err)
		return
	}

	ctx := context.Background()
	var err error
	switch cmd.Kind {
	case CommandSendEvent:
		err = rt.SendEvent(ctx, cmd.InstanceID, model.NewEvent(cmd.EventType, cmd.Payload))
	case CommandBroadcast:
		if cmd.MachineName == "" {
			_, err = rt.BroadcastComponent(ctx, cmd.State, model.NewEvent(cmd.EventType, cmd.Payload))
		} else {
			_, err = rt.BroadcastEvent(ctx, cmd.MachineName, cmd.State, model.NewEvent(cmd.EventType, cmd.Payload))
		}
	case CommandCreateInstance:
		machine := cmd.MachineName
		if machine == "" {
			machine = rt.Component().EntryMachine
		}
		_, err = rt.CreateInstance(ctx, machine, cmd.Payload)
	default:
		bc.logger.Warnf("unknown command kind %q for %s", cmd.Kind, rt.Component().Name)
		return
	}
	if err != nil {
		bc.logger.Errorf("apply %s command for %s: %v", cmd.Kind, rt.Component().Name, err)
	}
}

func (bc *Broadcaster) handleBusinessEvent(rt *engine.Runtime, data []byte) {
	var ev model.Event
	if err := core.JSONDecode(data, &ev); err != nil {
		bc.logger.Errorf("decode event for %s: %v", rt.Component().Name, err)
		return
	}

	ctx := context.Background()
	var err error
	if entry := rt.Component().EntryMachine; entry != "" {
		_, err = rt.BroadcastEvent(ctx, entry, "", ev)
	} else {
		_, err = rt.BroadcastComponent(ctx, "", ev)
	}
	if err != nil {
		bc.logger.Errorf("route %s into %s: %v", ev.Type, rt.Component().Name, err)
	}
}

// SendEventToComponent publishes a business event onto the component's
// event channel; a targeted send goes out as a sendEvent command instead,
// so the hosting node delivers it to the named instance.
func (bc *Broadcaster) SendEventToComponent(_ context.Context, componentName, instanceID string, ev model.Event) error {
	if instanceID != "" {
		return bc.command(componentName, Command{
			Kind:       CommandSendEvent,
			InstanceID: instanceID,
			EventType:  ev.Type,
			Payload:    ev.Payload,
		})
	}

	data, err := core.JSONEncode(ev)
	if err != nil {
		return err
	}
	if err := bc.broker.Publish(EventChannel(componentName), data); err != nil {
		bc.metrics.BrokerPublishTotal.WithLabelValues("events", "error").Inc()
		return err
	}
	bc.metrics.BrokerPublishTotal.WithLabelValues("events", "ok").Inc()
	return nil
}

// BroadcastToComponent publishes a broadcast command onto the
// component's command channel.
func (bc *Broadcaster) BroadcastToComponent(_ context.Context, componentName, machineName, state string, ev model.Event) error {
	return bc.command(componentName, Command{
		Kind:        CommandBroadcast,
		MachineName: machineName,
		State:       state,
		EventType:   ev.Type,
		Payload:     ev.Payload,
	})
}

// CreateInstanceInComponent publishes a createInstance command onto the
// component's command channel.
func (bc *Broadcaster) CreateInstanceInComponent(_ context.Context, componentName, machineName string, payload map[string]interface{}) error {
	return bc.command(componentName, Command{
		Kind:        CommandCreateInstance,
		MachineName: machineName,
		Payload:     payload,
	})
}

func (bc *Broadcaster) command(componentName string, cmd Command) error {
	data, err := core.JSONEncode(cmd)
	if err != nil {
		return err
	}
	if err := bc.broker.Publish(CommandChannel(componentName), data); err != nil {
		bc.metrics.BrokerPublishTotal.WithLabelValues("commands", "error").Inc()
		return err
	}
	bc.metrics.BrokerPublishTotal.WithLabelValues("commands", "ok").Inc()
	return nil
}
