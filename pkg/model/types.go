// Package model holds the declarative workflow types: components, state
// machines, states, transitions and the rules attached to them.
//
// Declarations are immutable once registered with a runtime. The runtime
// owns all mutable per-instance state (see pkg/engine).
package model

import (
	"time"
)

// StateKind classifies a state within a machine.
type StateKind string

const (
	StateKindEntry   StateKind = "entry"
	StateKindRegular StateKind = "regular"
	StateKindFinal   StateKind = "final"
	StateKindError   StateKind = "error"
)

// TransitionKind classifies how a transition is triggered.
type TransitionKind string

const (
	TransitionKindRegular      TransitionKind = "regular"
	TransitionKindAuto         TransitionKind = "auto"
	TransitionKindTimeout      TransitionKind = "timeout"
	TransitionKindInterMachine TransitionKind = "inter-machine"
	TransitionKindInternal     TransitionKind = "internal"
)

// Operator is a comparison operator used by matching rules.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// Component is an immutable deployable unit containing one or more machines.
type Component struct {
	Name          string          `json:"name" yaml:"name"`
	EntryMachine  string          `json:"entryMachine,omitempty" yaml:"entryMachine,omitempty"`
	StateMachines []*StateMachine `json:"stateMachines" yaml:"stateMachines"`
}

// Machine returns the machine with the given name, or nil.
func (c *Component) Machine(name string) *StateMachine {
	for _, m := range c.StateMachines {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// StateMachine is an immutable machine declaration within a component.
type StateMachine struct {
	Name         string `json:"name" yaml:"name"`
	InitialState string `json:"initialState" yaml:"initialState"`

	// PublicMemberType, when set, declares that instances carry a business
	// object seeded from the creation payload. Matching rules and payload
	// templates then read the public member instead of the context.
	PublicMemberType string `json:"publicMemberType,omitempty" yaml:"publicMemberType,omitempty"`

	// ContextSchema is informational only; the dashboard renders it.
	ContextSchema map[string]FieldSchema `json:"contextSchema,omitempty" yaml:"contextSchema,omitempty"`

	States      []*State      `json:"states" yaml:"states"`
	Transitions []*Transition `json:"transitions" yaml:"transitions"`
}

// State returns the state with the given name, or nil.
func (m *StateMachine) State(name string) *State {
	for _, s := range m.States {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// TransitionsFrom returns the transitions leaving the given state in
// declaration order. Declaration order decides which candidate fires.
func (m *StateMachine) TransitionsFrom(state string) []*Transition {
	var out []*Transition
	for _, t := range m.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// FieldSchema describes one context field for dashboard rendering.
type FieldSchema struct {
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// State is a single named state.
type State struct {
	Name           string           `json:"name" yaml:"name"`
	Kind           StateKind        `json:"type,omitempty" yaml:"type,omitempty"`
	OnEntry        string           `json:"onEntry,omitempty" yaml:"onEntry,omitempty"`
	OnExit         string           `json:"onExit,omitempty" yaml:"onExit,omitempty"`
	CascadingRules []*CascadingRule `json:"cascadingRules,omitempty" yaml:"cascadingRules,omitempty"`
}

// Terminal reports whether entering the state disposes the instance.
func (s *State) Terminal() bool {
	return s.Kind == StateKindFinal || s.Kind == StateKindError
}

// Transition declares a possible state change.
type Transition struct {
	From  string         `json:"from" yaml:"from"`
	To    string         `json:"to" yaml:"to"`
	Event string         `json:"event" yaml:"event"`
	Kind  TransitionKind `json:"type,omitempty" yaml:"type,omitempty"`

	Guards                 []*Guard        `json:"guards,omitempty" yaml:"guards,omitempty"`
	MatchingRules          []*MatchingRule `json:"matchingRules,omitempty" yaml:"matchingRules,omitempty"`
	SpecificTriggeringRule string          `json:"specificTriggeringRule,omitempty" yaml:"specificTriggeringRule,omitempty"`
	TriggeredMethod        string          `json:"triggeredMethod,omitempty" yaml:"triggeredMethod,omitempty"`

	// TimeoutMs applies to timeout and auto transitions. Zero on an auto
	// transition means "next tick after the commit".
	TimeoutMs       int64 `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	ResetOnSelfLoop bool  `json:"resetOnSelfLoop,omitempty" yaml:"resetOnSelfLoop,omitempty"`

	// TargetMachine names the machine an inter-machine transition
	// instantiates.
	TargetMachine  string            `json:"targetMachine,omitempty" yaml:"targetMachine,omitempty"`
	ContextMapping map[string]string `json:"contextMapping,omitempty" yaml:"contextMapping,omitempty"`
}

// SelfLoop reports whether the transition stays in its source state.
func (t *Transition) SelfLoop() bool {
	return t.From == t.To
}

// Guard gates a transition after matching. Exactly one of Keys or
// Expression is set.
type Guard struct {
	// Keys requires every listed key to exist and be non-null in the
	// event payload.
	Keys []string `json:"keys,omitempty" yaml:"keys,omitempty"`

	// Expression is a boolean expression over {event, context, publicMember}.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// MatchingRule pairs an event field against an instance field to route
// broadcasts. Both sides support dotted paths.
type MatchingRule struct {
	EventProperty    string   `json:"eventProperty" yaml:"eventProperty"`
	InstanceProperty string   `json:"instanceProperty" yaml:"instanceProperty"`
	Operator         Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
}

// CascadingRule is an outbound event emitted automatically when its state
// becomes active. Payload values are string templates resolved against the
// instance ({{path.to.field}}).
type CascadingRule struct {
	TargetMachine string                 `json:"targetMachine" yaml:"targetMachine"`
	TargetState   string                 `json:"targetState" yaml:"targetState"`
	Event         string                 `json:"event" yaml:"event"`
	MatchingRules []*MatchingRule        `json:"matchingRules,omitempty" yaml:"matchingRules,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Event is a business event routed to instances.
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Time    time.Time              `json:"time"`
}

// NewEvent creates an event stamped with the current wall time.
func NewEvent(eventType string, payload map[string]interface{}) Event {
	return Event{
		Type:    eventType,
		Payload: payload,
		Time:    time.Now(),
	}
}
