package model

import "fmt"

// Validate checks a component declaration. Runtimes refuse to construct
// from an invalid declaration.
func (c *Component) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("component name is required")
	}
	if len(c.StateMachines) == 0 {
		return fmt.Errorf("component %s must declare at least one state machine", c.Name)
	}

	machines := make(map[string]bool, len(c.StateMachines))
	for _, m := range c.StateMachines {
		if m == nil {
			return fmt.Errorf("component %s contains a nil machine", c.Name)
		}
		if machines[m.Name] {
			return fmt.Errorf("duplicate machine name %s in component %s", m.Name, c.Name)
		}
		machines[m.Name] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("machine %s: %w", m.Name, err)
		}
	}

	if c.EntryMachine != "" && !machines[c.EntryMachine] {
		return fmt.Errorf("entry machine %s not found in component %s", c.EntryMachine, c.Name)
	}

	// Inter-machine and cascade targets must resolve within the component.
	for _, m := range c.StateMachines {
		for _, t := range m.Transitions {
			if t.Kind == TransitionKindInterMachine && !machines[t.TargetMachine] {
				return fmt.Errorf("machine %s: inter-machine transition %s targets unknown machine %s",
					m.Name, t.Event, t.TargetMachine)
			}
		}
		for _, s := range m.States {
			for _, r := range s.CascadingRules {
				if r.TargetMachine == "" || r.Event == "" {
					return fmt.Errorf("machine %s: state %s has an incomplete cascading rule", m.Name, s.Name)
				}
				if !machines[r.TargetMachine] {
					return fmt.Errorf("machine %s: state %s cascades to unknown machine %s",
						m.Name, s.Name, r.TargetMachine)
				}
			}
		}
	}

	return nil
}

// Validate checks a single machine declaration.
func (m *StateMachine) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("machine name is required")
	}
	if m.InitialState == "" {
		return fmt.Errorf("initial state is required")
	}
	if len(m.States) == 0 {
		return fmt.Errorf("at least one state is required")
	}

	states := make(map[string]bool, len(m.States))
	for _, s := range m.States {
		if s.Name == "" {
			return fmt.Errorf("state name is required")
		}
		if states[s.Name] {
			return fmt.Errorf("duplicate state name %s", s.Name)
		}
		states[s.Name] = true
		switch s.Kind {
		case "", StateKindEntry, StateKindRegular, StateKindFinal, StateKindError:
		default:
			return fmt.Errorf("state %s has unknown type %q", s.Name, s.Kind)
		}
	}

	if !states[m.InitialState] {
		return fmt.Errorf("initial state %s not found in states", m.InitialState)
	}

	for _, t := range m.Transitions {
		if t.Event == "" {
			return fmt.Errorf("transition %s -> %s has no event", t.From, t.To)
		}
		if !states[t.From] {
			return fmt.Errorf("transition on %s leaves unknown state %s", t.Event, t.From)
		}
		if !states[t.To] {
			return fmt.Errorf("transition on %s targets unknown state %s", t.Event, t.To)
		}
		switch t.Kind {
		case "", TransitionKindRegular, TransitionKindAuto, TransitionKindTimeout,
			TransitionKindInterMachine, TransitionKindInternal:
		default:
			return fmt.Errorf("transition on %s has unknown type %q", t.Event, t.Kind)
		}
		if t.Kind == TransitionKindTimeout && t.TimeoutMs <= 0 {
			return fmt.Errorf("timeout transition on %s requires timeoutMs > 0", t.Event)
		}
		if t.Kind == TransitionKindInterMachine && t.TargetMachine == "" {
			return fmt.Errorf("inter-machine transition on %s requires targetMachine", t.Event)
		}
		if t.Kind == TransitionKindInternal && t.From != t.To {
			return fmt.Errorf("internal transition on %s must not change state (%s -> %s)", t.Event, t.From, t.To)
		}
		for _, g := range t.Guards {
			if len(g.Keys) == 0 && g.Expression == "" {
				return fmt.Errorf("transition on %s has an empty guard", t.Event)
			}
		}
		for _, r := range t.MatchingRules {
			if r.EventProperty == "" || r.InstanceProperty == "" {
				return fmt.Errorf("transition on %s has an incomplete matching rule", t.Event)
			}
			if err := r.Operator.validate(); err != nil {
				return fmt.Errorf("transition on %s: %w", t.Event, err)
			}
		}
	}

	return nil
}

func (op Operator) validate() error {
	switch op {
	case "", OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return nil
	default:
		return fmt.Errorf("unknown operator %q", op)
	}
}
