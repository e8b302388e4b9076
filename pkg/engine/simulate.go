package engine

import (
	"fmt"

	"github.com/fluxorio/flowstate/pkg/model"
)

// autoChainLimit caps auto-transition chains during simulation; a real
// machine never needs more, a miswired one would loop forever.
const autoChainLimit = 100

// SimulatePath walks a machine declaration through a sequence of event
// names without creating an instance, touching hooks or evaluating
// guards. It returns the visited states, starting at the initial state.
// After each event the walk follows chained auto transitions. Useful for
// validating a declaration before deployment.
func (r *Runtime) SimulatePath(machineName string, events []string) ([]string, error) {
	machine := r.component.Machine(machineName)
	if machine == nil {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, machineName)
	}

	current := machine.InitialState
	path := []string{current}

	advance := func(t *model.Transition) {
		if t.Kind != model.TransitionKindInternal {
			current = t.To
			path = append(path, current)
		}
	}

	followAuto := func() error {
		for i := 0; ; i++ {
			if i >= autoChainLimit {
				return fmt.Errorf("machine %s: auto transition chain exceeds %d steps at state %s",
					machineName, autoChainLimit, current)
			}
			var next *model.Transition
			for _, t := range machine.TransitionsFrom(current) {
				if t.Kind == model.TransitionKindAuto {
					next = t
					break
				}
			}
			if next == nil {
				return nil
			}
			advance(next)
		}
	}

	if err := followAuto(); err != nil {
		return nil, err
	}

	for _, eventType := range events {
		var match *model.Transition
		for _, t := range machine.TransitionsFrom(current) {
			if t.Event != eventType {
				continue
			}
			if t.Kind == model.TransitionKindAuto {
				continue
			}
			match = t
			break
		}
		if match == nil {
			return path, fmt.Errorf("machine %s: no transition for event %s in state %s",
				machineName, eventType, current)
		}

		advance(match)
		if st := machine.State(current); st != nil && st.Terminal() {
			return path, nil
		}
		if err := followAuto(); err != nil {
			return nil, err
		}
	}

	return path, nil
}
