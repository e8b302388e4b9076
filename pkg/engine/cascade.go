package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fluxorio/flowstate/pkg/bus"
	"github.com/fluxorio/flowstate/pkg/model"
)

var templateRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// enqueueCascadeLocked resolves a cascading rule's payload against the
// emitting instance and queues the fan-out for after the surrounding
// commit. Resolution happens at enqueue time so later context changes do
// not leak into the payload.
func (r *Runtime) enqueueCascadeLocked(inst *Instance, rule *model.CascadingRule, parentEventID string) {
	payload := make(map[string]interface{}, len(rule.Payload))
	for key, value := range rule.Payload {
		payload[key] = resolveTemplate(value, inst.PropertySource())
	}

	sourceID := inst.ID
	var causedBy []string
	if parentEventID != "" {
		causedBy = []string{parentEventID}
	}

	r.enqueueLocked(func(ctx context.Context) {
		processed, err := r.cascadeLocked(ctx, rule, payload, causedBy)
		if err != nil {
			r.logger.Errorf("cascade %s from instance %s: %v", rule.Event, sourceID, err)
			return
		}
		r.bus.Publish(bus.EngineEvent{
			Type:           bus.EventCascadeCompleted,
			ComponentName:  r.component.Name,
			MachineName:    rule.TargetMachine,
			InstanceID:     sourceID,
			ProcessedCount: processed,
		})
	})
}

// cascadeLocked delivers the cascade event to every target machine
// instance sitting in the rule's target state whose matching rules
// accept the payload.
func (r *Runtime) cascadeLocked(ctx context.Context, rule *model.CascadingRule, payload map[string]interface{}, causedBy []string) (int, error) {
	if r.component.Machine(rule.TargetMachine) == nil {
		return 0, fmt.Errorf("%w: %s", ErrMachineNotFound, rule.TargetMachine)
	}

	ev := model.NewEvent(rule.Event, payload)

	r.instMu.RLock()
	var targets []*Instance
	for _, inst := range r.instances {
		if inst.MachineName == rule.TargetMachine && inst.CurrentState == rule.TargetState {
			targets = append(targets, inst)
		}
	}
	r.instMu.RUnlock()
	sortByCreation(targets)

	processed := 0
	for _, inst := range targets {
		if _, ok := r.lookup(inst.ID); !ok {
			continue
		}
		if !r.cascadeTargets(inst, rule, ev) {
			continue
		}
		ok, err := r.deliverLocked(ctx, inst, ev, causedBy, false)
		if err != nil {
			r.logger.Errorf("cascade %s to instance %s: %v", ev.Type, inst.ID, err)
			continue
		}
		if ok {
			processed++
		}
	}
	return processed, nil
}

func (r *Runtime) cascadeTargets(inst *Instance, rule *model.CascadingRule, ev model.Event) bool {
	for _, mr := range rule.MatchingRules {
		ok, err := r.ruleMatches(inst, mr, ev)
		if err != nil {
			r.logger.Warnf("cascade matching rule on instance %s: %v", inst.ID, err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// resolveTemplate substitutes {{path}} placeholders in string values
// against source. A value that is exactly one placeholder keeps the raw
// looked-up value (numbers stay numbers); a placeholder embedded in a
// longer string is interpolated, with misses rendered as "undefined".
// A full-placeholder miss resolves to nil. Non-string values pass through.
func resolveTemplate(value interface{}, source map[string]interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}

	if m := templateRe.FindStringSubmatch(s); m != nil && m[0] == s {
		v, found := model.Lookup(source, m[1])
		if !found {
			return nil
		}
		return v
	}

	return templateRe.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		v, found := model.Lookup(source, path)
		if !found {
			return "undefined"
		}
		return fmt.Sprintf("%v", v)
	})
}

// resolveContextMapping builds a child creation payload for an
// inter-machine transition. Each mapping value is a path resolved
// against the triggering event (event. prefix), the parent context
// (context. prefix), the parent public member (publicMember. prefix) or,
// unprefixed, the parent's property source.
func (r *Runtime) resolveContextMapping(inst *Instance, mapping map[string]string, ev model.Event) map[string]interface{} {
	if len(mapping) == 0 {
		return copyMap(inst.PropertySource())
	}

	out := make(map[string]interface{}, len(mapping))
	for key, path := range mapping {
		var (
			v     interface{}
			found bool
		)
		switch {
		case strings.HasPrefix(path, "event."):
			v, found = model.Lookup(ev.Payload, strings.TrimPrefix(path, "event."))
		case strings.HasPrefix(path, "context."):
			v, found = model.Lookup(inst.Context, strings.TrimPrefix(path, "context."))
		case strings.HasPrefix(path, "publicMember."):
			v, found = model.Lookup(inst.PublicMember, strings.TrimPrefix(path, "publicMember."))
		default:
			v, found = model.Lookup(inst.PropertySource(), path)
		}
		if found {
			out[key] = v
		}
	}
	return out
}
