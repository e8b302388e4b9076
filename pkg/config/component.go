package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/model"
)

// Key aliases accepted in declaration files. Older declarations used
// method-style hook names and an underscored transition kind.
var stateKeyAliases = map[string]string{
	"entryMethod": "onEntry",
	"exitMethod":  "onExit",
}

var transitionKindAliases = map[string]string{
	"inter_machine": "inter-machine",
	"interMachine":  "inter-machine",
}

// LoadComponent reads one component declaration from a YAML or JSON file,
// normalizes legacy aliases and validates it.
func LoadComponent(path string) (*model.Component, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read component %s: %w", path, err)
	}

	component, err := ParseComponent(data)
	if err != nil {
		return nil, fmt.Errorf("component %s: %w", path, err)
	}
	return component, nil
}

// ParseComponent decodes a component declaration from YAML or JSON bytes.
func ParseComponent(data []byte) (*model.Component, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse declaration: %w", err)
	}
	normalizeComponent(raw)

	// Round-trip through JSON so the model's json tags apply to the
	// normalized tree regardless of the source format.
	encoded, err := core.JSONEncode(raw)
	if err != nil {
		return nil, err
	}
	var component model.Component
	if err := core.JSONDecode(encoded, &component); err != nil {
		return nil, fmt.Errorf("decode declaration: %w", err)
	}

	if err := component.Validate(); err != nil {
		return nil, err
	}
	return &component, nil
}

func normalizeComponent(raw map[string]interface{}) {
	for _, machine := range asMaps(raw["stateMachines"]) {
		for _, state := range asMaps(machine["states"]) {
			for alias, canonical := range stateKeyAliases {
				if v, ok := state[alias]; ok {
					if _, exists := state[canonical]; !exists {
						state[canonical] = v
					}
					delete(state, alias)
				}
			}
		}
		for _, transition := range asMaps(machine["transitions"]) {
			if kind, ok := transition["type"].(string); ok {
				if canonical, found := transitionKindAliases[kind]; found {
					transition["type"] = canonical
				}
			}
		}
	}
}

func asMaps(v interface{}) []map[string]interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}
