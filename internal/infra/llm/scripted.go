package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	jsonx "missionloop/internal/shared/json"
)

// Script is a canned decision sequence, typically loaded from YAML:
//
//	plan: [collect inputs, deploy]
//	steps:
//	  - rationale: need the region
//	    action: {type: ask_user, question: Which region?, answer_key: region}
//	  - step_ref: 1
//	    action: {type: complete, summary: done}
type Script struct {
	Plan  []string         `yaml:"plan"`
	Steps []map[string]any `yaml:"steps"`
}

// ScriptedProvider replays a Script. The step is chosen by how many thoughts
// the conversation already holds, so a resumed run continues where the
// previous one paused. Once the script is exhausted it completes.
type ScriptedProvider struct {
	mu       sync.Mutex
	plan     []string
	thoughts []mission.Thought
}

var (
	_ ports.DecisionProvider = (*ScriptedProvider)(nil)
	_ ports.Planner          = (*ScriptedProvider)(nil)
)

// LoadScript reads and compiles a YAML script file.
func LoadScript(path string) (*ScriptedProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript compiles YAML script data.
func ParseScript(data []byte) (*ScriptedProvider, error) {
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return NewScriptedProvider(script)
}

// NewScriptedProvider validates every step up front.
func NewScriptedProvider(script Script) (*ScriptedProvider, error) {
	provider := &ScriptedProvider{plan: script.Plan}
	for i, step := range script.Steps {
		if _, ok := step["confidence"]; !ok {
			step["confidence"] = 1.0
		}
		raw, err := jsonx.Marshal(step)
		if err != nil {
			return nil, fmt.Errorf("script step %d: %w", i+1, err)
		}
		var thought mission.Thought
		if err := thought.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("script step %d: %w", i+1, err)
		}
		if err := thought.Validate(); err != nil {
			return nil, fmt.Errorf("script step %d: %w", i+1, err)
		}
		provider.thoughts = append(provider.thoughts, thought)
	}
	return provider, nil
}

// Decide returns the scripted thought for the conversation's position.
func (p *ScriptedProvider) Decide(ctx context.Context, req ports.DecisionRequest) (mission.Thought, error) {
	if err := ctx.Err(); err != nil {
		return mission.Thought{}, err
	}
	idx := 0
	for _, entry := range req.History {
		if entry.Kind == mission.EntryThought {
			idx++
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx >= len(p.thoughts) {
		return mission.Thought{
			Rationale:  "script exhausted",
			Action:     mission.Complete{Summary: "Scripted mission finished: " + strings.TrimSpace(req.Mission)},
			Confidence: 1,
		}, nil
	}
	return p.thoughts[idx], nil
}

// Plan returns the scripted task titles, or none to fall back to the
// single-task plan.
func (p *ScriptedProvider) Plan(ctx context.Context, _ ports.PlanRequest) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.plan...), nil
}

// Len returns the number of scripted steps.
func (p *ScriptedProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.thoughts)
}
