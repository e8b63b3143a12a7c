package llm

import (
	"context"
	"fmt"
	"strings"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	jsonx "missionloop/internal/shared/json"
	"missionloop/internal/shared/logging"
)

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer sends a chat transcript to a model and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, messages []ChatMessage) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	return f(ctx, messages)
}

const decisionInstructions = `You drive a mission one step at a time.
Reply with a single JSON object:
{"step_ref": <index of the plan step this advances>, "rationale": "...", "expected_outcome": "...", "confidence": <0..1>,
 "action": {"type": "tool_call", "tool": "...", "action": "...", "input": {...}}
        | {"type": "ask_user", "question": "...", "answer_key": "...", "fields": ["..."]}
        | {"type": "complete", "summary": "..."}
        | {"type": "replan", "reason": "..."}}
Plan steps are indexed from 0 as listed.`

const planInstructions = `Break the mission into a short ordered list of concrete steps.
Reply with a single JSON object: {"tasks": ["first step", "second step"]}`

// ChatProvider is a DecisionProvider and Planner backed by a chat model.
type ChatProvider struct {
	completer Completer
	logger    logging.Logger
}

// NewChatProvider wraps completer.
func NewChatProvider(completer Completer, logger logging.Logger) *ChatProvider {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("ChatProvider")
	}
	return &ChatProvider{completer: completer, logger: logger}
}

var (
	_ ports.DecisionProvider = (*ChatProvider)(nil)
	_ ports.Planner          = (*ChatProvider)(nil)
)

// Decide asks the model for the next thought.
func (p *ChatProvider) Decide(ctx context.Context, req ports.DecisionRequest) (mission.Thought, error) {
	reply, err := p.completer.Complete(ctx, BuildDecisionMessages(req))
	if err != nil {
		return mission.Thought{}, err
	}
	thought, err := ParseThought(reply)
	if err != nil {
		p.logger.Debug("[run:%s] unparseable decision at step %d: %v", req.RunID, req.Step, err)
		return mission.Thought{}, err
	}
	return thought, nil
}

// Plan asks the model for task titles.
func (p *ChatProvider) Plan(ctx context.Context, req ports.PlanRequest) ([]string, error) {
	reply, err := p.completer.Complete(ctx, BuildPlanMessages(req))
	if err != nil {
		return nil, err
	}
	return ParsePlan(reply)
}

// BuildDecisionMessages renders a decision request as a chat transcript.
func BuildDecisionMessages(req ports.DecisionRequest) []ChatMessage {
	var system strings.Builder
	system.WriteString(decisionInstructions)
	if len(req.Tools) > 0 {
		system.WriteString("\n\nTools:\n")
		for _, tool := range req.Tools {
			fmt.Fprintf(&system, "- %s", tool.Name)
			if len(tool.Operations) > 0 {
				fmt.Fprintf(&system, " [%s]", strings.Join(tool.Operations, ", "))
			}
			if tool.Description != "" {
				fmt.Fprintf(&system, ": %s", tool.Description)
			}
			if tool.RequiresApproval {
				system.WriteString(" (requires approval)")
			}
			system.WriteString("\n")
		}
	}
	if len(req.Plan) > 0 {
		system.WriteString("\nPlan:\n")
		for i, task := range req.Plan {
			fmt.Fprintf(&system, "%d. [%s] %s\n", i, task.Status, task.Title)
		}
	}
	if len(req.UserContext) > 0 {
		if data, err := jsonx.Marshal(req.UserContext); err == nil {
			fmt.Fprintf(&system, "\nUser context: %s\n", data)
		}
	}

	messages := []ChatMessage{{Role: mission.RoleSystem, Content: system.String()}}
	messages = append(messages, historyMessages(req.History)...)
	if len(req.History) == 0 {
		messages = append(messages, ChatMessage{Role: mission.RoleUser, Content: req.Mission})
	}
	return messages
}

// BuildPlanMessages renders a plan request as a chat transcript.
func BuildPlanMessages(req ports.PlanRequest) []ChatMessage {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Mission: %s\n", req.Mission)
	if len(req.Previous) > 0 {
		prompt.WriteString("Current plan:\n")
		for i, task := range req.Previous {
			fmt.Fprintf(&prompt, "%d. [%s] %s\n", i, task.Status, task.Title)
		}
	}
	if req.Reason != "" {
		fmt.Fprintf(&prompt, "Revise the plan because: %s\n", req.Reason)
	}
	return []ChatMessage{
		{Role: mission.RoleSystem, Content: planInstructions},
		{Role: mission.RoleUser, Content: prompt.String()},
	}
}

func historyMessages(history []mission.HistoryEntry) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, entry := range history {
		switch entry.Kind {
		case mission.EntryThought:
			content := entry.Text
			if entry.Thought != nil {
				if data, err := jsonx.Marshal(entry.Thought); err == nil {
					content = string(data)
				}
			}
			out = append(out, ChatMessage{Role: mission.RoleAssistant, Content: content})
		case mission.EntryObservation:
			out = append(out, ChatMessage{Role: mission.RoleUser, Content: "Observation: " + entry.Text})
		case mission.EntryAnswer:
			content := entry.Text
			if entry.AnswerKey != "" {
				content = fmt.Sprintf("%s: %s", entry.AnswerKey, entry.Text)
			}
			out = append(out, ChatMessage{Role: mission.RoleUser, Content: "Answer: " + content})
		default:
			out = append(out, ChatMessage{Role: mission.RoleUser, Content: entry.Text})
		}
	}
	return out
}
