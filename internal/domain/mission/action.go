package mission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionType discriminates the Action variants on the wire.
type ActionType string

const (
	ActionToolCall ActionType = "tool_call"
	ActionAskUser  ActionType = "ask_user"
	ActionComplete ActionType = "complete"
	ActionReplan   ActionType = "replan"
)

// Action is the decision a Thought carries. The set of implementations is
// closed: ToolCall, AskUser, Complete and Replan.
type Action interface {
	Type() ActionType
	Validate() error
	isAction()
}

// ToolCall invokes a registered tool.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Operation string         `json:"action,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// AskUser suspends the run until the caller supplies an answer.
type AskUser struct {
	Question  string   `json:"question"`
	AnswerKey string   `json:"answer_key"`
	Fields    []string `json:"fields,omitempty"`
}

// Complete finishes the run successfully.
type Complete struct {
	Summary string `json:"summary"`
}

// Replan asks the loop to revise the current plan.
type Replan struct {
	Reason string `json:"reason"`
}

func (ToolCall) Type() ActionType { return ActionToolCall }
func (AskUser) Type() ActionType  { return ActionAskUser }
func (Complete) Type() ActionType { return ActionComplete }
func (Replan) Type() ActionType   { return ActionReplan }

func (ToolCall) isAction() {}
func (AskUser) isAction()  {}
func (Complete) isAction() {}
func (Replan) isAction()   {}

func (a ToolCall) Validate() error {
	if strings.TrimSpace(a.Tool) == "" {
		return fmt.Errorf("%w: tool_call requires a tool name", ErrInvalidAction)
	}
	return nil
}

func (a AskUser) Validate() error {
	if strings.TrimSpace(a.Question) == "" {
		return fmt.Errorf("%w: ask_user requires a question", ErrInvalidAction)
	}
	if strings.TrimSpace(a.AnswerKey) == "" {
		return fmt.Errorf("%w: ask_user requires an answer key", ErrInvalidAction)
	}
	return nil
}

func (a Complete) Validate() error {
	if strings.TrimSpace(a.Summary) == "" {
		return fmt.Errorf("%w: complete requires a summary", ErrInvalidAction)
	}
	return nil
}

func (a Replan) Validate() error {
	if strings.TrimSpace(a.Reason) == "" {
		return fmt.Errorf("%w: replan requires a reason", ErrInvalidAction)
	}
	return nil
}

type actionEnvelope struct {
	Type ActionType `json:"type"`
}

// MarshalAction encodes a as a flat object tagged with its type.
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: action is nil", ErrInvalidAction)
	}
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(a.Type())
	fields["type"] = tag
	return json.Marshal(fields)
}

// UnmarshalAction decodes the tagged object produced by MarshalAction and
// validates the variant's required fields.
func UnmarshalAction(data []byte) (Action, error) {
	var envelope actionEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	var action Action
	switch ActionType(strings.ToLower(strings.TrimSpace(string(envelope.Type)))) {
	case ActionToolCall:
		var v ToolCall
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		action = v
	case ActionAskUser:
		var v AskUser
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		action = v
	case ActionComplete:
		var v Complete
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		action = v
	case ActionReplan:
		var v Replan
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		action = v
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidAction, envelope.Type)
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	return action, nil
}
