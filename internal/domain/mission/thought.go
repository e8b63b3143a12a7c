package mission

import (
	"encoding/json"
	"fmt"
)

// Thought is one decision returned by the decision provider. Treat it as a
// value; the loop never mutates a Thought after receiving it.
type Thought struct {
	StepRef         int
	Rationale       string
	Action          Action
	ExpectedOutcome string
	Confidence      float64
}

// Validate checks the action variant and the confidence range.
func (t Thought) Validate() error {
	if t.Action == nil {
		return fmt.Errorf("%w: thought has no action", ErrInvalidAction)
	}
	if err := t.Action.Validate(); err != nil {
		return err
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", ErrInvalidThought, t.Confidence)
	}
	if t.StepRef < 0 {
		return fmt.Errorf("%w: negative step reference", ErrInvalidThought)
	}
	return nil
}

type thoughtJSON struct {
	StepRef         int             `json:"step_ref"`
	Rationale       string          `json:"rationale,omitempty"`
	Action          json.RawMessage `json:"action"`
	ExpectedOutcome string          `json:"expected_outcome,omitempty"`
	Confidence      float64         `json:"confidence"`
}

func (t Thought) MarshalJSON() ([]byte, error) {
	action, err := MarshalAction(t.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(thoughtJSON{
		StepRef:         t.StepRef,
		Rationale:       t.Rationale,
		Action:          action,
		ExpectedOutcome: t.ExpectedOutcome,
		Confidence:      t.Confidence,
	})
}

func (t *Thought) UnmarshalJSON(data []byte) error {
	var raw thoughtJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Action) == 0 || string(raw.Action) == "null" {
		return fmt.Errorf("%w: thought has no action", ErrInvalidAction)
	}
	action, err := UnmarshalAction(raw.Action)
	if err != nil {
		return err
	}
	*t = Thought{
		StepRef:         raw.StepRef,
		Rationale:       raw.Rationale,
		Action:          action,
		ExpectedOutcome: raw.ExpectedOutcome,
		Confidence:      raw.Confidence,
	}
	return nil
}

// ObservationStatus mirrors the tool result status an observation came from.
type ObservationStatus string

const (
	ObservationOK      ObservationStatus = "ok"
	ObservationError   ObservationStatus = "error"
	ObservationSkipped ObservationStatus = "skipped"
)

// Observation is the outcome of executing an action.
type Observation struct {
	Success      bool              `json:"success"`
	Status       ObservationStatus `json:"status,omitempty"`
	Tool         string            `json:"tool,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
	Error        string            `json:"error,omitempty"`
	RequiresUser bool              `json:"requires_user,omitempty"`
	Question     string            `json:"question,omitempty"`
}

// Summary renders the observation as a single line for message content.
func (o Observation) Summary() string {
	switch {
	case o.Success && o.Tool != "":
		return fmt.Sprintf("%s succeeded", o.Tool)
	case o.Success:
		return "succeeded"
	case o.Error != "" && o.Tool != "":
		return fmt.Sprintf("%s %s: %s", o.Tool, statusOrError(o.Status), o.Error)
	case o.Error != "":
		return o.Error
	default:
		return string(statusOrError(o.Status))
	}
}

func statusOrError(status ObservationStatus) ObservationStatus {
	if status == "" {
		return ObservationError
	}
	return status
}
