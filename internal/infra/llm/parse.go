package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"missionloop/internal/domain/mission"
	jsonx "missionloop/internal/shared/json"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// ParseThought extracts a Thought from model output. It accepts a bare JSON
// object, a fenced ```json block, or an object embedded in prose, and repairs
// common syntax damage (trailing commas, single quotes, truncation) before
// giving up. The decoded thought is validated.
func ParseThought(text string) (mission.Thought, error) {
	candidate := extractJSONObject(text)
	if candidate == "" {
		return mission.Thought{}, fmt.Errorf("%w: no JSON object in model output", mission.ErrInvalidThought)
	}

	thought, err := decodeThought(candidate)
	if err != nil && !isValidationError(err) {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return mission.Thought{}, fmt.Errorf("%w: %v", mission.ErrInvalidThought, err)
		}
		thought, err = decodeThought(repaired)
	}
	if err != nil {
		if isValidationError(err) {
			return mission.Thought{}, err
		}
		return mission.Thought{}, fmt.Errorf("%w: %v", mission.ErrInvalidThought, err)
	}
	if err := thought.Validate(); err != nil {
		return mission.Thought{}, err
	}
	return thought, nil
}

// ParsePlan extracts task titles from {"tasks": [...]} or a bare JSON array
// of strings. Blank titles are dropped.
func ParsePlan(text string) ([]string, error) {
	var titles []string
	if candidate := extractJSONObject(text); candidate != "" {
		var payload struct {
			Tasks []string `json:"tasks"`
		}
		if err := unmarshalLenient(candidate, &payload); err == nil {
			titles = payload.Tasks
		}
	}
	if titles == nil {
		start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no task list in model output")
		}
		if err := unmarshalLenient(text[start:end+1], &titles); err != nil {
			return nil, fmt.Errorf("decode task list: %w", err)
		}
	}
	out := make([]string, 0, len(titles))
	for _, title := range titles {
		if title = strings.TrimSpace(title); title != "" {
			out = append(out, title)
		}
	}
	return out, nil
}

func decodeThought(raw string) (mission.Thought, error) {
	var thought mission.Thought
	if err := thought.UnmarshalJSON([]byte(raw)); err != nil {
		return mission.Thought{}, err
	}
	return thought, nil
}

func unmarshalLenient(raw string, v any) error {
	if err := jsonx.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return err
	}
	return jsonx.Unmarshal([]byte(repaired), v)
}

func isValidationError(err error) bool {
	return errors.Is(err, mission.ErrInvalidAction) || errors.Is(err, mission.ErrInvalidThought)
}

func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if match := fencedBlock.FindStringSubmatch(text); len(match) == 2 {
		text = strings.TrimSpace(match[1])
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end <= start {
		// Truncated output; let the repair pass close it.
		return text[start:]
	}
	return text[start : end+1]
}
