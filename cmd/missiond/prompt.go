package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"

	"missionloop/internal/domain/mission"
)

// errNoInput means the user aborted a prompt.
var errNoInput = errors.New("input aborted")

// prompter collects the input a suspended run waits for.
type prompter interface {
	Answer(question string) (string, error)
	Approve(pending mission.Pending) (bool, error)
}

type terminalPrompter struct{}

func (terminalPrompter) Answer(question string) (string, error) {
	prompt := promptui.Prompt{
		Label: question,
		Validate: func(input string) error {
			if strings.TrimSpace(input) == "" {
				return errors.New("an answer is required")
			}
			return nil
		},
	}
	answer, err := prompt.Run()
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return "", errNoInput
	}
	return strings.TrimSpace(answer), err
}

func (terminalPrompter) Approve(pending mission.Pending) (bool, error) {
	label := fmt.Sprintf("Allow %s (risk %s)?", pending.Tool, pending.Risk)
	if pending.Question != "" {
		label = pending.Question
	}
	selector := promptui.Select{
		Label: label,
		Items: []string{"Approve", "Deny"},
	}
	idx, _, err := selector.Run()
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return false, errNoInput
	}
	if err != nil {
		return false, err
	}
	return idx == 0, nil
}
