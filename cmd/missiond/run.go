package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionloop/internal/app/coordinator"
	"missionloop/internal/delivery/server/bootstrap"
	"missionloop/internal/domain/mission"
)

type runOptions struct {
	sessionID string
	profile   string
	lean      bool
	verbose   bool
	answer    string
	approve   string
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [mission...]",
		Short: "Run a mission in-process and stream its events",
		Long: `Run a mission in-process. When the run pauses for a question or an
approval and a terminal is attached, the answer is collected interactively
and the session resumes; otherwise the run stops and can be resumed with
--session and --answer or --approve.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := bootstrap.BuildContainer(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer container.Shutdown(context.WithoutCancel(ctx))

			req, err := opts.request(strings.Join(args, " "))
			if err != nil {
				return err
			}
			var p prompter
			if isTTY() {
				p = terminalPrompter{}
			} else {
				color.NoColor = true
			}
			out := cmd.OutOrStdout()
			result, err := runInteractive(ctx, container.Coordinator, req, &eventRenderer{out: out, verbose: opts.verbose}, p)
			if err != nil {
				return err
			}
			if result.Status == mission.StatusFailed {
				return fmt.Errorf("mission failed: %s", result.FinalMessage)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.sessionID, "session", "s", "", "Continue or resume this session")
	flags.StringVarP(&opts.profile, "profile", "p", "", "Execution profile")
	flags.BoolVar(&opts.lean, "lean", false, "Skip planning")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Show event sequence numbers")
	flags.StringVar(&opts.answer, "answer", "", "Answer for a paused session")
	flags.StringVar(&opts.approve, "approve", "", "Decision for a pending approval (yes or no)")
	return cmd
}

func (o runOptions) request(text string) (coordinator.MissionRequest, error) {
	req := coordinator.MissionRequest{
		Mission:   strings.TrimSpace(text),
		SessionID: strings.TrimSpace(o.sessionID),
		Answer:    strings.TrimSpace(o.answer),
		Profile:   o.profile,
	}
	if o.lean {
		lean := true
		req.Lean = &lean
	}
	switch strings.ToLower(strings.TrimSpace(o.approve)) {
	case "":
	case "y", "yes", "true", "approve":
		granted := true
		req.Approve = &granted
	case "n", "no", "false", "deny":
		denied := false
		req.Approve = &denied
	default:
		return req, fmt.Errorf("--approve must be yes or no, got %q", o.approve)
	}
	if req.Mission == "" && req.SessionID == "" {
		return req, errors.New("a mission or --session is required")
	}
	return req, nil
}

// missionRunner is the part of the coordinator the command drives.
type missionRunner interface {
	Stream(ctx context.Context, req coordinator.MissionRequest) (*coordinator.Stream, error)
}

// runInteractive streams the run and, while a prompter is available,
// answers suspensions and resumes the session.
func runInteractive(ctx context.Context, runner missionRunner, req coordinator.MissionRequest, renderer *eventRenderer, p prompter) (*mission.ExecutionResult, error) {
	for {
		stream, err := runner.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		for event := range stream.Events {
			renderer.render(event)
		}
		result, err := stream.Wait()
		if err != nil {
			return nil, err
		}
		renderer.result(result)

		if !result.Status.Resumable() || result.Pending == nil || p == nil {
			if result.Status.Resumable() {
				printResumeHint(renderer.out, result)
			}
			return result, nil
		}

		next := coordinator.MissionRequest{SessionID: result.SessionID, Profile: req.Profile, Lean: req.Lean}
		switch result.Pending.Kind {
		case mission.PendingApproval:
			granted, err := p.Approve(*result.Pending)
			if errors.Is(err, errNoInput) {
				printResumeHint(renderer.out, result)
				return result, nil
			}
			if err != nil {
				return nil, err
			}
			next.Approve = &granted
		default:
			answer, err := p.Answer(result.Pending.Question)
			if errors.Is(err, errNoInput) {
				printResumeHint(renderer.out, result)
				return result, nil
			}
			if err != nil {
				return nil, err
			}
			next.Answer = answer
		}
		req = next
	}
}

func printResumeHint(out io.Writer, result *mission.ExecutionResult) {
	flag := `--answer "..."`
	if result.Pending != nil && result.Pending.Kind == mission.PendingApproval {
		flag = "--approve yes|no"
	}
	fmt.Fprintf(out, "%s missiond run --session %s %s\n", gray("resume with:"), result.SessionID, flag)
}
