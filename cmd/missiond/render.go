package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"missionloop/internal/domain/mission"
)

// eventRenderer prints mission events as one line each.
type eventRenderer struct {
	out     io.Writer
	verbose bool
}

func (r *eventRenderer) render(event mission.Event) {
	var line string
	switch event.Type {
	case mission.EventPlanCreated, mission.EventPlanUpdated:
		line = blue("plan  ") + event.Message + r.planSuffix(event)
	case mission.EventThinking:
		line = yellow("think ") + event.Message
	case mission.EventToolCall:
		line = cyan("tool  ") + event.Message
	case mission.EventToolResult:
		status, _ := event.Data["status"].(string)
		marker := green("ok")
		if status != "" && status != "ok" {
			marker = red(status)
		}
		line = cyan("  -> ") + marker + " " + gray(event.Message)
	case mission.EventClarification:
		line = bold("ask   ") + event.Message
	case mission.EventApproval:
		line = bold("gate  ") + event.Message
	case mission.EventCompleted:
		line = green("done  ") + event.Message
	case mission.EventError:
		line = red("error ") + event.Message
	case mission.EventCancelled:
		line = red("stop  ") + event.Message
	default:
		line = gray(string(event.Type)+" ") + event.Message
	}
	if r.verbose {
		line = gray(fmt.Sprintf("#%d ", event.Seq)) + line
	}
	fmt.Fprintln(r.out, line)
}

func (r *eventRenderer) planSuffix(event mission.Event) string {
	var titles []string
	switch tasks := event.Data["tasks"].(type) {
	case []map[string]any:
		for _, task := range tasks {
			titles = append(titles, fmt.Sprint(task["title"]))
		}
	case []any:
		// Decoded from JSON.
		for _, raw := range tasks {
			if task, ok := raw.(map[string]any); ok {
				titles = append(titles, fmt.Sprint(task["title"]))
			}
		}
	}
	if len(titles) == 0 {
		return ""
	}
	return gray(" [" + strings.Join(titles, " | ") + "]")
}

func (r *eventRenderer) result(result *mission.ExecutionResult) {
	fmt.Fprintf(r.out, "\n%s %s (session %s, run %s, %d steps)\n",
		bold("status:"), statusColor(result.Status), result.SessionID, result.RunID, result.Steps)
	if result.FinalMessage != "" {
		fmt.Fprintln(r.out, result.FinalMessage)
	}
}

func (r *eventRenderer) conversation(conv *mission.Conversation) {
	fmt.Fprintf(r.out, "%s %s  %s %s  %s %d\n",
		bold("session"), conv.ID, bold("status"), statusColor(conv.Status), bold("messages"), len(conv.Messages))
	if conv.Plan != nil {
		for i, task := range conv.Plan.Tasks {
			mark := "[ ]"
			if task.Status == mission.TaskCompleted {
				mark = "[x]"
			}
			fmt.Fprintf(r.out, "  %d. %s %s\n", i+1, mark, task.Title)
		}
	}
	if conv.Pending != nil {
		switch conv.Pending.Kind {
		case mission.PendingQuestion:
			fmt.Fprintf(r.out, "%s %s\n", yellow("waiting for answer:"), conv.Pending.Question)
		case mission.PendingApproval:
			fmt.Fprintf(r.out, "%s %s (risk %s)\n", yellow("waiting for approval:"), conv.Pending.Tool, conv.Pending.Risk)
		}
	}
	for _, msg := range conv.Messages {
		fmt.Fprintf(r.out, "%s %-9s %s\n", gray(fmt.Sprintf("%4d", msg.Seq)), msg.Role, firstLine(msg.Content))
	}
}

func (r *eventRenderer) summaries(list []mission.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	for _, item := range list {
		fmt.Fprintf(r.out, "%s  %-9s %3d msgs  %s\n", item.ID, statusColor(item.Status), item.MessageCount, gray(item.UpdatedAt.Format("2006-01-02 15:04")))
	}
}

func statusColor(status mission.Status) string {
	switch status {
	case mission.StatusCompleted:
		return green(string(status))
	case mission.StatusFailed:
		return red(string(status))
	case mission.StatusPaused, mission.StatusPending:
		return yellow(string(status))
	default:
		return string(status)
	}
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx] + " ..."
	}
	if len(text) > 160 {
		return text[:157] + "..."
	}
	return text
}
