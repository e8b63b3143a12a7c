package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	jsonx "missionloop/internal/shared/json"
)

const defaultServerURL = "http://localhost:8080"

type cancelResponse struct {
	OK        bool   `json:"ok"`
	RunID     string `json:"run_id"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error"`
}

func newCancelCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run on a mission server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := strings.TrimSpace(v.GetString("server"))
			if server == "" {
				server = defaultServerURL
			}
			resp, err := cancelRun(cmd.Context(), http.DefaultClient, server, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("cancellation requested for"), resp.RunID)
			return nil
		},
	}
	cmd.Flags().String("server", "", "Mission server base URL (default "+defaultServerURL+")")
	return cmd
}

func cancelRun(ctx context.Context, client *http.Client, server, runID string) (cancelResponse, error) {
	endpoint := strings.TrimRight(server, "/") + "/api/runs/" + url.PathEscape(strings.TrimSpace(runID)) + "/cancel"
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return cancelResponse{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return cancelResponse{}, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return cancelResponse{}, err
	}
	var out cancelResponse
	if err := jsonx.UnmarshalIfPresent(body, &out); err != nil {
		return cancelResponse{}, fmt.Errorf("decode cancel response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		if out.RunID == "" {
			out.RunID = runID
		}
		return out, nil
	case http.StatusNotFound:
		return out, fmt.Errorf("run %s not found", runID)
	case http.StatusConflict:
		return out, fmt.Errorf("run %s is not active", runID)
	default:
		if out.Error == "" {
			out.Error = resp.Status
		}
		return out, fmt.Errorf("cancel run %s: %s", runID, out.Error)
	}
}
