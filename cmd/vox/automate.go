package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// AutomateCmd asks the running daemon to operate the phone.
func AutomateCmd() *cobra.Command {
	var wait bool
	var addr string

	cmd := &cobra.Command{
		Use:   "automate <goal>",
		Short: "Operate the connected phone in the background",
		Long: `Sends a goal to the running daemon, which drives the phone connected on
/v1/device. The result is announced by the interactive session when it is done.

Examples:
  vox automate "turn on do not disturb"
  vox automate --wait "open the calendar and tell me my first meeting"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = ServerConfig.Listen
			}
			base := "http://" + strings.TrimPrefix(addr, "http://")
			id, err := startAutomation(cmd.Context(), base, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Started %s\n", id)
			if !wait {
				return nil
			}
			view, err := waitAgent(cmd.Context(), base, id, 500*time.Millisecond)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %s\n", view.Status, view.Message)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to end and print its result")
	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (default: listen address from config)")
	return cmd
}

type remoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func readRemote(resp *http.Response, want int, v any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		var re remoteError
		if json.Unmarshal(body, &re) == nil && re.Message != "" {
			return fmt.Errorf("daemon: %s", re.Message)
		}
		return fmt.Errorf("daemon: unexpected status %s", resp.Status)
	}
	return json.Unmarshal(body, v)
}

func startAutomation(ctx context.Context, base, goal string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"goal": goal})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/automation", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("is 'vox serve' running? %w", err)
	}
	var started struct {
		AgentID string `json:"agent_id"`
	}
	if err := readRemote(resp, http.StatusAccepted, &started); err != nil {
		return "", err
	}
	return started.AgentID, nil
}

type remoteAgent struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (r remoteAgent) ended() bool {
	switch r.Status {
	case "pending", "running":
		return false
	}
	return true
}

func waitAgent(ctx context.Context, base, id string, every time.Duration) (*remoteAgent, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/agents/"+id, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		var view remoteAgent
		if err := readRemote(resp, http.StatusOK, &view); err != nil {
			return nil, err
		}
		if view.ended() {
			return &view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
