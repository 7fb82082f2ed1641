package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// Commands in this file talk to a running daemon over its control API.

var wakeCmd = &cobra.Command{
	Use:   "wake <project-id>",
	Short: "Wake a project now, regardless of schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonPost(cmd, "/api/v1/projects/"+args[0]+"/wake", nil)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <project-id>",
	Short: "Pause the active run after its current round",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonPost(cmd, "/api/v1/projects/"+args[0]+"/pause", nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <project-id>",
	Short: "Resume a paused project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonPost(cmd, "/api/v1/projects/"+args[0]+"/resume", nil)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <project-id> <milestone-id>",
	Short: "Cancel a milestone and roll its branch back",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonPost(cmd, "/api/v1/projects/"+args[0]+"/milestones/"+args[1]+"/cancel", nil)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <project-id> <milestone-id>",
	Short: "Approve a milestone awaiting human review",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonPost(cmd, "/api/v1/projects/"+args[0]+"/milestones/"+args[1]+"/approve", nil)
	},
}

var rejectReason string

var rejectCmd = &cobra.Command{
	Use:   "reject <project-id> <milestone-id>",
	Short: "Reject a milestone awaiting human review",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonPost(cmd, "/api/v1/projects/"+args[0]+"/milestones/"+args[1]+"/reject",
			map[string]string{"reason": rejectReason})
	},
}

var guideCmd = &cobra.Command{
	Use:   "guide <project-id> <text>...",
	Short: "Queue guidance for the current milestone's next round",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonPost(cmd, "/api/v1/projects/"+args[0]+"/guidance",
			map[string]string{"text": strings.Join(args[1:], " ")})
	},
}

func init() {
	rootCmd.AddCommand(wakeCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(guideCmd)

	rejectCmd.Flags().StringVar(&rejectReason, "reason", "",
		"why the milestone is rejected (required)")
	_ = rejectCmd.MarkFlagRequired("reason")
}

// daemonPost sends a control request to the running daemon.
func daemonPost(cmd *cobra.Command, path string, body interface{}) error {
	app, err := loadAppConfig()
	if err != nil {
		return err
	}

	if body == nil {
		body = map[string]string{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := "http://" + app.API.Listen + path
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("contacting daemon at %s (is it running?): %w", app.API.Listen, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "OK")
	return nil
}
