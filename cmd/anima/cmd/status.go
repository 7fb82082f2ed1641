package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show a project's state and milestones",
	Long: `Show the persisted state of a project directory: project status, the
current milestone, usage totals, and the milestone list. Reads the .anima
files directly, so it works whether or not the daemon is running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) == 1 {
		path = args[0]
	}

	st := store.New(path)
	state, _, err := st.ReadProjectState()
	if err != nil {
		return err
	}
	if state == nil {
		state = &core.ProjectState{Status: core.ProjectSleeping}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status:  %s\n", state.Status)
	if state.CurrentMilestoneID != "" {
		fmt.Fprintf(out, "Current: %s\n", state.CurrentMilestoneID)
	}
	if state.RateLimitResetAt != nil {
		fmt.Fprintf(out, "Quota resets: %s\n", state.RateLimitResetAt.Time.Local())
	}
	fmt.Fprintf(out, "Usage:   %d tokens, $%.2f\n", state.TokensUsed, state.CostUSD)

	milestones, err := st.ListMilestones()
	if err != nil {
		return err
	}
	if len(milestones) == 0 {
		fmt.Fprintln(out, "\nNo milestones.")
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tITERATIONS\tTITLE")
	for _, m := range milestones {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.ID, m.Status, m.IterationCount, m.Title)
	}
	return w.Flush()
}
