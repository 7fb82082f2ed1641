package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/logging"
	"github.com/hugo-lorenzo-mato/anima/internal/supervisor"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
}

var projectAddName string

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a project directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := openRegistry()
		if err != nil {
			return err
		}
		reg, err := registry.Add(args[0], projectAddName, core.NewTimestamp(time.Now()))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", reg.Name, reg.ID)
		fmt.Fprintln(cmd.OutOrStdout(), "A running daemon picks the project up on its next start.")
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		registry, err := openRegistry()
		if err != nil {
			return err
		}
		projects := registry.List()
		if len(projects) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects registered.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPATH")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Path)
		}
		return w.Flush()
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <project-id>",
	Short: "Unregister a project (its .anima data stays on disk)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := openRegistry()
		if err != nil {
			return err
		}
		if err := registry.Remove(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectRemoveCmd)

	projectAddCmd.Flags().StringVar(&projectAddName, "name", "",
		"display name (default: derived from the directory name)")
}

func openRegistry() (*supervisor.Registry, error) {
	app, err := loadAppConfig()
	if err != nil {
		return nil, err
	}
	return supervisor.NewRegistry(filepath.Join(app.DataDir, "config.json"), logging.NewNop())
}
