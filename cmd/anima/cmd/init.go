package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/anima/internal/config"
	"github.com/hugo-lorenzo-mato/anima/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Scaffold the .anima layout in a project directory",
	Long: `Create the .anima directory tree with a default config, plus starter
vision and soul documents for the agents to read. Existing files are left
untouched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

const visionTemplate = `# Vision

Describe what this project is becoming: the product, its users, and what
"done" looks like. The developer agent reads this at the start of every
round.
`

const soulTemplate = `# Soul

Describe how work should be done here: coding conventions, architectural
constraints, libraries to prefer or avoid, and quality expectations. Both
agents read this.
`

func runInit(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) == 1 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	st := store.New(abs)
	if err := st.EnsureLayout(); err != nil {
		return err
	}

	cfg := config.DefaultProjectConfig()
	cfg.SchemaVersion = 1
	cfg.Name = filepath.Base(abs)
	if err := writeIfAbsent(st.ConfigPath(), marshalConfig(cfg)); err != nil {
		return err
	}
	if err := writeIfAbsent(st.VisionPath(), []byte(visionTemplate)); err != nil {
		return err
	}
	if err := writeIfAbsent(filepath.Join(st.Dir(), "soul.md"), []byte(soulTemplate)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", st.Dir())
	fmt.Fprintln(cmd.OutOrStdout(), "Edit VISION.md and .anima/soul.md, then register the project:")
	fmt.Fprintf(cmd.OutOrStdout(), "  anima project add %s\n", abs)
	return nil
}

func marshalConfig(cfg config.ProjectConfig) []byte {
	data, _ := json.MarshalIndent(cfg, "", "  ")
	return append(data, '\n')
}

// writeIfAbsent creates the file only when it does not exist yet.
func writeIfAbsent(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(content)
	return err
}
