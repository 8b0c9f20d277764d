package cmd

import (
	"fmt"
	"os"

	"github.com/doma-engineering/goo-1.14/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "goo",
	Short: "Interactive goo shell",
	Long: `goo is an interactive shell: expressions are read line by line, folded
into complete forms, and evaluated in a supervised worker. Debuggers and
other tools can request control of a running session through the takeover
broker.`,
	RunE: runShell,
}

func init() {
	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(fmt.Sprintf("goo %s\n", version.String()))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
