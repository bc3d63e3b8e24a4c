// cmd/flow/main.go
//
// This is the entry point for the flow CLI. `flow serve` hosts the MCP tool
// server an orchestrating agent talks to; every other command is the same
// operation run by hand against the project's .flow directory.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kingrea/flow/internal/toolserver"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	projectDir string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	toolserver.Version = Version

	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Walk tasks through workflow graphs",
		Long: `flow keeps long-running work on track. Workflows are graphs of tasks,
gates, forks and joins; each task record remembers where it is. Ask flow
what to do next, report passed or failed, and it moves the task on,
retrying and escalating to a human when a gate runs out of attempts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.projectDir, "project", "C", ".", "Project directory containing .flow")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		initCmd(flags),
		serveCmd(flags),
		navigateCmd(flags),
		branchCmd(flags),
		listCmd(flags),
		showCmd(flags),
		selectCmd(flags),
		lintCmd(flags),
		copyCmd(flags),
		taskCmd(flags),
		historyCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "flow version %s (build: %s)\n", Version, BuildTime)
			},
		},
	)
	return cmd
}
