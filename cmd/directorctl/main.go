package main

import (
	"os"

	"github.com/forgeline/director/internal/cli"
	"github.com/spf13/cobra"
)

func main() {
	command := NewDirectorCtlCommand()
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewDirectorCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directorctl [flags] [options]",
		Short: "directorctl controls the director service.",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}
	cmd.AddCommand(cli.NewCmdGet())
	cmd.AddCommand(cli.NewCmdEnqueue())
	cmd.AddCommand(cli.NewCmdCreate())
	cmd.AddCommand(cli.NewCmdDelete())
	cmd.AddCommand(cli.NewCmdCancel())
	cmd.AddCommand(cli.NewCmdKill())
	cmd.AddCommand(cli.NewCmdReport())
	cmd.AddCommand(cli.NewCmdDepends())
	cmd.AddCommand(cli.NewCmdTaskAction("start", "Move a task out of the backlog"))
	cmd.AddCommand(cli.NewCmdTaskAction("approve", "Approve a task waiting at the final gate"))
	cmd.AddCommand(cli.NewCmdTaskAction("retry", "Send a failed task back to its retry stage"))
	cmd.AddCommand(cli.NewCmdTaskAction("block", "Block a task"))
	cmd.AddCommand(cli.NewCmdTaskAction("resume", "Resume a blocked task"))
	cmd.AddCommand(cli.NewCmdConfig())

	return cmd
}
