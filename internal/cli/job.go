package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type JobActionOptions struct {
	GlobalOptions
	OutputOptions

	Reason string
	kill   bool
}

func NewCmdCancel() *cobra.Command {
	o := &JobActionOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:          "cancel JOB_ID",
		Short:        "Cancel a pending job",
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func NewCmdKill() *cobra.Command {
	o := &JobActionOptions{GlobalOptions: DefaultGlobalOptions(), kill: true}
	cmd := &cobra.Command{
		Use:          "kill JOB_ID",
		Short:        "Force-fail a running job",
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	cmd.Flags().StringVar(&o.Reason, "reason", "", "Recorded as the job error")
	return cmd
}

func (o *JobActionOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)
}

func (o *JobActionOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if _, err := parseID(args[0]); err != nil {
		return err
	}
	return o.OutputOptions.Validate()
}

func (o *JobActionOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	id, _ := parseID(args[0])

	if o.kill {
		job, err := c.KillJob(cmd.Context(), id, o.Reason)
		if err != nil {
			return fmt.Errorf("killing job/%d: %w", id, err)
		}
		return o.print(cmd.OutOrStdout(), job)
	}

	job, err := c.CancelJob(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("cancelling job/%d: %w", id, err)
	}
	return o.print(cmd.OutOrStdout(), job)
}
