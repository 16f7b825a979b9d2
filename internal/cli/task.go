package cli

import (
	"fmt"
	"strings"

	"github.com/forgeline/director/api/v1alpha1"
	"github.com/forgeline/director/internal/store/model"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"
)

type TaskActionOptions struct {
	GlobalOptions
	OutputOptions

	Reason string
	action string
}

// NewCmdTaskAction builds start, approve, retry, block and resume, which differ only in the route.
func NewCmdTaskAction(action, short string) *cobra.Command {
	o := &TaskActionOptions{GlobalOptions: DefaultGlobalOptions(), action: action}
	cmd := &cobra.Command{
		Use:          action + " TASK_ID",
		Short:        short,
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	if action == "block" {
		cmd.Flags().StringVar(&o.Reason, "reason", "", "Why the task is blocked")
	}
	return cmd
}

func (o *TaskActionOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)
}

func (o *TaskActionOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if _, err := parseID(args[0]); err != nil {
		return err
	}
	return o.OutputOptions.Validate()
}

func (o *TaskActionOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	id, _ := parseID(args[0])

	task, err := c.TaskAction(cmd.Context(), id, o.action, v1alpha1.TaskAction{Actor: o.Actor, Reason: o.Reason})
	if err != nil {
		return fmt.Errorf("%s task/%d: %w", o.action, id, err)
	}
	return o.print(cmd.OutOrStdout(), task)
}

type ReportOptions struct {
	GlobalOptions
	OutputOptions

	Stage   string
	Status  string
	Summary string
	JobID   uint
}

func NewCmdReport() *cobra.Command {
	o := &ReportOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:          "report TASK_ID",
		Short:        "Submit a stage report for a task",
		Example:      `  directorctl report 12 --stage qa --status fail --summary "2 tests failing"`,
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *ReportOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)

	fs.StringVar(&o.Stage, "stage", "", "Stage the report is for. Must be the task's current stage")
	fs.StringVar(&o.Status, "status", "", fmt.Sprintf("One of: (%s)", strings.Join(model.ReportStatuses, ", ")))
	fs.StringVar(&o.Summary, "summary", "", "Short outcome, or @FILE")
	fs.UintVar(&o.JobID, "job", 0, "Job that produced the report")
}

func (o *ReportOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if _, err := parseID(args[0]); err != nil {
		return err
	}
	if o.Stage == "" {
		return fmt.Errorf("--stage is required")
	}
	if !funk.ContainsString(model.ReportStatuses, o.Status) {
		return fmt.Errorf("status must be one of %s", strings.Join(model.ReportStatuses, ", "))
	}
	return o.OutputOptions.Validate()
}

func (o *ReportOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	id, _ := parseID(args[0])

	summary, err := readTextArg(o.Summary)
	if err != nil {
		return fmt.Errorf("reading summary: %w", err)
	}
	req := v1alpha1.StageReportCreate{
		Stage:   o.Stage,
		Status:  o.Status,
		Summary: summary,
		Actor:   o.Actor,
	}
	if o.JobID != 0 {
		req.JobId = &o.JobID
	}

	task, err := c.SubmitReport(cmd.Context(), id, req)
	if err != nil {
		return fmt.Errorf("reporting on task/%d: %w", id, err)
	}
	return o.print(cmd.OutOrStdout(), task)
}

type DependsOptions struct {
	GlobalOptions
	OutputOptions

	On []uint
}

func NewCmdDepends() *cobra.Command {
	o := &DependsOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:          "depends TASK_ID",
		Short:        "Replace the dependencies of a task",
		Example:      `  directorctl depends 12 --on 7,9`,
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *DependsOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)

	fs.UintSliceVar(&o.On, "on", nil, "Ids of tasks that must be done first. Empty clears them")
}

func (o *DependsOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if _, err := parseID(args[0]); err != nil {
		return err
	}
	return o.OutputOptions.Validate()
}

func (o *DependsOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	id, _ := parseID(args[0])

	deps := o.On
	if deps == nil {
		deps = []uint{}
	}
	task, err := c.SetDependencies(cmd.Context(), id, deps)
	if err != nil {
		return fmt.Errorf("setting dependencies of task/%d: %w", id, err)
	}
	return o.print(cmd.OutOrStdout(), task)
}

type DeleteOptions struct {
	GlobalOptions
}

func NewCmdDelete() *cobra.Command {
	o := &DeleteOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:          "delete task/ID",
		Short:        "Archive a task",
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *DeleteOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	kind, id, err := parseAndValidateKindId(args[0])
	if err != nil {
		return err
	}
	if kind != TaskKind || id == nil {
		return fmt.Errorf("only task/ID can be deleted")
	}
	return nil
}

func (o *DeleteOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	_, id, _ := parseAndValidateKindId(args[0])

	if err := c.ArchiveTask(cmd.Context(), *id); err != nil {
		return fmt.Errorf("deleting task/%d: %w", *id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "task/%d archived\n", *id)
	return nil
}
