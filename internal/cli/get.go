package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type GetOptions struct {
	GlobalOptions
	OutputOptions

	Status string
	Stage  string
	Type   string
	TaskID uint
	Limit  int
	All    bool
}

func DefaultGetOptions() *GetOptions {
	return &GetOptions{
		GlobalOptions: DefaultGlobalOptions(),
	}
}

func NewCmdGet() *cobra.Command {
	o := DefaultGetOptions()
	cmd := &cobra.Command{
		Use:   "get (TYPE | TYPE/ID)",
		Short: "Display one or many resources.",
		Long: `Display one or many resources.

Types: job, jobs, task, tasks, queue, rules, prompts.`,
		Example: `  directorctl get jobs --status running
  directorctl get task/12 -o yaml
  directorctl get queue`,
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *GetOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)

	fs.StringVar(&o.Status, "status", "", "Comma separated statuses to list")
	fs.StringVar(&o.Stage, "stage", "", "Comma separated stages to list (tasks)")
	fs.StringVar(&o.Type, "type", "", "Comma separated job types to list (jobs)")
	fs.UintVar(&o.TaskID, "task", 0, "Only jobs of this task (jobs)")
	fs.IntVar(&o.Limit, "limit", 0, "Maximum number of jobs to list")
	fs.BoolVar(&o.All, "all", false, "Include archived tasks, or every rule version")
}

func (o *GetOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if _, _, err := parseAndValidateKindId(args[0]); err != nil {
		return err
	}
	if o.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return o.OutputOptions.Validate()
}

func (o *GetOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	kind, id, err := parseAndValidateKindId(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var response any
	switch {
	case kind == JobKind && id != nil:
		response, err = c.GetJob(ctx, *id)
	case kind == JobKind:
		response, err = c.ListJobs(ctx, o.jobQuery())
	case kind == TaskKind && id != nil:
		response, err = c.GetTask(ctx, *id)
	case kind == TaskKind:
		response, err = c.ListTasks(ctx, o.taskQuery())
	case kind == QueueKind:
		response, err = c.Queue(ctx)
	case kind == RuleKind:
		response, err = c.ListRules(ctx, o.All)
	case kind == PromptKind:
		response, err = c.ListPrompts(ctx)
	default:
		return fmt.Errorf("unsupported resource kind: %s", kind)
	}
	if err != nil {
		if id != nil {
			return fmt.Errorf("reading %s/%d: %w", kind, *id, err)
		}
		return fmt.Errorf("listing %s: %w", plural(kind), err)
	}

	return o.print(cmd.OutOrStdout(), response)
}

func (o *GetOptions) jobQuery() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Type != "" {
		q.Set("type", o.Type)
	}
	if o.TaskID != 0 {
		q.Set("task_id", strconv.FormatUint(uint64(o.TaskID), 10))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

func (o *GetOptions) taskQuery() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Stage != "" {
		q.Set("stage", o.Stage)
	}
	if o.All {
		q.Set("archived", "true")
	}
	return q
}
