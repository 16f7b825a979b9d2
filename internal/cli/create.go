package cli

import (
	"fmt"

	"github.com/forgeline/director/api/v1alpha1"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func NewCmdCreate() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resource",
	}
	cmd.AddCommand(NewCmdCreateTask())
	cmd.AddCommand(NewCmdCreateRule())
	cmd.AddCommand(NewCmdCreatePrompt())
	return cmd
}

type CreateTaskOptions struct {
	GlobalOptions
	OutputOptions

	Description string
	Priority    int
	BlockedBy   []uint
	Context     string
	Start       bool
}

func NewCmdCreateTask() *cobra.Command {
	o := &CreateTaskOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:          "task TITLE",
		Short:        "Create a task in the backlog",
		Example:      `  directorctl create task "checkout flow" --context '{"repo":"web"}' --start`,
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *CreateTaskOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)

	fs.StringVarP(&o.Description, "description", "d", "", "Task description, or @FILE")
	fs.IntVar(&o.Priority, "priority", 0, "Priority from 1 (critical) to 4 (low)")
	fs.UintSliceVar(&o.BlockedBy, "blocked-by", nil, "Ids of tasks that must be done first")
	fs.StringVar(&o.Context, "context", "", "JSON context handed to every stage, or @FILE")
	fs.BoolVar(&o.Start, "start", false, "Move the task out of the backlog right away")
}

func (o *CreateTaskOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	return o.OutputOptions.Validate()
}

func (o *CreateTaskOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	description, err := readTextArg(o.Description)
	if err != nil {
		return fmt.Errorf("reading description: %w", err)
	}
	req := v1alpha1.TaskCreate{
		Title:       args[0],
		Description: description,
		Priority:    o.Priority,
		BlockedBy:   o.BlockedBy,
	}
	if o.Context != "" {
		if req.Context, err = readJSONArg(o.Context); err != nil {
			return fmt.Errorf("reading context: %w", err)
		}
	}

	task, err := c.CreateTask(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	if o.Start {
		id := task.ID
		if task, err = c.TaskAction(cmd.Context(), id, "start", v1alpha1.TaskAction{Actor: o.Actor}); err != nil {
			return fmt.Errorf("starting task/%d: %w", id, err)
		}
	}
	return o.print(cmd.OutOrStdout(), task)
}

type CreateRuleOptions struct {
	GlobalOptions
	OutputOptions

	File        string
	Description string
	Disabled    bool
}

func NewCmdCreateRule() *cobra.Command {
	o := &CreateRuleOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "rule NAME",
		Short: "Store a new version of an enforcement rule",
		Example: `  directorctl create rule require-tests --file require-tests.rego
  directorctl create rule require-tests --disabled`,
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *CreateRuleOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)

	fs.StringVarP(&o.File, "file", "f", "", "Rego file holding the rule")
	fs.StringVarP(&o.Description, "description", "d", "", "What the rule enforces")
	fs.BoolVar(&o.Disabled, "disabled", false, "Store the version switched off")
}

func (o *CreateRuleOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.File == "" && !o.Disabled {
		return fmt.Errorf("--file is required unless the rule is disabled")
	}
	return o.OutputOptions.Validate()
}

func (o *CreateRuleOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	var rego string
	if o.File != "" {
		if rego, err = readTextArg("@" + o.File); err != nil {
			return fmt.Errorf("reading rule: %w", err)
		}
	}
	enabled := !o.Disabled

	rule, err := c.CreateRule(cmd.Context(), v1alpha1.RuleCreate{
		Name:        args[0],
		Description: o.Description,
		Rego:        rego,
		Enabled:     &enabled,
	})
	if err != nil {
		return fmt.Errorf("creating rule %s: %w", args[0], err)
	}
	return o.print(cmd.OutOrStdout(), rule)
}

type CreatePromptOptions struct {
	GlobalOptions
	OutputOptions

	Template string
}

func NewCmdCreatePrompt() *cobra.Command {
	o := &CreatePromptOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:          "prompt STAGE",
		Short:        "Store a new version of a stage prompt template",
		Example:      `  directorctl create prompt dev --template @dev.tmpl`,
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *CreatePromptOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)

	fs.StringVarP(&o.Template, "template", "t", "", "Go text/template source, or @FILE")
}

func (o *CreatePromptOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.Template == "" {
		return fmt.Errorf("--template is required")
	}
	return o.OutputOptions.Validate()
}

func (o *CreatePromptOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	text, err := readTextArg(o.Template)
	if err != nil {
		return fmt.Errorf("reading template: %w", err)
	}

	prompt, err := c.CreatePrompt(cmd.Context(), v1alpha1.PromptCreate{Stage: args[0], Template: text})
	if err != nil {
		return fmt.Errorf("creating prompt for %s: %w", args[0], err)
	}
	return o.print(cmd.OutOrStdout(), prompt)
}
