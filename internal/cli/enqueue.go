package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/forgeline/director/api/v1alpha1"
	"github.com/forgeline/director/internal/store/model"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type EnqueueOptions struct {
	GlobalOptions
	OutputOptions

	Payload        string
	Priority       int
	TimeoutSeconds int
	TaskID         uint
	SessionID      string
	Stage          string
}

func DefaultEnqueueOptions() *EnqueueOptions {
	return &EnqueueOptions{
		GlobalOptions: DefaultGlobalOptions(),
		Payload:       "{}",
	}
}

func NewCmdEnqueue() *cobra.Command {
	o := DefaultEnqueueOptions()
	cmd := &cobra.Command{
		Use:   "enqueue TYPE",
		Short: "Put a job on the queue.",
		Example: `  directorctl enqueue complete --payload '{"prompt":"summarize the release notes"}'
  directorctl enqueue agent_run --payload @job.json --priority 2 --timeout 1800`,
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *EnqueueOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)

	fs.StringVarP(&o.Payload, "payload", "p", o.Payload, "JSON payload, or @FILE to read it from a file")
	fs.IntVar(&o.Priority, "priority", 0, "Priority from 1 (critical) to 4 (low). The server defaults to critical")
	fs.IntVar(&o.TimeoutSeconds, "timeout", 0, "Timeout in seconds. Zero uses the job type default")
	fs.UintVar(&o.TaskID, "task", 0, "Task the job belongs to")
	fs.StringVar(&o.SessionID, "session", "", "Session the job belongs to")
	fs.StringVar(&o.Stage, "stage", "", "Stage the job works on")
}

func (o *EnqueueOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if !model.JobType(args[0]).Valid() {
		return fmt.Errorf("invalid job type %q", args[0])
	}
	if o.Priority != 0 && (o.Priority < model.PriorityCritical || o.Priority > model.PriorityLow) {
		return fmt.Errorf("priority must be between %d and %d", model.PriorityCritical, model.PriorityLow)
	}
	return o.OutputOptions.Validate()
}

func (o *EnqueueOptions) Run(cmd *cobra.Command, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	payload, err := readJSONArg(o.Payload)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	req := v1alpha1.JobCreate{
		Type:           args[0],
		Payload:        payload,
		TimeoutSeconds: o.TimeoutSeconds,
		SessionId:      o.SessionID,
		Stage:          o.Stage,
	}
	if o.Priority != 0 {
		req.Priority = &o.Priority
	}
	if o.TaskID != 0 {
		req.TaskId = &o.TaskID
	}

	job, err := c.Enqueue(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", args[0], err)
	}
	return o.print(cmd.OutOrStdout(), job)
}

// readJSONArg accepts inline JSON or @FILE.
func readJSONArg(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("not valid JSON")
	}
	return json.RawMessage(data), nil
}

// readTextArg accepts inline text or @FILE.
func readTextArg(arg string) (string, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return arg, nil
}
