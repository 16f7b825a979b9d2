package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store/model"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"
	"sigs.k8s.io/yaml"
)

const (
	jsonFormat = "json"
	yamlFormat = "yaml"
)

var (
	legalOutputTypes = []string{jsonFormat, yamlFormat}
)

type OutputOptions struct {
	Output string
}

func (o *OutputOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
}

func (o *OutputOptions) Validate() error {
	if len(o.Output) > 0 && !funk.Contains(legalOutputTypes, o.Output) {
		return fmt.Errorf("output format must be one of %s", strings.Join(legalOutputTypes, ", "))
	}
	return nil
}

// print writes v in the requested format, or as a table when no format was asked for.
func (o *OutputOptions) print(out io.Writer, v any) error {
	switch o.Output {
	case jsonFormat:
		marshalled, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling resource: %w", err)
		}
		fmt.Fprintf(out, "%s\n", string(marshalled))
		return nil
	case yamlFormat:
		marshalled, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling resource: %w", err)
		}
		fmt.Fprintf(out, "%s\n", string(marshalled))
		return nil
	default:
		return printTable(out, v)
	}
}

func printTable(out io.Writer, v any) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, '\t', 0)
	switch r := v.(type) {
	case *model.Job:
		printJobsTable(w, *r)
	case model.JobList:
		printJobsTable(w, r...)
	case *model.Task:
		printTasksTable(w, *r)
	case model.TaskList:
		printTasksTable(w, r...)
	case *service.QueueSnapshot:
		printQueueTable(w, r)
	case *model.EnforcementRule:
		printRulesTable(w, *r)
	case []model.EnforcementRule:
		printRulesTable(w, r...)
	case *model.StagePrompt:
		printPromptsTable(w, *r)
	case []model.StagePrompt:
		printPromptsTable(w, r...)
	default:
		return fmt.Errorf("unknown resource type %T", v)
	}
	return w.Flush()
}

func printJobsTable(w io.Writer, jobs ...model.Job) {
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIORITY\tLANE\tTASK\tSTAGE\tAGE")
	for _, j := range jobs {
		task := "-"
		if j.TaskID != nil {
			task = fmt.Sprintf("%d", *j.TaskID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n", j.ID, j.JobType, j.Status, j.Priority, dash(j.Lane), task, dash(j.Stage), age(j.CreatedAt))
	}
}

func printTasksTable(w io.Writer, tasks ...model.Task) {
	fmt.Fprintln(w, "ID\tTITLE\tSTAGE\tSTATUS\tRETRIES\tJOB\tINFO")
	for _, t := range tasks {
		job := "-"
		if t.OutstandingJobID != nil {
			job = fmt.Sprintf("%d", *t.OutstandingJobID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n", t.ID, t.Title, t.Stage, t.Status, t.RetryCount, job, dash(t.StatusInfo))
	}
}

func printQueueTable(w io.Writer, s *service.QueueSnapshot) {
	fmt.Fprintln(w, "TYPE\tSTATUS\tCOUNT")
	for jobType, byStatus := range s.Counts {
		for status, n := range byStatus {
			fmt.Fprintf(w, "%s\t%s\t%d\n", jobType, status, n)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "RUNNING\tLANE\tTYPE\tELAPSED")
	for _, r := range s.Running {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.0fs\n", r.ID, r.Lane, r.JobType, r.ElapsedSeconds)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "BACKEND\tHEALTHY\tLATENCY\tERROR")
	for _, b := range s.Backends {
		fmt.Fprintf(w, "%s\t%t\t%dms\t%s\n", b.Lane, b.Healthy, b.LatencyMs, dash(b.Error))
	}
	fmt.Fprintf(w, "\naverage wait: %.1fs\n", s.AverageWaitSeconds)
}

func printRulesTable(w io.Writer, rules ...model.EnforcementRule) {
	fmt.Fprintln(w, "NAME\tVERSION\tENABLED\tDESCRIPTION")
	for _, r := range rules {
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", r.Name, r.Version, r.Enabled, dash(r.Description))
	}
}

func printPromptsTable(w io.Writer, prompts ...model.StagePrompt) {
	fmt.Fprintln(w, "STAGE\tVERSION\tCREATED")
	for _, p := range prompts {
		fmt.Fprintf(w, "%s\t%d\t%s\n", p.Stage, p.Version, p.CreatedAt.Format(time.RFC3339))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}
