package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/forgeline/director/internal/pipeline"
	"github.com/forgeline/director/internal/store/model"
)

const defaultPromptTemplate = `You are working on task #{{ .Task.ID }}: {{ .Task.Title }}
{{- with .Task.Description }}

{{ . }}
{{- end }}

Stage: {{ .Stage }} (attempt {{ .Attempt }})
{{ .Instructions }}
{{- with .Previous }}

The previous attempt did not pass: {{ . }}
{{- end }}

Answer with a JSON object {"status": "pass" or "fail", "summary": "...", "details": {...}}.
`

var defaultPrompt = template.Must(template.New("default").Parse(defaultPromptTemplate))

type promptData struct {
	Task         model.Task
	Stage        string
	Instructions string
	Attempt      int
	Previous     string
	Context      map[string]any
}

// renderPrompt renders the stored template for the stage, or the built-in one when there is
// none. A stored template that fails to parse or execute falls back to the built-in one and
// the error is returned alongside the prompt.
func renderPrompt(task model.Task, spec pipeline.StageSpec, stored *model.StagePrompt) (string, error) {
	data := promptData{
		Task:         task,
		Stage:        spec.Name,
		Instructions: spec.Instructions,
		Attempt:      task.RetryCount + 1,
		Previous:     task.StatusInfo,
		Context:      map[string]any{},
	}
	_ = task.Context.Decode(&data.Context)

	var renderErr error
	if stored != nil {
		tmpl, err := template.New(fmt.Sprintf("%s@v%d", stored.Stage, stored.Version)).Option("missingkey=zero").Parse(stored.Template)
		if err == nil {
			var buf bytes.Buffer
			if err = tmpl.Execute(&buf, data); err == nil {
				return buf.String(), nil
			}
		}
		renderErr = fmt.Errorf("stage prompt %s v%d: %w", stored.Stage, stored.Version, err)
	}

	var buf bytes.Buffer
	if err := defaultPrompt.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), renderErr
}

// buildPayload shapes the job payload for the backend that will run the stage. Every payload
// carries the prompt under "prompt" so enforcement rules can read it the same way.
func buildPayload(task model.Task, spec pipeline.StageSpec, prompt string) (json.RawMessage, error) {
	payload := map[string]any{
		"prompt":  prompt,
		"task_id": task.ID,
		"stage":   spec.Name,
	}

	ctx := map[string]any{}
	_ = task.Context.Decode(&ctx)
	if len(ctx) > 0 {
		payload["context"] = ctx
	}

	switch spec.JobType {
	case model.JobTypeComplete:
		payload["format"] = "json"
	case model.JobTypeChat:
		payload["format"] = "json"
		payload["messages"] = []map[string]string{{"role": "user", "content": prompt}}
	case model.JobTypeVisionAnalyze:
		payload["format"] = "json"
		if images, ok := ctx["images"]; ok {
			payload["images"] = images
		}
	}

	return json.Marshal(payload)
}
