package pipeline

import (
	"fmt"
	"os"
	"strings"

	"github.com/forgeline/director/internal/store/model"
	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"
)

const (
	StageBacklog  = "backlog"
	StagePM       = "pm"
	StageDev      = "dev"
	StageQA       = "qa"
	StageSec      = "sec"
	StageDocs     = "docs"
	StageComplete = "complete"
	StageDone     = "done"

	failedSuffix = "_failed"
)

// GateRule is the predicate a stage report must satisfy before the task may leave a gated
// stage forward.
type GateRule struct {
	Name        string `json:"name" validate:"required"`
	RequirePass bool   `json:"requirePass"`
	// RequiredDetails are keys that must be present in the report details.
	RequiredDetails []string `json:"requiredDetails,omitempty"`
}

func (g GateRule) Allows(r Report) bool {
	if g.RequirePass && r.Status != model.ReportStatusPass {
		return false
	}
	for _, key := range g.RequiredDetails {
		if _, ok := r.Details[key]; !ok {
			return false
		}
	}
	return true
}

type StageSpec struct {
	Name           string        `json:"name" validate:"required,excludes=_failed"`
	JobType        model.JobType `json:"jobType,omitempty" validate:"omitempty,oneof=complete chat vision_analyze agent_run"`
	TimeoutSeconds int           `json:"timeoutSeconds,omitempty" validate:"gte=0"`
	Priority       int           `json:"priority,omitempty" validate:"gte=0,lte=4"`
	Gate           *GateRule     `json:"gate,omitempty"`
	// RetryStage is where Retry sends a task sitting in this stage's failure variant.
	RetryStage   string `json:"retryStage,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// FailureStage is the name of the failure variant, empty for ungated stages.
func (s StageSpec) FailureStage() string {
	if s.Gate == nil {
		return ""
	}
	return s.Name + failedSuffix
}

type Definition struct {
	Stages []StageSpec `json:"stages" validate:"required,min=3,dive"`

	index map[string]int
}

func DefaultDefinition() *Definition {
	gate := func(name string) *GateRule {
		return &GateRule{Name: name, RequirePass: true}
	}

	def := &Definition{Stages: []StageSpec{
		{Name: StageBacklog},
		{Name: StagePM, JobType: model.JobTypeComplete, TimeoutSeconds: 300, Priority: model.PriorityHigh,
			Instructions: "Break the task down into an implementation plan with acceptance criteria."},
		{Name: StageDev, JobType: model.JobTypeAgentRun, TimeoutSeconds: 1800, Priority: model.PriorityHigh,
			Instructions: "Implement the plan. Report pass when the change is committed and builds."},
		{Name: StageQA, JobType: model.JobTypeAgentRun, TimeoutSeconds: 900, Priority: model.PriorityHigh,
			Gate: gate("qa-requires-pass"), RetryStage: StageDev,
			Instructions: "Run the test suite and verify the acceptance criteria."},
		{Name: StageSec, JobType: model.JobTypeAgentRun, TimeoutSeconds: 900, Priority: model.PriorityHigh,
			Gate: gate("sec-requires-pass"), RetryStage: StageDev,
			Instructions: "Review the change for security issues."},
		{Name: StageDocs, JobType: model.JobTypeComplete, TimeoutSeconds: 300, Priority: model.PriorityHigh,
			Instructions: "Update the documentation affected by the change."},
		{Name: StageComplete},
	}}
	def.buildIndex()
	return def
}

// LoadDefinition reads a YAML pipeline definition.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline definition: %w", err)
	}
	return ParseDefinition(data)
}

func ParseDefinition(data []byte) (*Definition, error) {
	def := &Definition{}
	if err := yaml.UnmarshalStrict(data, def); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks the structural rules: backlog first, complete last, unique names, and
// retry stages that exist and come before the gated stage.
func (d *Definition) Validate() error {
	if err := validator.New().Struct(d); err != nil {
		return fmt.Errorf("invalid pipeline definition: %w", err)
	}

	if d.Stages[0].Name != StageBacklog {
		return fmt.Errorf("invalid pipeline definition: first stage must be %q", StageBacklog)
	}
	if last := d.Stages[len(d.Stages)-1]; last.Name != StageComplete || last.JobType != "" {
		return fmt.Errorf("invalid pipeline definition: last stage must be %q without a job type", StageComplete)
	}

	seen := sets.New[string]()
	for i, s := range d.Stages {
		if s.Name == StageDone || strings.HasSuffix(s.Name, failedSuffix) {
			return fmt.Errorf("invalid pipeline definition: reserved stage name %q", s.Name)
		}
		if seen.Has(s.Name) {
			return fmt.Errorf("invalid pipeline definition: duplicate stage %q", s.Name)
		}
		seen.Insert(s.Name)

		if s.Gate == nil {
			if s.RetryStage != "" {
				return fmt.Errorf("invalid pipeline definition: stage %q has a retry stage but no gate", s.Name)
			}
			continue
		}
		if s.JobType == "" {
			return fmt.Errorf("invalid pipeline definition: gated stage %q has no job type", s.Name)
		}
		if s.RetryStage == "" {
			return fmt.Errorf("invalid pipeline definition: gated stage %q has no retry stage", s.Name)
		}
		retryIdx := -1
		for j := 0; j < i; j++ {
			if d.Stages[j].Name == s.RetryStage {
				retryIdx = j
			}
		}
		if retryIdx <= 0 {
			return fmt.Errorf("invalid pipeline definition: retry stage %q of %q must be an earlier working stage", s.RetryStage, s.Name)
		}
	}

	d.buildIndex()
	return nil
}

func (d *Definition) buildIndex() {
	d.index = make(map[string]int, len(d.Stages))
	for i, s := range d.Stages {
		d.index[s.Name] = i
	}
}

func (d *Definition) Stage(name string) (StageSpec, bool) {
	i, ok := d.index[name]
	if !ok {
		return StageSpec{}, false
	}
	return d.Stages[i], true
}

// Next returns the stage following name. The stage after complete is done.
func (d *Definition) Next(name string) (string, bool) {
	i, ok := d.index[name]
	if !ok {
		return "", false
	}
	if i == len(d.Stages)-1 {
		return StageDone, true
	}
	return d.Stages[i+1].Name, true
}

// Origin maps a failure variant back to its gated stage.
func (d *Definition) Origin(stage string) (StageSpec, bool) {
	name, ok := strings.CutSuffix(stage, failedSuffix)
	if !ok {
		return StageSpec{}, false
	}
	spec, ok := d.Stage(name)
	if !ok || spec.Gate == nil {
		return StageSpec{}, false
	}
	return spec, true
}

func (d *Definition) IsFailure(stage string) bool {
	_, ok := d.Origin(stage)
	return ok
}

// WorkStages are the stages the supervisor schedules jobs for.
func (d *Definition) WorkStages() []string {
	stages := []string{}
	for _, s := range d.Stages {
		if s.JobType != "" {
			stages = append(stages, s.Name)
		}
	}
	return stages
}

// FailureStages are the failure variants of the gated stages.
func (d *Definition) FailureStages() []string {
	stages := []string{}
	for _, s := range d.Stages {
		if s.Gate != nil {
			stages = append(stages, s.FailureStage())
		}
	}
	return stages
}

// Known reports whether stage is a stage, a failure variant or done.
func (d *Definition) Known(stage string) bool {
	if stage == StageDone {
		return true
	}
	if _, ok := d.index[stage]; ok {
		return true
	}
	return d.IsFailure(stage)
}
