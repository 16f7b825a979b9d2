package service

import (
	"context"
	"fmt"
	"text/template"

	"github.com/forgeline/director/internal/pipeline"
	"github.com/forgeline/director/internal/policy"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/log"
)

type CreateRuleRequest struct {
	Name        string
	Description string
	Rego        string
	Enabled     bool
}

// RuleService versions enforcement rules and stage prompts. Records are never updated: every
// change is a new version and the supervisor picks up the latest one on its next cycle.
type RuleService struct {
	store  store.Store
	def    *pipeline.Definition
	logger *log.StructuredLogger
}

func NewRuleService(s store.Store, def *pipeline.Definition) *RuleService {
	return &RuleService{
		store:  s,
		def:    def,
		logger: log.NewDebugLogger("rule_service"),
	}
}

// CreateRule stores the next version of a rule. Enabled rules must compile on their own; a
// disabled version only needs to name the rule it turns off.
func (rs *RuleService) CreateRule(ctx context.Context, req CreateRuleRequest) (*model.EnforcementRule, error) {
	tracer := rs.logger.WithContext(ctx).Operation("create_rule").WithString("name", req.Name).Build()

	if req.Enabled {
		if err := policy.Validate(req.Name, req.Rego); err != nil {
			tracer.Error(err).Log()
			return nil, NewErrInvalidRule(req.Name, err)
		}
	}

	rule, err := rs.store.Rule().CreateRule(ctx, model.EnforcementRule{
		Name:        req.Name,
		Description: req.Description,
		Rego:        req.Rego,
		Enabled:     req.Enabled,
	})
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	tracer.Success().WithInt("version", rule.Version).Log()
	return rule, nil
}

func (rs *RuleService) ListRules(ctx context.Context, latestOnly bool) ([]model.EnforcementRule, error) {
	return rs.store.Rule().ListRules(ctx, latestOnly)
}

// CreatePrompt stores the next template version for a stage that runs jobs.
func (rs *RuleService) CreatePrompt(ctx context.Context, stage, text string) (*model.StagePrompt, error) {
	spec, ok := rs.def.Stage(stage)
	if !ok || spec.JobType == "" {
		return nil, NewErrInvalidPrompt(stage, fmt.Errorf("not a stage that runs jobs"))
	}
	if _, err := template.New(stage).Parse(text); err != nil {
		return nil, NewErrInvalidPrompt(stage, err)
	}

	prompt, err := rs.store.Rule().CreatePrompt(ctx, model.StagePrompt{Stage: stage, Template: text})
	if err != nil {
		return nil, err
	}

	rs.logger.WithContext(ctx).Operation("create_prompt").WithString("stage", stage).Build().
		Success().WithInt("version", prompt.Version).Log()
	return prompt, nil
}

func (rs *RuleService) LatestPrompts(ctx context.Context) (map[string]model.StagePrompt, error) {
	return rs.store.Rule().LatestPrompts(ctx)
}
