package validator

import "github.com/go-playground/validator/v10"

func registerFn(tag string, fn func(fl validator.FieldLevel) bool) func(v *validator.Validate) {
	return func(v *validator.Validate) {
		_ = v.RegisterValidation(tag, fn)
	}
}

func NewJobValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("jobtype", jobTypeValidator),
		},
	}
}

func NewTaskValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("reportstatus", reportStatusValidator),
		},
		{
			Rule: registerFn("stage_name", stageNameValidator),
		},
	}
}

func NewRuleValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("rule_name", ruleNameValidator),
		},
		{
			Rule: registerFn("stage_name", stageNameValidator),
		},
	}
}
