package validator

import (
	"regexp"

	"github.com/forgeline/director/internal/store/model"
	"github.com/go-playground/validator/v10"
)

var (
	stageNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	ruleNameRegex  = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._-]*[a-zA-Z0-9])?$`)
)

func jobTypeValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return model.JobType(val).Valid()
}

func reportStatusValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	switch val {
	case model.ReportStatusPass:
		fallthrough
	case model.ReportStatusFail:
		fallthrough
	case model.ReportStatusPending:
		return true
	default:
		return false
	}
}

func stageNameValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return len(val) <= 32 && stageNameRegex.MatchString(val)
}

// Rule names end up in module names and log lines, so keep them to label characters.
func ruleNameValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return len(val) <= 100 && ruleNameRegex.MatchString(val)
}
