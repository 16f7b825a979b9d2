package service

import (
	"fmt"
	"strings"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id uint, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %d not found", resourceType, id)}
}

func NewErrJobNotFound(id uint) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "job")
}

func NewErrTaskNotFound(id uint) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "task")
}

type ErrInvalidPriority struct {
	error
}

func NewErrInvalidPriority(priority int) *ErrInvalidPriority {
	return &ErrInvalidPriority{fmt.Errorf("invalid priority %d: must be between 1 (critical) and 4 (low)", priority)}
}

type ErrInvalidJobType struct {
	error
}

func NewErrInvalidJobType(jobType string) *ErrInvalidJobType {
	return &ErrInvalidJobType{fmt.Errorf("invalid job type %q", jobType)}
}

type ErrJobNotRunning struct {
	error
}

func NewErrJobNotRunning(id uint, status string) *ErrJobNotRunning {
	return &ErrJobNotRunning{fmt.Errorf("job %d is %s, not running", id, status)}
}

type ErrJobNotPending struct {
	error
}

func NewErrJobNotPending(id uint, status string) *ErrJobNotPending {
	return &ErrJobNotPending{fmt.Errorf("job %d is %s, not pending", id, status)}
}

type ErrInvalidTransition struct {
	error
}

func NewErrInvalidTransition(taskID uint, err error) *ErrInvalidTransition {
	return &ErrInvalidTransition{fmt.Errorf("task %d: %w", taskID, err)}
}

// ErrStaleReport is returned when a report (or a concurrent writer) targets a stage the task
// already left. The report is kept for audit but never applied.
type ErrStaleReport struct {
	error
}

func NewErrStaleReport(taskID uint, reportStage, currentStage string) *ErrStaleReport {
	return &ErrStaleReport{fmt.Errorf("task %d: report for stage %q discarded, task is at %q", taskID, reportStage, currentStage)}
}

type ErrDependenciesNotDone struct {
	error
}

func NewErrDependenciesNotDone(taskID uint, pending []uint) *ErrDependenciesNotDone {
	ids := make([]string, 0, len(pending))
	for _, id := range pending {
		ids = append(ids, fmt.Sprint(id))
	}
	return &ErrDependenciesNotDone{fmt.Errorf("task %d depends on tasks not done: %s", taskID, strings.Join(ids, ", "))}
}

type ErrInvalidDependency struct {
	error
}

func NewErrInvalidDependency(taskID uint, reason string) *ErrInvalidDependency {
	return &ErrInvalidDependency{fmt.Errorf("task %d: %s", taskID, reason)}
}

type ErrInvalidRule struct {
	error
}

func NewErrInvalidRule(name string, err error) *ErrInvalidRule {
	return &ErrInvalidRule{fmt.Errorf("rule %q: %w", name, err)}
}

type ErrInvalidPrompt struct {
	error
}

func NewErrInvalidPrompt(stage string, err error) *ErrInvalidPrompt {
	return &ErrInvalidPrompt{fmt.Errorf("prompt for stage %q: %w", stage, err)}
}
