package cli

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	JobKind    = "job"
	TaskKind   = "task"
	QueueKind  = "queue"
	RuleKind   = "rule"
	PromptKind = "prompt"
)

var (
	pluralKinds = map[string]string{
		JobKind:    "jobs",
		TaskKind:   "tasks",
		QueueKind:  "queue",
		RuleKind:   "rules",
		PromptKind: "prompts",
	}
)

// parseAndValidateKindId splits "job/12" into its kind and id. Listing kinds come back with a nil id.
func parseAndValidateKindId(arg string) (string, *uint, error) {
	kind, idStr, hasID := strings.Cut(arg, "/")
	kind = singular(kind)
	if _, ok := pluralKinds[kind]; !ok {
		return "", nil, fmt.Errorf("invalid resource kind: %s", kind)
	}
	if !hasID {
		return kind, nil, nil
	}
	switch kind {
	case JobKind, TaskKind:
	default:
		return "", nil, fmt.Errorf("%s cannot be read by id", kind)
	}
	id, err := parseID(idStr)
	if err != nil {
		return "", nil, err
	}
	return kind, &id, nil
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return uint(id), nil
}

func singular(kind string) string {
	for singular, plural := range pluralKinds {
		if kind == plural {
			return singular
		}
	}
	return kind
}

func plural(kind string) string {
	return pluralKinds[kind]
}
