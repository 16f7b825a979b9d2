package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/forgeline/director/internal/store/model"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

// Query is the rule every enforcement module contributes to: a set of violation messages.
const Query = "data.director.enforcement.deny"

// Input is what rules see: the task and the job the supervisor is about to enqueue for it.
type Input struct {
	Task model.Task `json:"task"`
	Job  model.Job  `json:"job"`
}

// Engine evaluates enforcement rules. It is immutable once built; the supervisor builds a new
// one at the start of each cycle from the current rule set.
type Engine struct {
	prepared *rego.PreparedEvalQuery
	modules  []string
}

// NewEngine compiles sources. A stored rule that does not parse or compile is skipped and
// reported in the returned errors so one bad record cannot stop scheduling; a broken policy
// file is a hard error.
func NewEngine(ctx context.Context, sources []Source) (*Engine, []error) {
	var skipped []error

	files := map[string]*ast.Module{}
	stored := map[string]*ast.Module{}
	for _, src := range sources {
		module, err := ast.ParseModuleWithOpts(src.Name, src.Content, ast.ParserOptions{
			RegoVersion: ast.RegoV1,
		})
		if err != nil {
			if !src.FromStore {
				return nil, []error{fmt.Errorf("failed to parse policy %s: %w", src.Name, err)}
			}
			skipped = append(skipped, fmt.Errorf("failed to parse rule %s: %w", src.Name, err))
			continue
		}
		if src.FromStore {
			stored[src.Name] = module
		} else {
			files[src.Name] = module
		}
	}

	if err := compile(files); err != nil {
		return nil, []error{fmt.Errorf("policy compilation failed: %w", err)}
	}

	modules := copyModules(files)
	names := make([]string, 0, len(stored))
	for name := range stored {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		candidate := copyModules(modules)
		candidate[name] = stored[name]
		if err := compile(candidate); err != nil {
			skipped = append(skipped, fmt.Errorf("failed to compile rule %s: %w", name, err))
			continue
		}
		modules = candidate
	}

	e := &Engine{}
	for name := range modules {
		e.modules = append(e.modules, name)
	}
	sort.Strings(e.modules)
	if len(modules) == 0 {
		return e, skipped
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return nil, append(skipped, fmt.Errorf("policy compilation failed: %v", compiler.Errors))
	}

	r := rego.New(
		rego.Query(Query),
		rego.Compiler(compiler),
		rego.SetRegoVersion(ast.RegoV1),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, append(skipped, fmt.Errorf("failed to prepare rego query: %w", err))
	}
	e.prepared = &prepared

	zap.S().Named("policy").Debugf("compiled %d enforcement modules", len(modules))
	return e, skipped
}

// Validate compiles a single rule on its own, for rejecting bad rules before they are stored.
func Validate(name, content string) error {
	module, err := ast.ParseModuleWithOpts(name, content, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return err
	}
	if module.Package.Path.String() != "data.director.enforcement" {
		return fmt.Errorf("rule must be in package director.enforcement, got %s", module.Package.Path)
	}
	return compile(map[string]*ast.Module{name: module})
}

// Modules lists the names of the modules in effect.
func (e *Engine) Modules() []string {
	return append([]string{}, e.modules...)
}

// Evaluate returns the sorted violation messages for input. No violations means the work may
// be scheduled.
func (e *Engine) Evaluate(ctx context.Context, input Input) ([]string, error) {
	if e == nil || e.prepared == nil {
		return nil, nil
	}

	resultSet, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	if len(resultSet) == 0 || len(resultSet[0].Expressions) == 0 {
		return nil, nil
	}

	values, ok := resultSet[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from policy evaluation")
	}

	violations := make([]string, 0, len(values))
	for _, v := range values {
		violations = append(violations, fmt.Sprint(v))
	}
	sort.Strings(violations)
	return violations, nil
}

func compile(modules map[string]*ast.Module) error {
	if len(modules) == 0 {
		return nil
	}
	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return compiler.Errors
	}
	return nil
}

func copyModules(in map[string]*ast.Module) map[string]*ast.Module {
	out := make(map[string]*ast.Module, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
