package executor

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
)

// defaultMaxIterations caps loop bodies when the step does not set its own
// bound.
const defaultMaxIterations = 100

func evalPredicate(code string, scope map[string]any) (bool, error) {
	out, err := expr.Eval(code, scope)
	if err != nil {
		return false, fmt.Errorf("predicate %q: %w", code, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q: result is %T, want bool", code, out)
	}
	return b, nil
}

func evalItems(code string, scope map[string]any) ([]any, error) {
	out, err := expr.Eval(code, scope)
	if err != nil {
		return nil, fmt.Errorf("items %q: %w", code, err)
	}
	switch v := out.(type) {
	case []any:
		return v, nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return items, nil
	default:
		return nil, fmt.Errorf("items %q: result is %T, want a list", code, out)
	}
}

// runConditional evaluates the predicate and redirects control. The step
// itself always succeeds unless the predicate cannot be evaluated; the
// branch not taken is skipped by the engine, not executed.
func (e *Executor) runConditional(step *runbook.StepSpec, scope map[string]any) (*Result, error) {
	ok, err := evalPredicate(step.Predicate, scope)
	if err != nil {
		return failure(store.ReasonCommandFailed, err.Error()), nil
	}

	next := step.ElseOrder
	if ok {
		next = step.ThenOrder
	}
	return &Result{
		Status:    store.StepSuccess,
		Stdout:    fmt.Sprintf("predicate evaluated to %t", ok),
		NextOrder: next,
	}, nil
}

// runLoop executes the embedded body once per item, failing fast on the
// first body failure. Each iteration sees the item and its index in scope.
func (e *Executor) runLoop(ctx context.Context, step *runbook.StepSpec, scope map[string]any) (*Result, error) {
	items, err := evalItems(step.Items, scope)
	if err != nil {
		return failure(store.ReasonCommandFailed, err.Error()), nil
	}

	limit := step.MaxIterations
	if limit <= 0 {
		limit = defaultMaxIterations
	}
	if len(items) > limit {
		return failure(store.ReasonCommandFailed,
			fmt.Sprintf("items produced %d entries, limit is %d", len(items), limit)), nil
	}

	agg := &Result{Status: store.StepSuccess}
	for i, item := range items {
		iterScope := make(map[string]any, len(scope)+2)
		for k, v := range scope {
			iterScope[k] = v
		}
		iterScope["item"] = item
		iterScope["loop_index"] = i

		res, err := e.RunStep(ctx, step.Step, iterScope)
		if err != nil {
			return nil, err
		}
		if res.Stdout != "" {
			agg.Stdout += fmt.Sprintf("[%d] %s", i, res.Stdout)
			if agg.Stdout[len(agg.Stdout)-1] != '\n' {
				agg.Stdout += "\n"
			}
		}
		if res.Stderr != "" {
			agg.Stderr += fmt.Sprintf("[%d] %s", i, res.Stderr)
		}
		agg.ExitCode = res.ExitCode
		agg.StatusCode = res.StatusCode
		if res.Status == store.StepFailed {
			agg.Status = store.StepFailed
			agg.FailureReason = res.FailureReason
			agg.ErrorMsg = fmt.Sprintf("iteration %d: %s", i, res.ErrorMsg)
			return agg, nil
		}
	}
	return agg, nil
}
