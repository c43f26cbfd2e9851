package plan

import (
	"context"
	"fmt"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// ContentPlanner is the default planner. It reads the plan out of the task
// definition content: an explicit "subtasks" list when present, otherwise a
// single leaf subtask targeting content["connector"].
type ContentPlanner struct{}

var _ Planner = (*ContentPlanner)(nil)

// NewContentPlanner creates the default planner.
func NewContentPlanner() *ContentPlanner { return &ContentPlanner{} }

func (p *ContentPlanner) Plan(ctx context.Context, in Input) ([]SubtaskSpec, error) {
	if raw, ok := in.Content["subtasks"].([]interface{}); ok {
		return p.parseSubtasks(raw)
	}

	connector, _ := in.Content["connector"].(string)
	if connector == "" {
		return nil, fmt.Errorf("task content names no connector and no subtasks")
	}
	params := map[string]interface{}{}
	for k, v := range in.Content {
		if k != "connector" && k != "subtasks" {
			params[k] = v
		}
	}
	return []SubtaskSpec{{
		Step:        1,
		Type:        v1.SubtaskTypeMCP,
		Executor:    connector,
		Description: in.UserInput,
		Params:      params,
	}}, nil
}

func (p *ContentPlanner) parseSubtasks(raw []interface{}) ([]SubtaskSpec, error) {
	specs := make([]SubtaskSpec, 0, len(raw))
	for i, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("subtask %d is not an object", i)
		}

		spec := SubtaskSpec{
			Step: i + 1,
			Type: v1.SubtaskTypeMCP,
		}
		if step, ok := entry["step"].(float64); ok {
			spec.Step = int(step)
		}
		if kind, ok := entry["type"].(string); ok && kind != "" {
			spec.Type = v1.SubtaskType(kind)
		}
		spec.Executor, _ = entry["executor"].(string)
		if spec.Executor == "" {
			return nil, fmt.Errorf("subtask %d names no executor", i)
		}
		spec.Description, _ = entry["description"].(string)
		if params, ok := entry["params"].(map[string]interface{}); ok {
			spec.Params = params
		}
		if parallel, ok := entry["is_parallel"].(bool); ok {
			spec.IsParallel = parallel
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// DefaultOracle returns parallel only when every spec opts in; a single
// sequential subtask forces the whole group sequential, which keeps
// step-output chaining intact.
type DefaultOracle struct{}

var _ Oracle = (*DefaultOracle)(nil)

// NewDefaultOracle creates the default strategy oracle.
func NewDefaultOracle() *DefaultOracle { return &DefaultOracle{} }

func (o *DefaultOracle) Decide(specs []SubtaskSpec) Strategy {
	if len(specs) == 0 {
		return StrategySequential
	}
	for _, spec := range specs {
		if !spec.IsParallel {
			return StrategySequential
		}
	}
	return StrategyParallel
}
