// Package plan holds the pluggable decision points of the agent pipeline:
// operation classification, task planning, and the parallelism strategy.
package plan

import (
	"context"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// Classification is the classifier's verdict on an inbound request.
type Classification struct {
	Operation    v1.OperationType
	TargetTaskID string
	Parameters   map[string]interface{}
	Confidence   float64
}

// Classifier maps user input to an operation. Implementations may be
// rule-based or model-backed; callers fall back to NEW_TASK when
// classification fails.
type Classifier interface {
	Classify(ctx context.Context, input string, params map[string]interface{}) (*Classification, error)
}

// SubtaskSpec is one planned unit of work.
type SubtaskSpec struct {
	Step        int                    `json:"step"`
	Type        v1.SubtaskType         `json:"type"`
	Executor    string                 `json:"executor"`
	Description string                 `json:"description"`
	Params      map[string]interface{} `json:"params,omitempty"`
	IsParallel  bool                   `json:"is_parallel"`
}

// Input is what the planner sees.
type Input struct {
	AgentID   string
	UserInput string
	Content   map[string]interface{}
	Context   map[string]interface{}
}

// Planner decomposes a request into an ordered list of subtask specs.
type Planner interface {
	Plan(ctx context.Context, in Input) ([]SubtaskSpec, error)
}

// Strategy is the execution mode for a task group.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// Oracle decides the group strategy after planning. It may flip individual
// is_parallel hints.
type Oracle interface {
	Decide(specs []SubtaskSpec) Strategy
}
