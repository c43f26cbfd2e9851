package plan

import (
	"context"
	"strings"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// RuleClassifier is the default keyword-driven classifier. An explicit
// task_id parameter combined with resume wording wins over everything else.
type RuleClassifier struct{}

var _ Classifier = (*RuleClassifier)(nil)

// NewRuleClassifier creates the default classifier.
func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

func (c *RuleClassifier) Classify(ctx context.Context, input string, params map[string]interface{}) (*Classification, error) {
	lowered := strings.ToLower(input)
	targetTaskID, _ := params["task_id"].(string)

	verdict := func(op v1.OperationType, confidence float64) (*Classification, error) {
		return &Classification{
			Operation:    op,
			TargetTaskID: targetTaskID,
			Parameters:   params,
			Confidence:   confidence,
		}, nil
	}

	switch {
	case targetTaskID != "" && containsAny(lowered, "resume", "continue", "supply", "provide"):
		return verdict(v1.OperationResumeTask, 0.9)
	case containsAny(lowered, "cancel", "stop", "abort"):
		return verdict(v1.OperationCancelTask, 0.8)
	case containsAny(lowered, "loop", "repeat", "every round"):
		return verdict(v1.OperationLoopTask, 0.7)
	case targetTaskID != "" || containsAny(lowered, "execute", "rerun", "run again"):
		return verdict(v1.OperationExecuteTask, 0.7)
	default:
		return verdict(v1.OperationNewTask, 0.5)
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
