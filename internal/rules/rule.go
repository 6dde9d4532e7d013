package rules

import (
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/model"
)

// Rule is a model.Rule with its condition compiled. A rule whose payload
// failed to parse keeps the error in Err and never matches.
type Rule struct {
	model.Rule
	Condition Condition
	Err       error
}

// Compile parses the rule's condition once. Malformed payloads are logged
// here, at load time, instead of on every event.
func Compile(r model.Rule) *Rule {
	cond, err := Parse(r.ConditionsJSON)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"rule_id":   r.ID,
			"raw_value": r.ConditionsJSON,
		}).WithError(err).Error("[RULES] invalid_conditions_json")
	}
	return &Rule{Rule: r, Condition: cond, Err: err}
}

func CompileAll(rs []model.Rule) []*Rule {
	out := make([]*Rule, 0, len(rs))
	for _, r := range rs {
		out = append(out, Compile(r))
	}
	return out
}

// Matches reports whether the rule fires for the given event context.
func (r *Rule) Matches(context map[string]any) bool {
	if r.Err != nil {
		return false
	}
	if r.Condition == nil {
		return true
	}
	return r.Condition.eval(&evaluator{ruleID: r.ID, context: context})
}

// Evaluate runs a standalone condition against a context.
func Evaluate(c Condition, context map[string]any) bool {
	if c == nil {
		return true
	}
	return c.eval(&evaluator{context: context})
}
