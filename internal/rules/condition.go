package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
)

type Logical string

const (
	And Logical = "AND"
	Or  Logical = "OR"
)

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpContains: true, OpNotContains: true,
	OpGreaterThan: true, OpLessThan: true,
	OpIn: true, OpNotIn: true,
}

type Modifier string

const (
	ModLowercase Modifier = "lowercase"
	ModUppercase Modifier = "uppercase"
	ModTrim      Modifier = "trim"
)

// Condition is either an *Atom or a *Group.
type Condition interface {
	eval(e *evaluator) bool
}

// Atom compares the value at a dotted path with a literal.
type Atom struct {
	Field    string
	Op       Operator
	Value    any
	Modifier Modifier
}

// Group combines its children with AND or OR. An empty AND group matches,
// an empty OR group does not.
type Group struct {
	Logical    Logical
	Conditions []Condition
}

// Parse compiles a raw condition payload. A nil Condition with a nil error
// means the payload was empty and the rule matches unconditionally.
//
// Accepted shapes:
//
//	[{"field": "event.payload.x", "op": "equals", "value": 1}, ...]   implicit AND
//	{"field": ..., "op": ..., "value": ...}                           single condition
//	{"logical": "AND"|"OR", "conditions": [...]}                      group, nestable
//	[] or {}                                                          always matches
func Parse(raw string) (Condition, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrMalformedCondition, err)
	}

	switch v := decoded.(type) {
	case []any:
		return parseList(v)
	case map[string]any:
		if len(v) == 0 {
			return parseList(nil)
		}
		if _, hasLogical := v["logical"]; hasLogical {
			if children, ok := v["conditions"].([]any); ok {
				return parseGroup(v["logical"], children)
			}
		}
		if _, hasField := v["field"]; hasField {
			return parseList([]any{v})
		}
		return nil, fmt.Errorf("%w: object is neither a condition nor a group", appErrors.ErrMalformedCondition)
	default:
		return nil, fmt.Errorf("%w: expected a list or an object", appErrors.ErrMalformedCondition)
	}
}

// parseList builds the implicit AND of a flat list. Nested groups inside the
// list are AND-ed like any other entry; non-object entries are ignored.
func parseList(items []any) (Condition, error) {
	group := &Group{Logical: And}
	for _, item := range items {
		c, err := parseNode(item)
		if err != nil {
			return nil, err
		}
		if c != nil {
			group.Conditions = append(group.Conditions, c)
		}
	}
	return group, nil
}

func parseGroup(logical any, children []any) (Condition, error) {
	l := And
	if logical != nil {
		s, ok := logical.(string)
		if !ok {
			return nil, fmt.Errorf("%w: logical must be a string", appErrors.ErrMalformedCondition)
		}
		switch Logical(strings.ToUpper(strings.TrimSpace(s))) {
		case And:
			l = And
		case Or:
			l = Or
		default:
			return nil, fmt.Errorf("%w: unknown logical %q", appErrors.ErrMalformedCondition, s)
		}
	}

	group := &Group{Logical: l}
	for _, child := range children {
		c, err := parseNode(child)
		if err != nil {
			return nil, err
		}
		if c != nil {
			group.Conditions = append(group.Conditions, c)
		}
	}
	return group, nil
}

func parseNode(node any) (Condition, error) {
	m, ok := node.(map[string]any)
	if !ok {
		return nil, nil
	}
	if children, ok := m["conditions"].([]any); ok {
		return parseGroup(m["logical"], children)
	}
	return parseAtom(m), nil
}

// parseAtom returns nil for conditions without a field; they are skipped.
func parseAtom(m map[string]any) Condition {
	field := scalarString(m["field"])
	if field == "" {
		return nil
	}

	opRaw, ok := m["op"]
	if !ok {
		opRaw = m["operator"]
	}
	op := Operator(strings.ToLower(strings.TrimSpace(scalarString(opRaw))))
	if op == "" {
		op = OpEquals
	}

	return &Atom{
		Field:    field,
		Op:       op,
		Value:    m["value"],
		Modifier: Modifier(strings.ToLower(scalarString(m["modifier"]))),
	}
}

// UnknownOperators lists operators in c that the evaluator does not support.
func UnknownOperators(c Condition) []string {
	var out []string
	var walk func(Condition)
	walk = func(c Condition) {
		switch n := c.(type) {
		case *Atom:
			if !knownOperators[n.Op] {
				out = append(out, string(n.Op))
			}
		case *Group:
			for _, child := range n.Conditions {
				walk(child)
			}
		}
	}
	if c != nil {
		walk(c)
	}
	return out
}
