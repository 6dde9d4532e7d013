package rules

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

type evaluator struct {
	ruleID  int64
	context map[string]any
}

func (g *Group) eval(e *evaluator) bool {
	for _, c := range g.Conditions {
		matched := c.eval(e)
		if g.Logical == Or && matched {
			return true
		}
		if g.Logical != Or && !matched {
			return false
		}
	}
	return g.Logical != Or
}

func (a *Atom) eval(e *evaluator) bool {
	left := Resolve(e.context, a.Field)
	right := a.Value
	left, right = a.Modifier.apply(left), a.Modifier.apply(right)

	switch a.Op {
	case OpEquals:
		return looseEqual(left, right)
	case OpNotEquals:
		return !looseEqual(left, right)
	case OpContains, OpNotContains:
		needle := scalarString(right)
		if needle == "" {
			return true
		}
		found := strings.Contains(strings.ToLower(scalarString(left)), strings.ToLower(needle))
		if a.Op == OpContains {
			return found
		}
		return !found
	case OpGreaterThan, OpLessThan:
		l, lok := toNumber(left)
		r, rok := toNumber(right)
		if !lok || !rok {
			return false
		}
		if a.Op == OpGreaterThan {
			return l > r
		}
		return l < r
	case OpIn, OpNotIn:
		list, ok := right.([]any)
		if !ok {
			return false
		}
		member := false
		for _, candidate := range list {
			if strictEqual(left, candidate) {
				member = true
				break
			}
		}
		if a.Op == OpIn {
			return member
		}
		return !member
	default:
		logrus.WithFields(logrus.Fields{
			"rule_id":  e.ruleID,
			"operator": string(a.Op),
		}).Error("[RULES] unknown_operator")
		return false
	}
}

func (m Modifier) apply(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch m {
	case ModLowercase:
		return strings.ToLower(s)
	case ModUppercase:
		return strings.ToUpper(s)
	case ModTrim:
		return strings.TrimSpace(s)
	}
	return v
}

// Resolve walks a dotted path through nested maps (and lists, by index).
// A missing segment yields nil.
func Resolve(context map[string]any, path string) any {
	var current any = context
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if !numericPattern.MatchString(s) {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func isNumberKind(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// scalarString coerces scalars to text; nil, lists and objects become "".
func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		if s {
			return "1"
		}
		return ""
	}
	if f, ok := toNumber(v); ok && isNumberKind(v) {
		return formatNumber(f)
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

// looseEqual compares the way a weakly typed payload is expected to:
// numeric strings equal their numbers, bools compare by truthiness and
// nil equals any empty value.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		other := b
		if b == nil {
			other = a
		}
		if other == nil {
			return true
		}
		if s, ok := other.(string); ok {
			return s == ""
		}
		return !truthy(other)
	}

	if ab, ok := a.(bool); ok {
		return ab == truthy(b)
	}
	if bb, ok := b.(bool); ok {
		return bb == truthy(a)
	}

	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	switch {
	case aIsString && bIsString:
		if af, ok := toNumber(as); ok {
			if bf, ok := toNumber(bs); ok {
				return af == bf
			}
		}
		return as == bs
	case isNumberKind(a) && isNumberKind(b):
		af, _ := toNumber(a)
		bf, _ := toNumber(b)
		return af == bf
	case isNumberKind(a) && bIsString:
		return numberEqualsString(a, bs)
	case aIsString && isNumberKind(b):
		return numberEqualsString(b, as)
	}

	switch at := a.(type) {
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !looseEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !looseEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func numberEqualsString(n any, s string) bool {
	nf, _ := toNumber(n)
	if sf, ok := toNumber(s); ok {
		return nf == sf
	}
	return formatNumber(nf) == s
}

// strictEqual requires the same kind and value; numbers of any Go width
// count as one kind.
func strictEqual(a, b any) bool {
	switch at := a.(type) {
	case nil:
		return b == nil
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !strictEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !strictEqual(av, bv) {
				return false
			}
		}
		return true
	}
	if isNumberKind(a) && isNumberKind(b) {
		af, _ := toNumber(a)
		bf, _ := toNumber(b)
		return af == bf
	}
	return false
}
