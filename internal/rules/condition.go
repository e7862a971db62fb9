package rules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Comparison operators supported by rule conditions.
const (
	OpEquals         = "equals"
	OpNotEquals      = "notEquals"
	OpGreaterThan    = "greaterThan"
	OpGreaterOrEqual = "greaterOrEqual"
	OpLessThan       = "lessThan"
	OpLessOrEqual    = "lessOrEqual"
	OpIn             = "in"
	OpNotIn          = "notIn"
	OpMatchesPattern = "matchesPattern"

	opAnd = "and"
	opOr  = "or"
	opNot = "not"
)

// Condition is the parsed form of a rule's eligibility expression. Parsing
// happens once per rule; evaluation walks the tree against the event payload.
type Condition interface {
	// Matches reports whether the payload satisfies the condition. A
	// comparison against an absent field is a non-match, never an error.
	Matches(payload map[string]any) bool
}

type andCondition struct {
	children []Condition
}

func (c andCondition) Matches(payload map[string]any) bool {
	for _, child := range c.children {
		if !child.Matches(payload) {
			return false
		}
	}
	return true
}

type orCondition struct {
	children []Condition
}

func (c orCondition) Matches(payload map[string]any) bool {
	for _, child := range c.children {
		if child.Matches(payload) {
			return true
		}
	}
	return false
}

type notCondition struct {
	child Condition
}

func (c notCondition) Matches(payload map[string]any) bool {
	return !c.child.Matches(payload)
}

type compareCondition struct {
	field   string
	op      string
	value   any
	values  []any
	pattern *regexp.Regexp
}

func (c compareCondition) Matches(payload map[string]any) bool {
	actual, ok := lookupPath(payload, c.field)
	if !ok {
		return false
	}
	switch c.op {
	case OpEquals:
		return valuesEqual(actual, c.value)
	case OpNotEquals:
		return !valuesEqual(actual, c.value)
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		left, lok := toDecimal(actual)
		right, rok := toDecimal(c.value)
		if !lok || !rok {
			return false
		}
		switch c.op {
		case OpGreaterThan:
			return left.GreaterThan(right)
		case OpGreaterOrEqual:
			return left.GreaterThanOrEqual(right)
		case OpLessThan:
			return left.LessThan(right)
		default:
			return left.LessThanOrEqual(right)
		}
	case OpIn:
		for _, candidate := range c.values {
			if valuesEqual(actual, candidate) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, candidate := range c.values {
			if valuesEqual(actual, candidate) {
				return false
			}
		}
		return true
	case OpMatchesPattern:
		text, ok := actual.(string)
		if !ok {
			return false
		}
		return c.pattern.MatchString(text)
	default:
		return false
	}
}

type rawCondition struct {
	Op         string            `json:"op"`
	Field      string            `json:"field"`
	Value      json.RawMessage   `json:"value"`
	Condition  json.RawMessage   `json:"condition"`
	Conditions []json.RawMessage `json:"conditions"`
}

// ParseCondition decodes a condition document into its evaluable form.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("condition is empty")
	}
	var decoded rawCondition
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decoding condition: %w", err)
	}

	switch decoded.Op {
	case opAnd, opOr:
		if len(decoded.Conditions) == 0 {
			return nil, fmt.Errorf("%s requires at least one child condition", decoded.Op)
		}
		children := make([]Condition, 0, len(decoded.Conditions))
		for _, childRaw := range decoded.Conditions {
			child, err := ParseCondition(childRaw)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if decoded.Op == opAnd {
			return andCondition{children: children}, nil
		}
		return orCondition{children: children}, nil

	case opNot:
		if len(decoded.Condition) == 0 {
			return nil, fmt.Errorf("not requires a child condition")
		}
		child, err := ParseCondition(decoded.Condition)
		if err != nil {
			return nil, err
		}
		return notCondition{child: child}, nil

	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		field, value, err := compareParts(decoded)
		if err != nil {
			return nil, err
		}
		return compareCondition{field: field, op: decoded.Op, value: value}, nil

	case OpIn, OpNotIn:
		if strings.TrimSpace(decoded.Field) == "" {
			return nil, fmt.Errorf("%s requires a field", decoded.Op)
		}
		var values []any
		if err := json.Unmarshal(decoded.Value, &values); err != nil {
			return nil, fmt.Errorf("%s requires an array value: %w", decoded.Op, err)
		}
		return compareCondition{field: decoded.Field, op: decoded.Op, values: values}, nil

	case OpMatchesPattern:
		field, value, err := compareParts(decoded)
		if err != nil {
			return nil, err
		}
		pattern, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("matchesPattern requires a string value")
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
		}
		return compareCondition{field: field, op: decoded.Op, pattern: compiled}, nil

	default:
		return nil, fmt.Errorf("unknown condition op %q", decoded.Op)
	}
}

func compareParts(decoded rawCondition) (string, any, error) {
	if strings.TrimSpace(decoded.Field) == "" {
		return "", nil, fmt.Errorf("%s requires a field", decoded.Op)
	}
	if len(decoded.Value) == 0 {
		return "", nil, fmt.Errorf("%s requires a value", decoded.Op)
	}
	var value any
	if err := json.Unmarshal(decoded.Value, &value); err != nil {
		return "", nil, fmt.Errorf("decoding %s value: %w", decoded.Op, err)
	}
	return decoded.Field, value, nil
}

// lookupPath resolves a dotted path into nested payload maps.
func lookupPath(payload map[string]any, path string) (any, bool) {
	if payload == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valuesEqual(a, b any) bool {
	if left, lok := toDecimal(a); lok {
		if right, rok := toDecimal(b); rok {
			return left.Equal(right)
		}
		return false
	}
	// Payload values may be maps or slices, which == would panic on.
	return reflect.DeepEqual(a, b)
}

// toDecimal normalizes json numbers and numeric strings so comparisons do not
// depend on how the payload was decoded.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch typed := v.(type) {
	case float64:
		return decimal.NewFromFloat(typed), true
	case float32:
		return decimal.NewFromFloat32(typed), true
	case int:
		return decimal.NewFromInt(int64(typed)), true
	case int64:
		return decimal.NewFromInt(typed), true
	case json.Number:
		parsed, err := decimal.NewFromString(typed.String())
		return parsed, err == nil
	case string:
		parsed, err := decimal.NewFromString(typed)
		return parsed, err == nil
	case decimal.Decimal:
		return typed, true
	default:
		return decimal.Decimal{}, false
	}
}
