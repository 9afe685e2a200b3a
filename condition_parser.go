package abac

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// ParseCondition converts a decoded JSON/YAML value into a Condition tree.
//
// Accepted shapes:
//
//	{"and": [...]} / {"or": [...]} / {"not": {...}}
//	{"attribute": "subject.type", "operator": "EQUALS", "value": "automation"}
//	{"attribute": "subject.tenantId", "operator": "NOT_EQUALS", "value_ref": "resource.tenantId"}
//	"subject.type == automation"   (single predicate shorthand, see parseExpression)
//
// nil yields a nil Condition (always matches).
func ParseCondition(raw any) (Condition, error) {
	return parseNode(normalize(raw), 0)
}

// ParseConditionJSON parses a condition stored as JSON text. Empty input and
// "null" yield a nil Condition.
func ParseConditionJSON(data []byte) (Condition, error) {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCondition, err)
	}
	return ParseCondition(raw)
}

func parseNode(raw any, depth int) (Condition, error) {
	if depth > maxConditionDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformedCondition, maxConditionDepth)
	}
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return parseExpression(v)
	case map[string]any:
		return parseMap(v, depth)
	}
	return nil, fmt.Errorf("%w: unexpected %T", ErrMalformedCondition, raw)
}

func parseMap(m map[string]any, depth int) (Condition, error) {
	if children, ok := lookupKey(m, "and", "all"); ok {
		list, err := parseChildren(children, depth)
		if err != nil {
			return nil, err
		}
		return &And{Children: list}, nil
	}
	if children, ok := lookupKey(m, "or", "any"); ok {
		list, err := parseChildren(children, depth)
		if err != nil {
			return nil, err
		}
		return &Or{Children: list}, nil
	}
	if child, ok := lookupKey(m, "not"); ok {
		c, err := parseNode(child, depth+1)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: NOT without child", ErrMalformedCondition)
		}
		return &Not{Child: c}, nil
	}

	attr, _ := lookupKey(m, "attribute", "field")
	attrStr, ok := attr.(string)
	if !ok || attrStr == "" {
		return nil, fmt.Errorf("%w: predicate without attribute", ErrMalformedCondition)
	}
	op, _ := lookupKey(m, "operator", "op")
	opStr, _ := op.(string)
	p := &Predicate{Attribute: attrStr, Operator: Operator(strings.ToUpper(opStr))}
	if ref, ok := lookupKey(m, "value_ref", "valueRef"); ok {
		p.ValueRef, _ = ref.(string)
	}
	p.Value, _ = lookupKey(m, "value")
	return p, nil
}

func parseChildren(raw any, depth int) ([]Condition, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list of conditions, got %T", ErrMalformedCondition, raw)
	}
	out := make([]Condition, 0, len(list))
	for i, item := range list {
		c, err := parseNode(item, depth+1)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: empty condition at index %d", ErrMalformedCondition, i)
		}
		out = append(out, c)
	}
	return out, nil
}

func lookupKey(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
		if v, ok := m[strings.ToUpper(k)]; ok {
			return v, true
		}
	}
	return nil, false
}

// normalize turns yaml.v3 / json decoded values into map[string]any and []any.
func normalize(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, val := range vv {
			out[i] = normalize(val)
		}
		return out
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	}
	return v
}

var (
	exprRe  = regexp.MustCompile(`^\s*([a-zA-Z][a-zA-Z0-9_\.]*)\s+(==|!=|>|<|not in|in|between|during|matches)\s+(.+?)\s*$`)
	fieldRe = regexp.MustCompile(`^(subject|resource|environment|env)\.[a-zA-Z0-9_\.]+$|^action$`)
)

var exprOperators = map[string]Operator{
	"==":      OpEquals,
	"!=":      OpNotEquals,
	"in":      OpIn,
	"not in":  OpNotIn,
	">":       OpGreaterThan,
	"<":       OpLessThan,
	"between": OpBetween,
	"during":  OpTimeWindow,
	"matches": OpRegexMatch,
}

// parseExpression handles the single-predicate shorthand used in config files:
//
//	resource.type == notification
//	subject.tenantId != resource.tenantId     (right side is an attribute path)
//	action in [read, list]
//	environment.amount > 100000
//	environment.amount between [0, 500]
//	environment.timestamp during 09:00-18:00
//	subject.id matches "^svc-"
func parseExpression(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	m := exprRe.FindStringSubmatch(s)
	if len(m) != 4 {
		return nil, fmt.Errorf("%w: unsupported condition syntax: %s", ErrMalformedCondition, s)
	}
	p := &Predicate{Attribute: m[1], Operator: exprOperators[m[2]]}
	rhs := m[3]
	switch p.Operator {
	case OpIn, OpNotIn, OpBetween:
		p.Value = parseListLiteral(rhs)
	case OpTimeWindow:
		start, end, ok := strings.Cut(strings.Trim(rhs, "\"'"), "-")
		if !ok {
			return nil, fmt.Errorf("%w: time window must be HH:MM-HH:MM: %s", ErrMalformedCondition, rhs)
		}
		p.Value = []any{strings.TrimSpace(start), strings.TrimSpace(end)}
	default:
		if fieldRe.MatchString(rhs) && p.Operator != OpRegexMatch {
			p.ValueRef = rhs
		} else {
			p.Value = parseScalar(rhs)
		}
	}
	return p, nil
}

func parseListLiteral(s string) []any {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := splitCSV(s)
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, parseScalar(p))
	}
	return out
}

func parseScalar(s string) any {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

// splitCSV splits items like "\"a\",\"b\"" or "a, b" into []string (trimmed)
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EncodeCondition converts a Condition into plain maps and slices suitable for
// JSON or YAML encoding. It is the inverse of ParseCondition.
func EncodeCondition(c Condition) any {
	return encodeNode(c, 0)
}

func encodeNode(c Condition, depth int) any {
	if depth > maxConditionDepth {
		return nil
	}
	switch n := c.(type) {
	case nil:
		return nil
	case *Predicate:
		if n == nil {
			return nil
		}
		m := map[string]any{"attribute": n.Attribute, "operator": string(n.Operator)}
		if n.ValueRef != "" {
			m["value_ref"] = n.ValueRef
		} else {
			m["value"] = n.Value
		}
		return m
	case *And:
		if n == nil {
			return nil
		}
		return map[string]any{"and": encodeChildren(n.Children, depth)}
	case *Or:
		if n == nil {
			return nil
		}
		return map[string]any{"or": encodeChildren(n.Children, depth)}
	case *Not:
		if n == nil {
			return nil
		}
		return map[string]any{"not": encodeNode(n.Child, depth+1)}
	}
	return nil
}

func encodeChildren(children []Condition, depth int) []any {
	out := make([]any, len(children))
	for i, c := range children {
		out[i] = encodeNode(c, depth+1)
	}
	return out
}

// ValidateCondition checks a tree statically: known operators, well-formed
// operands, compilable patterns, bounded depth and no nil nodes.
func ValidateCondition(c Condition) error {
	return validateNode(c, 0, map[Condition]bool{})
}

func validateNode(c Condition, depth int, path map[Condition]bool) error {
	if c == nil {
		return nil
	}
	if depth > maxConditionDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrMalformedCondition, maxConditionDepth)
	}
	if rv := reflect.ValueOf(c); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return fmt.Errorf("%w: nil %T node", ErrMalformedCondition, c)
	}
	if path[c] {
		return fmt.Errorf("%w: cyclic condition tree", ErrMalformedCondition)
	}
	path[c] = true
	defer delete(path, c)

	switch n := c.(type) {
	case *Predicate:
		return validatePredicate(n)
	case *And:
		for i, child := range n.Children {
			if child == nil {
				return fmt.Errorf("%w: nil child %d in AND", ErrMalformedCondition, i)
			}
			if err := validateNode(child, depth+1, path); err != nil {
				return err
			}
		}
	case *Or:
		if len(n.Children) == 0 {
			return fmt.Errorf("%w: OR without children never matches", ErrMalformedCondition)
		}
		for i, child := range n.Children {
			if child == nil {
				return fmt.Errorf("%w: nil child %d in OR", ErrMalformedCondition, i)
			}
			if err := validateNode(child, depth+1, path); err != nil {
				return err
			}
		}
	case *Not:
		if n.Child == nil {
			return fmt.Errorf("%w: NOT without child", ErrMalformedCondition)
		}
		return validateNode(n.Child, depth+1, path)
	default:
		return fmt.Errorf("%w: unsupported node %T", ErrMalformedCondition, c)
	}
	return nil
}

func validatePredicate(p *Predicate) error {
	if !fieldRe.MatchString(p.Attribute) {
		return fmt.Errorf("%w: unknown attribute path %q", ErrMalformedCondition, p.Attribute)
	}
	if !p.Operator.Valid() {
		return fmt.Errorf("%w: unknown operator %q", ErrMalformedCondition, p.Operator)
	}
	if p.ValueRef != "" {
		if !fieldRe.MatchString(p.ValueRef) {
			return fmt.Errorf("%w: unknown value_ref path %q", ErrMalformedCondition, p.ValueRef)
		}
		switch p.Operator {
		case OpBetween, OpTimeWindow, OpRegexMatch:
			return fmt.Errorf("%w: %s does not accept value_ref", ErrMalformedCondition, p.Operator)
		}
		return nil
	}
	switch p.Operator {
	case OpEquals, OpNotEquals:
		if p.Value == nil {
			return fmt.Errorf("%w: %s needs a value", ErrMalformedCondition, p.Operator)
		}
	case OpIn, OpNotIn:
		if _, ok := toList(p.Value); !ok {
			if p.Value == nil {
				return fmt.Errorf("%w: %s needs a value", ErrMalformedCondition, p.Operator)
			}
		}
	case OpGreaterThan, OpLessThan:
		if !orderable(p.Value) {
			return fmt.Errorf("%w: %s needs a number or RFC3339 time, got %T", ErrMalformedCondition, p.Operator, p.Value)
		}
	case OpBetween:
		if _, _, err := parseRange(p.Value); err != nil {
			return err
		}
	case OpTimeWindow:
		if _, err := parseTimeWindow(p.Value); err != nil {
			return err
		}
	case OpRegexMatch:
		pattern, ok := p.Value.(string)
		if !ok {
			return fmt.Errorf("%w: REGEX_MATCH needs a string pattern", ErrMalformedCondition)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: invalid pattern %q: %v", ErrMalformedCondition, pattern, err)
		}
	}
	return nil
}
