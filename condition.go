package abac

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// CONDITIONS
// ============================================================================

// Condition is a node of a policy's predicate tree. The set of node types is
// closed: *Predicate, *And, *Or and *Not. A nil Condition always matches.
type Condition interface {
	isCondition()
	String() string
}

// Operator is the comparison applied by a Predicate.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpIn          Operator = "IN"
	OpNotIn       Operator = "NOT_IN"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpBetween     Operator = "BETWEEN"
	OpTimeWindow  Operator = "TIME_WINDOW"
	OpRegexMatch  Operator = "REGEX_MATCH"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpGreaterThan, OpLessThan, OpBetween, OpTimeWindow, OpRegexMatch:
		return true
	}
	return false
}

// maxConditionDepth bounds recursion; deeper (or cyclic) trees are malformed.
const maxConditionDepth = 64

// Predicate compares the attribute at Attribute with Value, or with the
// attribute at ValueRef when set.
type Predicate struct {
	Attribute string
	Operator  Operator
	Value     any
	ValueRef  string
}

// And matches when every child matches. An And without children matches.
type And struct {
	Children []Condition
}

// Or matches when at least one child matches.
type Or struct {
	Children []Condition
}

// Not inverts its child.
type Not struct {
	Child Condition
}

func (*Predicate) isCondition() {}
func (*And) isCondition()       {}
func (*Or) isCondition()        {}
func (*Not) isCondition()       {}

func (p *Predicate) String() string {
	if p.ValueRef != "" {
		return fmt.Sprintf("%s %s %s", p.Attribute, p.Operator, p.ValueRef)
	}
	b, _ := json.Marshal(p.Value)
	return fmt.Sprintf("%s %s %s", p.Attribute, p.Operator, b)
}

func (a *And) String() string { return joinConditions(a.Children, " AND ") }
func (o *Or) String() string  { return joinConditions(o.Children, " OR ") }
func (n *Not) String() string { return "NOT " + conditionString(n.Child) }

func joinConditions(children []Condition, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = conditionString(c)
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func conditionString(c Condition) string {
	if c == nil {
		return "true"
	}
	return c.String()
}

// Matches evaluates cond against ctx. It never fails: unresolved attributes and
// malformed nodes evaluate to false.
func Matches(cond Condition, ctx *EvaluationContext) bool {
	ok, err := defaultEvaluator.evaluate(cond, ctx)
	return ok && err == nil
}

// ============================================================================
// EVALUATOR
// ============================================================================

type evaluator struct {
	regexes *regexCache
}

var defaultEvaluator = &evaluator{}

// evaluate returns a non-nil error only for configuration problems (unknown
// operator, bad operands, cycles). The boolean is always false in that case.
func (ev *evaluator) evaluate(cond Condition, ctx *EvaluationContext) (bool, error) {
	if cond == nil {
		return true, nil
	}
	ok, err := ev.eval(cond, ctx, 0)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (ev *evaluator) eval(cond Condition, ctx *EvaluationContext, depth int) (bool, error) {
	if depth > maxConditionDepth {
		return false, fmt.Errorf("%w: nesting deeper than %d (cyclic tree?)", ErrMalformedCondition, maxConditionDepth)
	}
	switch c := cond.(type) {
	case *Predicate:
		if c == nil {
			return false, fmt.Errorf("%w: nil predicate", ErrMalformedCondition)
		}
		return ev.predicate(c, ctx)
	case *And:
		if c == nil {
			return false, fmt.Errorf("%w: nil AND node", ErrMalformedCondition)
		}
		for _, child := range c.Children {
			if child == nil {
				return false, fmt.Errorf("%w: nil child in AND", ErrMalformedCondition)
			}
			ok, err := ev.eval(child, ctx, depth+1)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *Or:
		if c == nil {
			return false, fmt.Errorf("%w: nil OR node", ErrMalformedCondition)
		}
		for _, child := range c.Children {
			if child == nil {
				return false, fmt.Errorf("%w: nil child in OR", ErrMalformedCondition)
			}
			ok, err := ev.eval(child, ctx, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Not:
		if c == nil || c.Child == nil {
			return false, fmt.Errorf("%w: NOT without child", ErrMalformedCondition)
		}
		ok, err := ev.eval(c.Child, ctx, depth+1)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("%w: unsupported node %T", ErrMalformedCondition, cond)
	}
}

func (ev *evaluator) predicate(p *Predicate, ctx *EvaluationContext) (bool, error) {
	if !p.Operator.Valid() {
		return false, fmt.Errorf("%w: unknown operator %q", ErrMalformedCondition, p.Operator)
	}
	actual, ok := ctx.Resolve(p.Attribute)
	if !ok {
		return false, nil
	}
	expected := p.Value
	if p.ValueRef != "" {
		ref, ok := ctx.Resolve(p.ValueRef)
		if !ok {
			return false, nil
		}
		expected = ref
	}

	switch p.Operator {
	case OpEquals:
		return valuesEqual(actual, expected), nil
	case OpNotEquals:
		return !valuesEqual(actual, expected), nil
	case OpIn:
		return contains(actual, expected), nil
	case OpNotIn:
		return !contains(actual, expected), nil
	case OpGreaterThan, OpLessThan:
		if !orderable(expected) {
			return false, fmt.Errorf("%w: %s needs a number or time operand, got %T", ErrMalformedCondition, p.Operator, expected)
		}
		cmp, ok := compareOrdered(actual, expected)
		if !ok {
			return false, nil
		}
		if p.Operator == OpGreaterThan {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	case OpBetween:
		lo, hi, err := parseRange(expected)
		if err != nil {
			return false, err
		}
		v, ok := toFloat(actual)
		if !ok {
			return false, nil
		}
		return v >= lo && v <= hi, nil
	case OpTimeWindow:
		w, err := parseTimeWindow(expected)
		if err != nil {
			return false, err
		}
		t, ok := toTime(actual)
		if !ok {
			return false, nil
		}
		return w.contains(t), nil
	case OpRegexMatch:
		pattern, isStr := expected.(string)
		if !isStr {
			return false, fmt.Errorf("%w: REGEX_MATCH needs a string pattern, got %T", ErrMalformedCondition, expected)
		}
		re, err := ev.regexes.compile(pattern)
		if err != nil {
			return false, fmt.Errorf("%w: invalid pattern %q: %v", ErrMalformedCondition, pattern, err)
		}
		s, ok := actual.(string)
		if !ok {
			return false, nil
		}
		return re.MatchString(s), nil
	}
	return false, nil
}

// ============================================================================
// VALUE HELPERS
// ============================================================================

func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bt, ok := toTime(b)
		return ok && av.Equal(bt)
	}
	return false
}

// contains implements IN: scalar in list, list containing scalar, or list
// intersection. Two scalars compare for equality.
func contains(actual, expected any) bool {
	al, aIsList := toList(actual)
	el, eIsList := toList(expected)
	switch {
	case aIsList && eIsList:
		for _, a := range al {
			for _, e := range el {
				if valuesEqual(a, e) {
					return true
				}
			}
		}
		return false
	case aIsList:
		for _, a := range al {
			if valuesEqual(a, expected) {
				return true
			}
		}
		return false
	case eIsList:
		for _, e := range el {
			if valuesEqual(actual, e) {
				return true
			}
		}
		return false
	}
	return valuesEqual(actual, expected)
}

func toList(v any) ([]any, bool) {
	switch vv := v.(type) {
	case []any:
		return vv, true
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, true
	case nil, string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func orderable(v any) bool {
	if _, ok := toFloat(v); ok {
		return true
	}
	_, ok := toTime(v)
	return ok
}

// compareOrdered compares numbers with numbers and times with times. Numeric
// strings on the attribute side are accepted (query parameters, headers).
func compareOrdered(a, b any) (int, bool) {
	if bf, ok := toFloat(b); ok {
		af, ok := toFloat(a)
		if !ok {
			s, isStr := a.(string)
			if !isStr {
				return 0, false
			}
			parsed, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, false
			}
			af = parsed
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	bt, ok := toTime(b)
	if !ok {
		return 0, false
	}
	at, ok := toTime(a)
	if !ok {
		return 0, false
	}
	return at.Compare(bt), true
}

func parseRange(v any) (float64, float64, error) {
	list, ok := toList(v)
	if !ok || len(list) != 2 {
		return 0, 0, fmt.Errorf("%w: BETWEEN needs [min, max]", ErrMalformedCondition)
	}
	lo, ok1 := toFloat(list[0])
	hi, ok2 := toFloat(list[1])
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("%w: BETWEEN bounds must be numbers", ErrMalformedCondition)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("%w: BETWEEN min %v greater than max %v", ErrMalformedCondition, lo, hi)
	}
	return lo, hi, nil
}

// timeWindow is a [start, end) wall-clock range in seconds since midnight.
type timeWindow struct {
	start, end int
	loc        *time.Location
}

func (w timeWindow) contains(t time.Time) bool {
	if w.loc != nil {
		t = t.In(w.loc)
	}
	s := t.Hour()*3600 + t.Minute()*60 + t.Second()
	if w.start < w.end {
		return s >= w.start && s < w.end
	}
	// crosses midnight
	return s >= w.start || s < w.end
}

// parseTimeWindow accepts ["09:00","18:00"] or
// {"start":"09:00","end":"18:00","timezone":"Europe/Berlin"}.
func parseTimeWindow(v any) (timeWindow, error) {
	var start, end, tz string
	switch vv := v.(type) {
	case map[string]any:
		start, _ = vv["start"].(string)
		end, _ = vv["end"].(string)
		tz, _ = vv["timezone"].(string)
	case map[string]string:
		start, end, tz = vv["start"], vv["end"], vv["timezone"]
	default:
		list, ok := toList(v)
		if !ok || len(list) != 2 {
			return timeWindow{}, fmt.Errorf("%w: TIME_WINDOW needs [start, end]", ErrMalformedCondition)
		}
		start, _ = list[0].(string)
		end, _ = list[1].(string)
	}
	var w timeWindow
	var err error
	if w.start, err = parseClock(start); err != nil {
		return timeWindow{}, err
	}
	if w.end, err = parseClock(end); err != nil {
		return timeWindow{}, err
	}
	if w.start == w.end {
		return timeWindow{}, fmt.Errorf("%w: TIME_WINDOW start equals end", ErrMalformedCondition)
	}
	if tz != "" {
		if w.loc, err = time.LoadLocation(tz); err != nil {
			return timeWindow{}, fmt.Errorf("%w: TIME_WINDOW timezone %q: %v", ErrMalformedCondition, tz, err)
		}
	}
	return w, nil
}

func parseClock(s string) (int, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
		}
	}
	return 0, fmt.Errorf("%w: invalid clock time %q (want HH:MM)", ErrMalformedCondition, s)
}

// ============================================================================
// REGEX CACHE
// ============================================================================

// regexCache keeps compiled REGEX_MATCH patterns. A nil cache compiles on
// every call.
type regexCache struct {
	cache *ristretto.Cache
}

func newRegexCache(numCounters, maxCost, bufferItems int64) (*regexCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
		// cost is a pattern count, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("regex cache: %w", err)
	}
	return &regexCache{cache: c}, nil
}

func (r *regexCache) compile(pattern string) (*regexp.Regexp, error) {
	if r != nil && r.cache != nil {
		if v, ok := r.cache.Get(pattern); ok {
			return v.(*regexp.Regexp), nil
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if r != nil && r.cache != nil {
		r.cache.Set(pattern, re, 1)
	}
	return re, nil
}

func (r *regexCache) close() {
	if r != nil && r.cache != nil {
		r.cache.Close()
	}
}
