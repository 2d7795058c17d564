package backend

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
)

// Op is a filter operator.
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpIn    Op = "in"
	OpILike Op = "ilike"
	OpOr    Op = "or"
)

// Cond is one filter condition. For OpOr, Any holds the alternatives.
type Cond struct {
	Column string
	Op     Op
	Value  any
	Any    []Cond
}

// Filter is a conjunction of conditions.
type Filter []Cond

func Eq(column string, v any) Cond  { return Cond{Column: column, Op: OpEq, Value: v} }
func Neq(column string, v any) Cond { return Cond{Column: column, Op: OpNeq, Value: v} }

// In matches any of vs.
func In[T any](column string, vs ...T) Cond {
	vals := make([]any, len(vs))
	for i, v := range vs {
		vals[i] = v
	}
	return Cond{Column: column, Op: OpIn, Value: vals}
}

// ILike is a case-insensitive pattern match where % matches any run and _ one character.
func ILike(column, pattern string) Cond {
	return Cond{Column: column, Op: OpILike, Value: pattern}
}

// Or matches when any of conds matches.
func Or(conds ...Cond) Cond { return Cond{Op: OpOr, Any: conds} }

// Where builds a Filter.
func Where(conds ...Cond) Filter { return Filter(conds) }

// Match evaluates the filter against a row in memory.
func (f Filter) Match(row Row) bool {
	for _, c := range f {
		if !c.Match(row) {
			return false
		}
	}
	return true
}

// Match evaluates a single condition.
func (c Cond) Match(row Row) bool {
	switch c.Op {
	case OpOr:
		for _, alt := range c.Any {
			if alt.Match(row) {
				return true
			}
		}
		return false
	case OpEq:
		return equalValues(row[c.Column], c.Value)
	case OpNeq:
		return !equalValues(row[c.Column], c.Value)
	case OpIn:
		vals, _ := c.Value.([]any)
		for _, v := range vals {
			if equalValues(row[c.Column], v) {
				return true
			}
		}
		return false
	case OpILike:
		pattern, _ := c.Value.(string)
		s, ok := normalize(row[c.Column]).(string)
		return ok && likeRegexp(pattern).MatchString(s)
	default:
		return false
	}
}

func likeRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// normalize maps driver and JSON values onto string, int64, float64 or nil.
// Booleans become 0/1 so they compare equal to SQLite integers.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case float32:
		return float64(x)
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return v
	}
}

func equalValues(a, b any) bool {
	na, nb := normalize(a), normalize(b)
	switch x := na.(type) {
	case int64:
		switch y := nb.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := nb.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
		return false
	default:
		return reflect.DeepEqual(na, nb)
	}
}
