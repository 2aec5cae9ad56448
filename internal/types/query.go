package types

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type Consistency string

const (
	ConsistencyStrong   Consistency = "strong"
	ConsistencyBounded  Consistency = "bounded"
	ConsistencySession  Consistency = "session"
	ConsistencyEventual Consistency = "eventual"
)

func ParseConsistency(raw string) (Consistency, error) {
	switch c := Consistency(strings.ToLower(raw)); c {
	case "":
		return ConsistencyBounded, nil
	case ConsistencyStrong, ConsistencyBounded, ConsistencySession, ConsistencyEventual:
		return c, nil
	}
	return "", InvalidQuery("parse consistency", fmt.Errorf("%w: unknown consistency %q", ErrInvalidQuery, raw))
}

type FilterOp string

const (
	FilterEq  FilterOp = "eq"
	FilterNe  FilterOp = "ne"
	FilterGt  FilterOp = "gt"
	FilterGte FilterOp = "gte"
	FilterLt  FilterOp = "lt"
	FilterLte FilterOp = "lte"
	FilterIn  FilterOp = "in"
)

// Filter is one structured predicate on a metadata field. Every store
// evaluates filters inside its own query.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseFilters turns a request mapping into filters. A scalar means equality,
// an object maps operators to operands: {"price": {"gte": 5, "lt": 20}}.
func ParseFilters(raw map[string]any) ([]Filter, error) {
	fields := make([]string, 0, len(raw))
	for f := range raw {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var out []Filter
	for _, f := range fields {
		if !fieldName.MatchString(f) {
			return nil, invalidFilter("invalid field name %q", f)
		}
		switch v := raw[f].(type) {
		case map[string]any:
			if len(v) == 0 {
				return nil, invalidFilter("empty condition for %q", f)
			}
			ops := make([]string, 0, len(v))
			for op := range v {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				flt := Filter{Field: f, Op: FilterOp(op), Value: v[op]}
				if err := flt.validate(); err != nil {
					return nil, err
				}
				out = append(out, flt)
			}
		case []any:
			flt := Filter{Field: f, Op: FilterIn, Value: v}
			if err := flt.validate(); err != nil {
				return nil, err
			}
			out = append(out, flt)
		default:
			flt := Filter{Field: f, Op: FilterEq, Value: v}
			if err := flt.validate(); err != nil {
				return nil, err
			}
			out = append(out, flt)
		}
	}
	return out, nil
}

func (f Filter) validate() error {
	switch f.Op {
	case FilterEq, FilterNe:
		if !isScalar(f.Value) {
			return invalidFilter("%s on %q needs a scalar", f.Op, f.Field)
		}
	case FilterGt, FilterGte, FilterLt, FilterLte:
		if _, ok := number(f.Value); !ok {
			return invalidFilter("%s on %q needs a number", f.Op, f.Field)
		}
	case FilterIn:
		list, ok := f.Value.([]any)
		if !ok || len(list) == 0 {
			return invalidFilter("in on %q needs a non-empty list", f.Field)
		}
		for _, x := range list {
			if !isScalar(x) {
				return invalidFilter("in on %q needs scalars", f.Field)
			}
		}
	default:
		return invalidFilter("unknown operator %q on %q", f.Op, f.Field)
	}
	return nil
}

// Match evaluates the filter against a metadata map. Missing fields never
// match.
func (f Filter) Match(md map[string]any) bool {
	v, ok := md[f.Field]
	if !ok || v == nil {
		return false
	}
	switch f.Op {
	case FilterEq:
		return equal(v, f.Value)
	case FilterNe:
		return !equal(v, f.Value)
	case FilterIn:
		for _, x := range f.Value.([]any) {
			if equal(v, x) {
				return true
			}
		}
		return false
	}
	a, ok1 := number(v)
	b, ok2 := number(f.Value)
	if !ok1 || !ok2 {
		return false
	}
	switch f.Op {
	case FilterGt:
		return a > b
	case FilterGte:
		return a >= b
	case FilterLt:
		return a < b
	case FilterLte:
		return a <= b
	}
	return false
}

func MatchAll(filters []Filter, md map[string]any) bool {
	for _, f := range filters {
		if !f.Match(md) {
			return false
		}
	}
	return true
}

func invalidFilter(format string, args ...any) error {
	return InvalidQuery("parse filters", fmt.Errorf("%w: "+format, append([]any{ErrInvalidQuery}, args...)...))
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := number(v)
	return ok
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
