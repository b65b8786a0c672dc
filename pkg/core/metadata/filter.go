package metadata

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/sanonone/genovec/pkg/core/types"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "$eq"
	OpNe  Op = "$ne"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"
	OpIn  Op = "$in"
)

func (o Op) ordered() bool { return o == OpLt || o == OpLte || o == OpGt || o == OpGte }

// Condition is one predicate on one key.
type Condition struct {
	Key   string
	Op    Op
	Value Value
	// Values holds the operands of $in.
	Values []Value
}

// Filter is a conjunction of conditions. A nil *Filter matches everything.
type Filter struct {
	conds []Condition
}

func invalidFilter(format string, args ...any) error {
	return types.NewValidationError("filter", types.ErrInvalidFilter, format, args...)
}

// ParseFilter builds a Filter from its map form:
//
//	{"gene": "BRCA1"}                          equality
//	{"score": {"$gte": 0.5, "$lt": 0.9}}       ordering, combined with AND
//	{"chrom": {"$in": ["1", "X"]}}             membership
//
// Conditions on different keys are combined with AND. Unknown operators,
// non-scalar operands and ordering on booleans are ValidationErrors.
func ParseFilter(raw map[string]any) (*Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f := &Filter{}
	for _, key := range keys {
		if key == "" {
			return nil, invalidFilter("empty key")
		}
		if strings.HasPrefix(key, "$") {
			return nil, invalidFilter("unsupported operator %q at top level", key)
		}
		ops, isMap := raw[key].(map[string]any)
		if !isMap {
			v, err := FromAny(raw[key])
			if err != nil {
				return nil, invalidFilter("key %q: %v", key, err)
			}
			f.conds = append(f.conds, Condition{Key: key, Op: OpEq, Value: v})
			continue
		}
		if len(ops) == 0 {
			return nil, invalidFilter("key %q: empty operator map", key)
		}
		names := make([]string, 0, len(ops))
		for name := range ops {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c, err := parseCondition(key, Op(name), ops[name])
			if err != nil {
				return nil, err
			}
			f.conds = append(f.conds, c)
		}
	}
	return f, nil
}

func parseCondition(key string, op Op, operand any) (Condition, error) {
	c := Condition{Key: key, Op: op}
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		v, err := FromAny(operand)
		if err != nil {
			return c, invalidFilter("key %q %s: %v", key, op, err)
		}
		if op.ordered() && v.Kind() == KindBool {
			return c, invalidFilter("key %q: %s is not defined on booleans", key, op)
		}
		c.Value = v
	case OpIn:
		list, err := toList(operand)
		if err != nil {
			return c, invalidFilter("key %q $in: %v", key, err)
		}
		for _, item := range list {
			v, err := FromAny(item)
			if err != nil {
				return c, invalidFilter("key %q $in: %v", key, err)
			}
			c.Values = append(c.Values, v)
		}
	default:
		return c, invalidFilter("unsupported operator %q on key %q", op, key)
	}
	return c, nil
}

// toList accepts any slice or array of scalars.
func toList(x any) ([]any, error) {
	if list, ok := x.([]any); ok {
		return list, nil
	}
	rv := reflect.ValueOf(x)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("operand must be a list, got %T", x)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// Conditions returns the parsed conditions, sorted by key then operator.
func (f *Filter) Conditions() []Condition {
	if f == nil {
		return nil
	}
	return f.conds
}

func (f *Filter) Empty() bool { return f == nil || len(f.conds) == 0 }

// Match evaluates the filter against one record. A missing key fails every
// operator except $ne. Ordering across different kinds never matches.
func (f *Filter) Match(md Metadata) bool {
	if f == nil {
		return true
	}
	for _, c := range f.conds {
		if !c.Match(md) {
			return false
		}
	}
	return true
}

func (c Condition) Match(md Metadata) bool {
	v, ok := md[c.Key]
	if !ok {
		return c.Op == OpNe
	}
	switch c.Op {
	case OpEq:
		return v.Equal(c.Value)
	case OpNe:
		return !v.Equal(c.Value)
	case OpIn:
		for _, candidate := range c.Values {
			if v.Equal(candidate) {
				return true
			}
		}
		return false
	}
	cmp, comparable := v.Compare(c.Value)
	if !comparable {
		return false
	}
	switch c.Op {
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

func (f *Filter) String() string {
	if f.Empty() {
		return "{}"
	}
	parts := make([]string, len(f.conds))
	for i, c := range f.conds {
		if c.Op == OpIn {
			vals := make([]string, len(c.Values))
			for j, v := range c.Values {
				vals[j] = v.String()
			}
			parts[i] = fmt.Sprintf("%s $in [%s]", c.Key, strings.Join(vals, ", "))
			continue
		}
		parts[i] = fmt.Sprintf("%s %s %s", c.Key, c.Op, c.Value)
	}
	return strings.Join(parts, " AND ")
}
