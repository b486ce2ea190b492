// Package predicate implements the partition-key predicate algebra used for
// pushdown filtering. A Predicate is a tagged value evaluated against the
// decoded key map of a partition by a single interpreter.
package predicate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/pkg/types"
)

// Op identifies the predicate variant.
type Op int

const (
	OpTrue Op = iota // zero value: matches every partition
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpBetween
	OpContains
	OpAnd
	OpOr
)

// String returns the textual operator.
func (o Op) String() string {
	switch o {
	case OpTrue:
		return "TRUE"
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpBetween:
		return "BETWEEN"
	case OpContains:
		return "CONTAINS"
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	default:
		return "UNKNOWN"
	}
}

// Predicate is a boolean expression over partition keys.
type Predicate struct {
	Op       Op
	Field    string      // key name for leaf variants
	Value    any         // operand of comparisons and Contains
	Low      any         // inclusive lower bound of Between
	High     any         // inclusive upper bound of Between
	Children []Predicate // operands of And / Or
}

// True matches every partition.
func True() Predicate { return Predicate{Op: OpTrue} }

func Eq(field string, v any) Predicate { return Predicate{Op: OpEq, Field: field, Value: v} }
func Ne(field string, v any) Predicate { return Predicate{Op: OpNe, Field: field, Value: v} }
func Lt(field string, v any) Predicate { return Predicate{Op: OpLt, Field: field, Value: v} }
func Le(field string, v any) Predicate { return Predicate{Op: OpLe, Field: field, Value: v} }
func Gt(field string, v any) Predicate { return Predicate{Op: OpGt, Field: field, Value: v} }
func Ge(field string, v any) Predicate { return Predicate{Op: OpGe, Field: field, Value: v} }

// Between matches low <= field <= high.
func Between(field string, low, high any) Predicate {
	return Predicate{Op: OpBetween, Field: field, Low: low, High: high}
}

// Contains matches string keys containing the substring v.
func Contains(field string, v any) Predicate {
	return Predicate{Op: OpContains, Field: field, Value: v}
}

// And matches when every child matches. And() is True.
func And(children ...Predicate) Predicate {
	return Predicate{Op: OpAnd, Children: children}
}

// Or matches when any child matches. Or() matches nothing.
func Or(children ...Predicate) Predicate {
	return Predicate{Op: OpOr, Children: children}
}

// Eval evaluates p against a partition key map. Literal operands are
// coerced to the type of the key value before comparing. Referencing a key
// absent from m is an error.
func (p Predicate) Eval(m types.KeyMap) (bool, error) {
	switch p.Op {
	case OpTrue:
		return true, nil
	case OpAnd:
		for _, c := range p.Children {
			ok, err := c.Eval(m)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, c := range p.Children {
			ok, err := c.Eval(m)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	v, ok := m[p.Field]
	if !ok {
		return false, nerrors.NewValidationError(nerrors.CodeUnknownField,
			fmt.Sprintf("predicate references unknown partition key %q", p.Field))
	}

	switch p.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		c, err := compare(p.Field, v, p.Value)
		if err != nil {
			return false, err
		}
		switch p.Op {
		case OpEq:
			return c == 0, nil
		case OpNe:
			return c != 0, nil
		case OpLt:
			return c < 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case OpBetween:
		lo, err := compare(p.Field, v, p.Low)
		if err != nil {
			return false, err
		}
		hi, err := compare(p.Field, v, p.High)
		if err != nil {
			return false, err
		}
		return lo >= 0 && hi <= 0, nil
	case OpContains:
		s, ok := v.(string)
		if !ok {
			return false, nerrors.NewValidationError(nerrors.CodeInvalidPartitionKey,
				fmt.Sprintf("CONTAINS requires a string key, %q is %T", p.Field, v))
		}
		sub, err := types.Cast(types.TypeString, p.Value)
		if err != nil {
			return false, nerrors.NewValidationError(nerrors.CodeInvalidPartitionKey, err.Error())
		}
		return strings.Contains(s, sub.(string)), nil
	}
	return false, nerrors.NewValidationError(nerrors.CodeParseError, fmt.Sprintf("unknown predicate op %d", p.Op))
}

// Match is Eval for callers that treat errors as non-matches.
func (p Predicate) Match(m types.KeyMap) bool {
	ok, err := p.Eval(m)
	return err == nil && ok
}

// Fields returns the sorted set of key names referenced by p.
func (p Predicate) Fields() []string {
	set := map[string]struct{}{}
	p.collect(set)
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (p Predicate) collect(set map[string]struct{}) {
	if p.Field != "" {
		set[p.Field] = struct{}{}
	}
	for _, c := range p.Children {
		c.collect(set)
	}
}

// String renders p in the syntax accepted by Parse.
func (p Predicate) String() string {
	switch p.Op {
	case OpTrue:
		return "TRUE"
	case OpAnd, OpOr:
		if len(p.Children) == 0 {
			if p.Op == OpAnd {
				return "TRUE"
			}
			return "FALSE"
		}
		parts := make([]string, len(p.Children))
		for i, c := range p.Children {
			parts[i] = c.String()
		}
		if len(parts) == 1 {
			return parts[0]
		}
		return "(" + strings.Join(parts, " "+p.Op.String()+" ") + ")"
	case OpBetween:
		return fmt.Sprintf("%s BETWEEN %s AND %s", p.Field, literal(p.Low), literal(p.High))
	default:
		return fmt.Sprintf("%s %s %s", p.Field, p.Op, literal(p.Value))
	}
}

func compare(field string, keyValue, operand any) (int, error) {
	c, err := types.Compare(keyValue, operand)
	if err != nil {
		return 0, nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeInvalidPartitionKey,
			fmt.Sprintf("cannot compare key %q with %v", field, operand), err)
	}
	return c, nil
}

func literal(v any) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case time.Time:
		return "'" + x.UTC().Format(types.LayoutMicros) + "'"
	case bool:
		return strings.ToUpper(strconv.FormatBool(x))
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
