package docstore

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Op is a filter comparison.
type Op string

const (
	Eq            Op = "=="
	Ne            Op = "!="
	Lt            Op = "<"
	Le            Op = "<="
	Gt            Op = ">"
	Ge            Op = ">="
	ArrayContains Op = "array-contains"
	In            Op = "in"
)

type Direction int

const (
	Asc Direction = iota
	Desc
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

type Order struct {
	Field string
	Dir   Direction
}

// Query selects documents of one collection. Build it with From and the
// chaining methods; each returns a modified copy.
type Query struct {
	Collection string
	Filters    []Filter
	Orders     []Order
	Max        int  // 0 means unlimited
	Last       bool // keep the last Max documents instead of the first
}

func From(collection string) Query {
	return Query{Collection: collection}
}

func (q Query) Where(field string, op Op, value any) Query {
	nv, err := normalize(value)
	if err != nil {
		nv = value
	}
	q.Filters = append(slices.Clone(q.Filters), Filter{Field: field, Op: op, Value: nv})
	return q
}

func (q Query) OrderBy(field string, dir Direction) Query {
	q.Orders = append(slices.Clone(q.Orders), Order{Field: field, Dir: dir})
	return q
}

func (q Query) Limit(n int) Query {
	q.Max, q.Last = n, false
	return q
}

// LimitToLast keeps the final n documents of the ordered result while
// preserving the requested order.
func (q Query) LimitToLast(n int) Query {
	q.Max, q.Last = n, true
	return q
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Filters {
		fmt.Fprintf(&b, " where %s %s %v", f.Field, f.Op, f.Value)
	}
	for _, o := range q.Orders {
		dir := "asc"
		if o.Dir == Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, " order by %s %s", o.Field, dir)
	}
	if q.Max > 0 {
		if q.Last {
			fmt.Fprintf(&b, " limit to last %d", q.Max)
		} else {
			fmt.Fprintf(&b, " limit %d", q.Max)
		}
	}
	return b.String()
}

// EqualityFilters returns the Eq filters, which backends may push down.
func (q Query) EqualityFilters() map[string]any {
	out := map[string]any{}
	for _, f := range q.Filters {
		if f.Op == Eq {
			out[f.Field] = f.Value
		}
	}
	return out
}

// Matches reports whether d satisfies every filter and carries every
// ordered field.
func (q Query) Matches(d Data) bool {
	for _, o := range q.Orders {
		if _, ok := d[o.Field]; !ok {
			return false
		}
	}
	for _, f := range q.Filters {
		v, ok := d[f.Field]
		if !ok {
			return false
		}
		if !matchFilter(v, f) {
			return false
		}
	}
	return true
}

func matchFilter(v any, f Filter) bool {
	switch f.Op {
	case Eq:
		return reflect.DeepEqual(v, f.Value)
	case Ne:
		return !reflect.DeepEqual(v, f.Value)
	case ArrayContains:
		arr, ok := v.([]any)
		return ok && containsValue(arr, f.Value)
	case In:
		arr, ok := f.Value.([]any)
		return ok && containsValue(arr, v)
	}
	c, ok := compareValues(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case Lt:
		return c < 0
	case Le:
		return c <= 0
	case Gt:
		return c > 0
	case Ge:
		return c >= 0
	}
	return false
}

// Apply filters, orders and limits snaps. Ties on every ordered field are
// broken by creation time and then by path.
func (q Query) Apply(snaps []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.Exists && s.Ref.Collection == q.Collection && q.Matches(s.Data) {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b Snapshot) int {
		for _, o := range q.Orders {
			c, _ := compareValues(a.Data[o.Field], b.Data[o.Field])
			if o.Dir == Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		if c := a.CreateTime.Compare(b.CreateTime); c != 0 {
			return c
		}
		return strings.Compare(a.Ref.Path(), b.Ref.Path())
	})
	if q.Max > 0 && len(out) > q.Max {
		if q.Last {
			out = out[len(out)-q.Max:]
		} else {
			out = out[:q.Max]
		}
	}
	return out
}

// typeRank orders values of different types: null < bool < number <
// string < array < map.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	case map[string]any:
		return 5
	}
	return 6
}

// compareValues compares two JSON-shaped values. The bool result is false
// when the values have different types, in which case the int orders them
// by type rank.
func compareValues(a, b any) (int, bool) {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1, false
		}
		return 1, false
	}
	switch x := a.(type) {
	case nil:
		return 0, true
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	case string:
		return strings.Compare(x, b.(string)), true
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c, _ := compareValues(x[i], y[i]); c != 0 {
				return c, true
			}
		}
		switch {
		case len(x) < len(y):
			return -1, true
		case len(x) > len(y):
			return 1, true
		}
		return 0, true
	}
	return 0, reflect.DeepEqual(a, b)
}
