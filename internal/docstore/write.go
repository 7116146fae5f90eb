package docstore

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"time"
)

// WriteOp selects how a Write combines with the existing document.
type WriteOp int

const (
	OpSet    WriteOp = iota // replace the document
	OpMerge                 // upsert the listed top-level fields
	OpCreate                // insert; fails if the document exists
	OpUpdate                // modify the listed fields; fails if missing
	OpDelete                // remove; no-op if missing
)

func (o WriteOp) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpMerge:
		return "merge"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Write is one document mutation inside a Commit or a transaction.
type Write struct {
	Op   WriteOp
	Ref  Ref
	Data Data
}

func Set(ref Ref, data Data) Write    { return Write{Op: OpSet, Ref: ref, Data: data} }
func Merge(ref Ref, data Data) Write  { return Write{Op: OpMerge, Ref: ref, Data: data} }
func Create(ref Ref, data Data) Write { return Write{Op: OpCreate, Ref: ref, Data: data} }
func Update(ref Ref, data Data) Write { return Write{Op: OpUpdate, Ref: ref, Data: data} }
func Delete(ref Ref) Write            { return Write{Op: OpDelete, Ref: ref} }

// Fields returns the top-level field names the write touches.
func (w Write) Fields() []string {
	out := make([]string, 0, len(w.Data))
	for k := range w.Data {
		out = append(out, k)
	}
	return out
}

// transform is a field value computed by the store at commit time.
type transform interface {
	apply(prev any, present bool, now time.Time) (any, error)
}

type serverTimestamp struct{}

func (serverTimestamp) apply(_ any, _ bool, now time.Time) (any, error) {
	return FormatTime(now), nil
}

// ServerTimestamp is replaced by the store's commit time.
var ServerTimestamp any = serverTimestamp{}

type deleteField struct{}

// DeleteField removes the field it is assigned to.
var DeleteField any = deleteField{}

type increment struct{ n float64 }

func (t increment) apply(prev any, present bool, _ time.Time) (any, error) {
	if !present || prev == nil {
		return t.n, nil
	}
	cur, ok := prev.(float64)
	if !ok {
		return nil, fmt.Errorf("increment: field holds %T, not a number", prev)
	}
	return cur + t.n, nil
}

// Increment adds n to a numeric field, treating a missing field as zero.
func Increment(n int64) any { return increment{n: float64(n)} }

type arrayUnion struct{ vals []any }

func (t arrayUnion) apply(prev any, present bool, _ time.Time) (any, error) {
	cur, err := asArray(prev, present)
	if err != nil {
		return nil, fmt.Errorf("array union: %w", err)
	}
	for _, v := range t.vals {
		if !containsValue(cur, v) {
			cur = append(cur, v)
		}
	}
	return cur, nil
}

// ArrayUnion appends each value not already present in the array field.
func ArrayUnion(vals ...any) any { return arrayUnion{vals: normalizeAll(vals)} }

type arrayRemove struct{ vals []any }

func (t arrayRemove) apply(prev any, present bool, _ time.Time) (any, error) {
	cur, err := asArray(prev, present)
	if err != nil {
		return nil, fmt.Errorf("array remove: %w", err)
	}
	out := make([]any, 0, len(cur))
	for _, v := range cur {
		if !containsValue(t.vals, v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// ArrayRemove drops every occurrence of the given values from the array field.
func ArrayRemove(vals ...any) any { return arrayRemove{vals: normalizeAll(vals)} }

func asArray(prev any, present bool) ([]any, error) {
	if !present || prev == nil {
		return []any{}, nil
	}
	arr, ok := prev.([]any)
	if !ok {
		return nil, fmt.Errorf("field holds %T, not an array", prev)
	}
	return append([]any(nil), arr...), nil
}

func containsValue(arr []any, v any) bool {
	for _, x := range arr {
		if reflect.DeepEqual(x, v) {
			return true
		}
	}
	return false
}

// TimeLayout is the fixed-width UTC layout for stored timestamps. Lexical
// order of formatted values equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Apply resolves w against cur, the current state of w.Ref, using now for
// server timestamps. It returns the next body and whether the document
// exists afterwards. Both backends share it so they agree on semantics.
func Apply(cur Snapshot, w Write, now time.Time) (Data, bool, error) {
	var base Data
	switch w.Op {
	case OpDelete:
		return nil, false, nil
	case OpCreate:
		if cur.Exists {
			return nil, false, fmt.Errorf("create %s: %w", w.Ref, ErrAlreadyExists)
		}
		base = Data{}
	case OpSet:
		base = Data{}
	case OpMerge:
		base = cloneData(cur)
	case OpUpdate:
		if !cur.Exists {
			return nil, false, fmt.Errorf("update %s: %w", w.Ref, ErrNotFound)
		}
		base = cloneData(cur)
	default:
		return nil, false, fmt.Errorf("apply %s: unknown op %s", w.Ref, w.Op)
	}

	for field, v := range w.Data {
		switch t := v.(type) {
		case deleteField:
			delete(base, field)
		case transform:
			prev, present := cur.Data[field]
			if w.Op == OpSet || w.Op == OpCreate {
				prev, present = nil, false
			}
			next, err := t.apply(prev, present, now)
			if err != nil {
				return nil, false, fmt.Errorf("apply %s.%s: %w", w.Ref, field, err)
			}
			base[field] = next
		default:
			nv, err := normalize(v)
			if err != nil {
				return nil, false, fmt.Errorf("apply %s.%s: %w", w.Ref, field, err)
			}
			base[field] = nv
		}
	}
	return base, true, nil
}

func cloneData(s Snapshot) Data {
	if !s.Exists || s.Data == nil {
		return Data{}
	}
	return maps.Clone(s.Data)
}

// normalize converts a Go value to its JSON-shaped equivalent so that
// comparisons behave the same in every backend.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x, nil
	case time.Time:
		return FormatTime(x), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return FormatTime(*x), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	return out, nil
}

func normalizeAll(vals []any) []any {
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		nv, err := normalize(v)
		if err != nil {
			continue
		}
		out = append(out, nv)
	}
	return out
}
