package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func doc(id string, data Data) Snapshot {
	return Snapshot{Ref: NewRef("items", id), Exists: true, Data: data, CreateTime: t0}
}

func TestRefValidate(t *testing.T) {
	assert.NoError(t, NewRef("conversations/a_b/messages", "m1").Validate())
	assert.ErrorIs(t, NewRef("", "x").Validate(), ErrInvalidPath)
	assert.ErrorIs(t, NewRef("users", "").Validate(), ErrInvalidPath)
	assert.ErrorIs(t, NewRef("users//following", "x").Validate(), ErrInvalidPath)
	assert.ErrorIs(t, NewRef("users", "..").Validate(), ErrInvalidPath)
	assert.Equal(t, "users/u1", NewRef("users", "u1").Path())
}

func TestApplyOps(t *testing.T) {
	ref := NewRef("items", "a")
	missing := Snapshot{Ref: ref}
	existing := Snapshot{Ref: ref, Exists: true, Data: Data{"x": 1.0, "y": "keep"}}

	_, _, err := Apply(existing, Create(ref, Data{"x": 2}), t0)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, _, err = Apply(missing, Update(ref, Data{"x": 2}), t0)
	assert.ErrorIs(t, err, ErrNotFound)

	data, exists, err := Apply(existing, Set(ref, Data{"x": 2}), t0)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, Data{"x": 2.0}, data)

	data, _, err = Apply(existing, Merge(ref, Data{"x": 3, "z": true}), t0)
	require.NoError(t, err)
	assert.Equal(t, Data{"x": 3.0, "y": "keep", "z": true}, data)

	data, _, err = Apply(missing, Merge(ref, Data{"x": 1}), t0)
	require.NoError(t, err)
	assert.Equal(t, Data{"x": 1.0}, data)

	_, exists, err = Apply(missing, Delete(ref), t0)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestApplyTransforms(t *testing.T) {
	ref := NewRef("items", "a")
	cur := Snapshot{Ref: ref, Exists: true, Data: Data{
		"n":    4.0,
		"tags": []any{"a", "b"},
		"gone": "x",
	}}

	data, _, err := Apply(cur, Update(ref, Data{
		"n":       Increment(-1),
		"fresh":   Increment(2),
		"tags":    ArrayUnion("b", "c"),
		"gone":    DeleteField,
		"at":      ServerTimestamp,
		"removed": ArrayRemove("a"),
	}), t0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, data["n"])
	assert.Equal(t, 2.0, data["fresh"])
	assert.Equal(t, []any{"a", "b", "c"}, data["tags"])
	assert.NotContains(t, data, "gone")
	assert.Equal(t, FormatTime(t0), data["at"])
	assert.Equal(t, []any{}, data["removed"])

	data, _, err = Apply(cur, Update(ref, Data{"tags": ArrayRemove("a", "zzz")}), t0)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, data["tags"])

	_, _, err = Apply(cur, Update(ref, Data{"tags": Increment(1)}), t0)
	assert.Error(t, err)
}

func TestApplyNormalizesValues(t *testing.T) {
	ref := NewRef("items", "a")
	data, _, err := Apply(Snapshot{Ref: ref}, Set(ref, Data{
		"int":   7,
		"when":  t0,
		"list":  []string{"x", "y"},
		"inner": map[string]int{"k": 1},
	}), t0)
	require.NoError(t, err)
	assert.Equal(t, 7.0, data["int"])
	assert.Equal(t, FormatTime(t0), data["when"])
	assert.Equal(t, []any{"x", "y"}, data["list"])
	assert.Equal(t, map[string]any{"k": 1.0}, data["inner"])
}

func TestFormatTimeSortsChronologically(t *testing.T) {
	a := FormatTime(t0)
	b := FormatTime(t0.Add(time.Nanosecond))
	c := FormatTime(t0.Add(time.Second))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.Len(t, a, len(c))
}

func TestQueryApply(t *testing.T) {
	snaps := []Snapshot{
		doc("a", Data{"owner": "u1", "rank": 3.0, "tags": []any{"x"}}),
		doc("b", Data{"owner": "u1", "rank": 1.0}),
		doc("c", Data{"owner": "u2", "rank": 2.0}),
		doc("d", Data{"owner": "u1"}),
		{Ref: NewRef("other", "e"), Exists: true, Data: Data{"owner": "u1", "rank": 0.0}},
	}
	ids := func(out []Snapshot) []string {
		var res []string
		for _, s := range out {
			res = append(res, s.Ref.ID)
		}
		return res
	}

	q := From("items").Where("owner", Eq, "u1").OrderBy("rank", Asc)
	// d lacks the ordered field and is excluded.
	assert.Equal(t, []string{"b", "a"}, ids(q.Apply(snaps)))
	assert.Equal(t, []string{"a", "b"}, ids(From("items").Where("owner", Eq, "u1").OrderBy("rank", Desc).Apply(snaps)))

	all := From("items").OrderBy("rank", Asc)
	assert.Equal(t, []string{"b", "c"}, ids(all.Limit(2).Apply(snaps)))
	assert.Equal(t, []string{"c", "a"}, ids(all.LimitToLast(2).Apply(snaps)))

	assert.Equal(t, []string{"a"}, ids(From("items").Where("tags", ArrayContains, "x").Apply(snaps)))
	assert.Equal(t, []string{"b", "c"}, ids(all.Where("rank", Lt, 3).Apply(snaps)))
	assert.Equal(t, []string{"c"}, ids(From("items").Where("owner", In, []string{"u2", "u3"}).Apply(snaps)))
	assert.Equal(t, []string{"c"}, ids(From("items").Where("owner", Ne, "u1").Apply(snaps)))
}

func TestQueryTiesBreakByCreateTime(t *testing.T) {
	early := doc("z", Data{"k": 1.0})
	late := doc("a", Data{"k": 1.0})
	late.CreateTime = t0.Add(time.Second)

	out := From("items").OrderBy("k", Asc).Apply([]Snapshot{late, early})
	require.Len(t, out, 2)
	assert.Equal(t, "z", out[0].Ref.ID)
}

func TestChangeTracker(t *testing.T) {
	tr := NewChangeTracker()
	a := doc("a", Data{})
	b := doc("b", Data{})

	changes := tr.Diff([]Snapshot{a, b})
	require.Len(t, changes, 2)
	assert.Equal(t, Added, changes[0].Kind)

	assert.Empty(t, tr.Diff([]Snapshot{a, b}))

	a.UpdateTime = t0.Add(time.Second)
	changes = tr.Diff([]Snapshot{a})
	require.Len(t, changes, 2)
	kinds := map[string]ChangeKind{}
	for _, c := range changes {
		kinds[c.Doc.Ref.ID] = c.Kind
	}
	assert.Equal(t, Modified, kinds["a"])
	assert.Equal(t, Removed, kinds["b"])
}

func TestActingAs(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ActorFrom(ctx))
	assert.Equal(t, "bob", ActorFrom(ActingAs(ctx, "bob")))

	signedIn := WithActor(ctx, "alice")
	assert.Equal(t, "alice", ActorFrom(ActingAs(signedIn, "bob")))
}

type countingStore struct {
	Store
	max     int
	commits [][]Write
	failAt  int
}

func (s *countingStore) MaxBatchSize() int { return s.max }

func (s *countingStore) Commit(_ context.Context, writes []Write) error {
	if s.failAt > 0 && len(s.commits)+1 == s.failAt {
		return ErrUnavailable
	}
	s.commits = append(s.commits, writes)
	return nil
}

func TestBatchAndCommitChunked(t *testing.T) {
	writes := make([]Write, 5)
	for i := range writes {
		writes[i] = Delete(NewRef("items", string(rune('a'+i))))
	}

	s := &countingStore{max: 2}
	assert.True(t, NewBatch(s).Add(writes[:2]...).Fits())
	assert.False(t, NewBatch(s).Add(writes[:3]...).Fits())
	assert.True(t, NewBatch(&countingStore{}).Add(writes...).Fits())
	assert.ErrorIs(t, NewBatch(s).Add(writes...).Commit(context.Background()), ErrBatchTooLarge)
	assert.NoError(t, NewBatch(s).Commit(context.Background()))
	assert.Empty(t, s.commits)

	n, err := CommitChunked(context.Background(), s, writes)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, s.commits, 3)

	s = &countingStore{max: 2, failAt: 2}
	n, err = CommitChunked(context.Background(), s, writes)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, n)
}
