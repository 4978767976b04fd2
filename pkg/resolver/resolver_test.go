package resolver

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSource is a Source over hand-built revisions. Revisions of a
// repository are listed in changelog order.
type memSource struct {
	repos map[Key][]*Revision
}

func newMemSource() *memSource {
	return &memSource{repos: map[Key][]*Revision{}}
}

func (s *memSource) add(owner, name, changeset string, deps ...Dependency) *Revision {
	k := Key{Owner: owner, Name: name}
	rev := &Revision{
		Key:               k,
		ChangesetRevision: changeset,
		Seq:               len(s.repos[k]),
		Dependencies:      deps,
	}
	s.repos[k] = append(s.repos[k], rev)
	return rev
}

func (s *memSource) Revision(key Key, changeset string) (*Revision, error) {
	revs, ok := s.repos[key]
	if !ok {
		return nil, fmt.Errorf("repository %s does not exist", key.String())
	}
	if changeset == "" {
		return revs[len(revs)-1], nil
	}
	for _, r := range revs {
		if r.ChangesetRevision == changeset {
			return r, nil
		}
	}
	return nil, fmt.Errorf("changeset revision %s of %s is invalid", changeset, key.String())
}

func dep(name, changeset string) Dependency {
	return Dependency{Owner: "user1", Name: name, ChangesetRevision: changeset}
}

func priorDep(name, changeset string) Dependency {
	d := dep(name, changeset)
	d.PriorInstallationRequired = true
	return d
}

func key(name string) Key {
	return Key{Owner: "user1", Name: name}
}

func keys(names ...string) []Key {
	out := make([]Key, len(names))
	for i, n := range names {
		out[i] = key(n)
	}
	return out
}

func TestResolveCycleOfTwo(t *testing.T) {
	src := newMemSource()
	src.add("user1", "filtering_0040", "f1", dep("freebayes_0040", "b1"))
	src.add("user1", "freebayes_0040", "b1", dep("filtering_0040", "f1"))

	for _, root := range []string{"filtering_0040", "freebayes_0040"} {
		res, err := New(src).Resolve(key(root), "")
		require.NoError(t, err)

		assert.Equal(t, key(root), res.Keys()[0])
		assert.ElementsMatch(t, keys("filtering_0040", "freebayes_0040"), res.Keys())
		assert.Len(t, res.Edges, 2)
		assert.Empty(t, res.Missing)
	}
}

func TestResolveCycles(t *testing.T) {
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("length %d", n), func(t *testing.T) {
			src := newMemSource()
			var names []string
			for i := 0; i < n; i++ {
				names = append(names, fmt.Sprintf("repo_%d", i))
			}
			for i := 0; i < n; i++ {
				next := names[(i+1)%n]
				src.add("user1", names[i], "r"+names[i], dep(next, "r"+next))
			}

			for _, root := range names {
				res, err := New(src).Resolve(key(root), "")
				require.NoError(t, err)
				assert.ElementsMatch(t, keys(names...), res.Keys())
				assert.Len(t, res.Edges, n)
			}
		})
	}
}

func TestResolveFiveRepositoryCircularGraph(t *testing.T) {
	src := newMemSource()
	src.add("user1", "convert_chars_0050", "cc1", dep("column_maker_0050", "cm1"))
	src.add("user1", "column_maker_0050", "cm1", dep("convert_chars_0050", "cc1"))
	src.add("user1", "emboss_0050", "e1", dep("bismark_0050", "b1"))
	src.add("user1", "bismark_0050", "b1")
	src.add("user1", "freebayes_0050", "fb1",
		dep("freebayes_0050", "fb1"),
		dep("bismark_0050", "b1"),
		dep("emboss_0050", "e1"),
		dep("column_maker_0050", "cm1"))
	src.add("user1", "filtering_0050", "fl1", dep("emboss_0050", "e1"))

	res, err := New(src).Resolve(key("freebayes_0050"), "")
	require.NoError(t, err)

	assert.ElementsMatch(t,
		keys("freebayes_0050", "bismark_0050", "emboss_0050", "column_maker_0050", "convert_chars_0050"),
		res.Keys())
	assert.Empty(t, res.Missing)

	seen := map[Key]int{}
	for _, k := range res.Keys() {
		seen[k]++
	}
	for k, n := range seen {
		assert.Equal(t, 1, n, k.String())
	}
}

func TestResolveRecordsMissing(t *testing.T) {
	src := newMemSource()
	src.add("user1", "column_maker", "cm1",
		dep("convert_chars", "bogus"),
		dep("deleted_repo", "d1"),
		dep("emboss", "e1"))
	src.add("user1", "convert_chars", "cc1")
	src.add("user1", "emboss", "e1")

	root := src.repos[key("column_maker")][0]
	root.Invalid = []InvalidDependency{{
		Dependency: Dependency{Owner: "-bad-", Name: "x", ChangesetRevision: "1"},
		Reason:     "owner is invalid",
	}}

	res, err := New(src).Resolve(key("column_maker"), "cm1")
	require.NoError(t, err)

	assert.ElementsMatch(t, keys("column_maker", "emboss"), res.Keys())
	require.Len(t, res.Missing, 3)
	for _, m := range res.Missing {
		assert.Equal(t, key("column_maker"), m.Dependent)
		assert.NotEmpty(t, m.Reason)
	}
}

func TestResolveUnknownRoot(t *testing.T) {
	_, err := New(newMemSource()).Resolve(key("nothing"), "")
	assert.Error(t, err)
}

func TestResolveNewestReferenceWins(t *testing.T) {
	src := newMemSource()
	src.add("user1", "package_bwa", "p1", dep("legacy", "l1"))
	src.add("user1", "package_bwa", "p2")
	src.add("user1", "legacy", "l1")
	src.add("user1", "tool_a", "a1", dep("package_bwa", "p1"))
	src.add("user1", "tool_b", "b1", dep("package_bwa", "p2"))
	src.add("user1", "suite", "s1", dep("tool_a", "a1"), dep("tool_b", "b1"))

	res, err := New(src).Resolve(key("suite"), "")
	require.NoError(t, err)

	assert.Equal(t, "p2", res.Revision(key("package_bwa")).ChangesetRevision)
	// legacy was only needed by the superseded revision
	assert.Nil(t, res.Revision(key("legacy")))
	assert.ElementsMatch(t, keys("suite", "tool_a", "tool_b", "package_bwa"), res.Keys())
}

func TestResolveRootRevisionIsFixed(t *testing.T) {
	src := newMemSource()
	src.add("user1", "column_maker", "cm1", dep("convert_chars", "cc1"))
	src.add("user1", "column_maker", "cm2", dep("convert_chars", "cc1"))
	src.add("user1", "convert_chars", "cc1", dep("column_maker", "cm2"))

	res, err := New(src).Resolve(key("column_maker"), "cm1")
	require.NoError(t, err)
	assert.Equal(t, "cm1", res.Revision(key("column_maker")).ChangesetRevision)
}

func TestResolvePreservesEdgeFlags(t *testing.T) {
	src := newMemSource()
	d := priorDep("package_numpy", "n1")
	d.Package = &Package{Name: "numpy", Version: "1.7.1"}
	src.add("user1", "matplotlib", "m1", d)
	src.add("user1", "package_numpy", "n1")

	res, err := New(src).Resolve(key("matplotlib"), "")
	require.NoError(t, err)
	require.Len(t, res.Edges, 1)
	assert.True(t, res.Edges[0].PriorInstallationRequired)
	assert.Equal(t, &Package{Name: "numpy", Version: "1.7.1"}, res.Edges[0].Package)
}

func TestRootOnly(t *testing.T) {
	src := newMemSource()
	src.add("user1", "column_maker", "cm1", dep("convert_chars", "cc1"), dep("absent", "x"))
	src.add("user1", "convert_chars", "cc1")

	res, err := New(src).Resolve(key("column_maker"), "")
	require.NoError(t, err)

	only := res.RootOnly()
	assert.Equal(t, keys("column_maker"), only.Keys())
	assert.Empty(t, only.Edges)
	assert.Len(t, only.Missing, 1)
}
